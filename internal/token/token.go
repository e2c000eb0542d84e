// Package token реализует короткоживущие подписанные токены скачивания.
// Токен - чистая функция от {resourceID, identity, exp} и секрета подписи;
// проверка не обращается к базе и требует только секрет и часы.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL - срок жизни токена по умолчанию (900 секунд)
const DefaultTTL = 15 * time.Minute

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims - содержимое проверенного токена
type Claims struct {
	ResourceUUID uuid.UUID
	Identity     string
	ExpiresAt    time.Time
}

// Service выпускает и проверяет токены скачивания
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL возвращает срок жизни выпускаемых токенов
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue выпускает токен для пары (ресурс, идентификатор). Идентификатор
// нормализуется, чтобы проверка не зависела от регистра адреса.
func (s *Service) Issue(resourceUUID uuid.UUID, identity string) string {
	exp := s.now().Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", resourceUUID.String(), normalize(identity), exp)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))

	return encoded + "." + s.sign(encoded)
}

// Verify проверяет подпись и срок жизни токена. Состояние не требуется.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	encoded, signature, found := strings.Cut(tokenStr, ".")
	if !found {
		return nil, ErrInvalidToken
	}

	expected := s.sign(encoded)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	resourceUUID, err := uuid.Parse(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}

	expUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}

	exp := time.Unix(expUnix, 0)
	if exp.Before(s.now()) {
		return nil, ErrTokenExpired
	}

	return &Claims{
		ResourceUUID: resourceUUID,
		Identity:     parts[1],
		ExpiresAt:    exp,
	}, nil
}

func (s *Service) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
