// Package tier содержит клиент внешнего сервиса тиров. Сервис резолвит
// идентификатор (адрес кошелька) в целочисленный тир; любая ошибка вызова
// трактуется вызывающей стороной как отказ в доступе (fail closed).
package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TierNone означает отсутствие тира у пользователя
const TierNone = -1

// Client - HTTP клиент сервиса тиров. Создается один раз при старте и
// передается зависимым компонентам.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

// GetUserTier возвращает тир пользователя: TierNone если тира нет,
// 0..N-1 для уровней доступа
func (c *Client) GetUserTier(ctx context.Context, identity string) (int, error) {
	endpoint := fmt.Sprintf("%s/tiers/%s", c.baseURL, url.PathEscape(identity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TierNone, fmt.Errorf("failed to build tier request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TierNone, fmt.Errorf("tier oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TierNone, fmt.Errorf("tier oracle returned status %d", resp.StatusCode)
	}

	var body struct {
		Tier int `json:"tier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TierNone, fmt.Errorf("failed to decode tier response: %w", err)
	}

	return body.Tier, nil
}
