package service

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"tiervault/internal/domain"
	"tiervault/internal/service/s3"
)

const (
	uploadChunkSize    = 5 * 1024 * 1024 // 5MB, минимальный размер части S3
	multipartThreshold = 2 * uploadChunkSize
)

// ResourceService управляет жизненным циклом ресурсов: загрузка в хранилище,
// метаданные, деактивация
type ResourceService struct {
	resources ResourceStore
	storage   s3.Storage
}

func NewResourceService(resources ResourceStore, storage s3.Storage) *ResourceService {
	return &ResourceService{
		resources: resources,
		storage:   storage,
	}
}

// Upload загружает содержимое в хранилище и регистрирует ресурс. Файлы
// крупнее порога уходят multipart-загрузкой по частям.
func (s *ResourceService) Upload(ctx context.Context, name, mimeType string, sizeBytes int64, requiredTier int, body io.Reader) (*domain.Resource, error) {
	if name == "" {
		return nil, fmt.Errorf("resource name is required")
	}
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("resource size must be positive")
	}
	if requiredTier < domain.TierUnrestricted {
		requiredTier = domain.TierUnrestricted
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	resourceUUID := uuid.New()
	s3Key := fmt.Sprintf("resources/%s/%s", resourceUUID, name)

	if sizeBytes > multipartThreshold {
		if err := s.uploadMultipart(ctx, s3Key, mimeType, body); err != nil {
			return nil, err
		}
	} else {
		if err := s.storage.Upload(ctx, s3Key, mimeType, body); err != nil {
			return nil, fmt.Errorf("failed to upload resource: %w", err)
		}
	}

	resource := &domain.Resource{
		UUID:         resourceUUID,
		Name:         name,
		MIMEType:     mimeType,
		SizeBytes:    sizeBytes,
		RequiredTier: requiredTier,
		S3Key:        s3Key,
	}

	if err := s.resources.Create(ctx, resource); err != nil {
		// Не оставляем объект-сироту в хранилище
		if delErr := s.storage.DeleteObject(ctx, s3Key); delErr != nil {
			log.Printf("[Resource] Не удалось удалить объект после сбоя регистрации: %v", delErr)
		}
		return nil, fmt.Errorf("failed to register resource: %w", err)
	}

	return resource, nil
}

// uploadMultipart загружает содержимое частями по 5MB; при любой ошибке
// загрузка отменяется на стороне хранилища
func (s *ResourceService) uploadMultipart(ctx context.Context, s3Key, mimeType string, body io.Reader) error {
	uploadID, err := s.storage.CreateMultipartUpload(ctx, s3Key, mimeType)
	if err != nil {
		return fmt.Errorf("failed to start multipart upload: %w", err)
	}

	var parts []s3.CompletedPart
	buf := make([]byte, uploadChunkSize)
	partNumber := 1

	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			etag, err := s.storage.UploadPart(ctx, uploadID, s3Key, partNumber, buf[:n])
			if err != nil {
				s.abortMultipart(ctx, uploadID, s3Key)
				return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
			}
			parts = append(parts, s3.CompletedPart{PartNumber: partNumber, ETag: etag})
			partNumber++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			s.abortMultipart(ctx, uploadID, s3Key)
			return fmt.Errorf("failed to read upload body: %w", readErr)
		}
	}

	if len(parts) == 0 {
		s.abortMultipart(ctx, uploadID, s3Key)
		return fmt.Errorf("upload body is empty")
	}

	if err := s.storage.CompleteMultipartUpload(ctx, uploadID, s3Key, parts); err != nil {
		s.abortMultipart(ctx, uploadID, s3Key)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return nil
}

func (s *ResourceService) abortMultipart(ctx context.Context, uploadID, s3Key string) {
	if err := s.storage.AbortMultipartUpload(ctx, uploadID, s3Key); err != nil {
		log.Printf("[Resource] Не удалось отменить multipart загрузку %s: %v", uploadID, err)
	}
}

// GetInfo возвращает метаданные активного ресурса
func (s *ResourceService) GetInfo(ctx context.Context, resourceUUID uuid.UUID) (*domain.Resource, error) {
	return s.resources.GetByUUID(ctx, resourceUUID)
}

// Deactivate скрывает ресурс и удаляет его объект из хранилища. Ошибка
// удаления объекта логируется: ресурс уже невидим, объект доудалит ручная
// чистка.
func (s *ResourceService) Deactivate(ctx context.Context, resourceUUID uuid.UUID) error {
	resource, err := s.resources.GetByUUID(ctx, resourceUUID)
	if err != nil {
		return err
	}

	if err := s.resources.Deactivate(ctx, resourceUUID); err != nil {
		return err
	}

	if err := s.storage.DeleteObject(ctx, resource.S3Key); err != nil {
		log.Printf("[Resource] Не удалось удалить объект %s: %v", resource.S3Key, err)
	}

	return nil
}
