package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"tiervault/internal/domain"
	"tiervault/internal/service/s3"
)

const sideEffectTimeout = 30 * time.Second

// ErrObjectMissing возвращается, когда объект ресурса отсутствует в хранилище
var ErrObjectMissing = errors.New("resource object missing in storage")

// DeliveryService отдает байты ресурса из хранилища и начисляет побочные
// эффекты выданного скачивания. Побочные эффекты не блокируют поток байт и
// выполняются по принципу best-effort.
type DeliveryService struct {
	storage   s3.Storage
	quota     *QuotaService
	resources ResourceStore
	events    EventStore
}

func NewDeliveryService(storage s3.Storage, quota *QuotaService, resources ResourceStore, events EventStore) *DeliveryService {
	return &DeliveryService{
		storage:   storage,
		quota:     quota,
		resources: resources,
		events:    events,
	}
}

// OpenStream открывает поток чтения объекта ресурса из хранилища
func (s *DeliveryService) OpenStream(ctx context.Context, resource *domain.Resource) (s3.S3Object, error) {
	obj, err := s.storage.GetObject(ctx, resource.S3Key)
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, ErrObjectMissing
		}
		return nil, err
	}
	return obj, nil
}

// RecordDelivery начисляет побочные эффекты начатого скачивания: квоту
// (если путь авторизации её еще не начислил), счетчик скачиваний и
// аналитическое событие. Вызывается в отдельной горутине параллельно с
// отдачей байт; ошибки логируются и никогда не прерывают поток. Скачивание
// считается начисленным с момента старта потока, при обрыве клиента
// откатов нет.
func (s *DeliveryService) RecordDelivery(resource *domain.Resource, identity string, quotaCharged bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if !quotaCharged {
		if err := s.quota.RecordDownload(ctx, identity, resource.SizeBytes); err != nil {
			log.Printf("[Delivery] Не удалось начислить квоту для %s: %v", identity, err)
		}
	}

	if err := s.resources.IncrementDownloadCount(ctx, resource.UUID); err != nil {
		log.Printf("[Delivery] Не удалось увеличить счетчик скачиваний %s: %v", resource.UUID, err)
	}

	event := &domain.DownloadEvent{
		ID:           uuid.New(),
		ResourceUUID: resource.UUID,
		OwnerID:      NormalizeIdentity(identity),
		SizeBytes:    resource.SizeBytes,
	}
	if err := s.events.Insert(ctx, event); err != nil {
		log.Printf("[Delivery] Не удалось записать аналитическое событие: %v", err)
	}
}

// PruneEvents удаляет аналитические события старше retention. Вызывается
// фоновым тикером.
func (s *DeliveryService) PruneEvents(ctx context.Context, retention time.Duration) error {
	pruned, err := s.events.PruneOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		log.Printf("[Delivery] Удалено устаревших событий: %d", pruned)
	}
	return nil
}
