package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tiervault/internal/domain"
)

// Интерфейсы зависимостей сервисного слоя. Реализации из repository и tier
// подставляются при старте; тесты используют фейки.

type QuotaRepository interface {
	GetOrCreate(ctx context.Context, ownerID string) (*domain.DownloadQuota, error)
	Save(ctx context.Context, quota *domain.DownloadQuota) error
}

type ResourceStore interface {
	Create(ctx context.Context, res *domain.Resource) error
	GetByUUID(ctx context.Context, resourceUUID uuid.UUID) (*domain.Resource, error)
	IncrementDownloadCount(ctx context.Context, resourceUUID uuid.UUID) error
	Deactivate(ctx context.Context, resourceUUID uuid.UUID) error
}

type EventStore interface {
	Insert(ctx context.Context, event *domain.DownloadEvent) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TierOracle резолвит идентификатор во внешний тир. Ошибка вызова означает
// отказ в доступе (fail closed).
type TierOracle interface {
	GetUserTier(ctx context.Context, identity string) (int, error)
}
