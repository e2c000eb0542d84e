package domain

import (
	"time"

	"github.com/google/uuid"
)

// DownloadEvent - аналитическое событие об отданном файле. Запись
// fire-and-forget, ошибки записи не влияют на скачивание.
type DownloadEvent struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ResourceUUID uuid.UUID `json:"resource_uuid" db:"resource_uuid"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	SizeBytes    int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
