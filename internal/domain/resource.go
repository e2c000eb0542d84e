package domain

import (
	"time"

	"github.com/google/uuid"
)

// TierUnrestricted означает, что ресурс доступен без проверки тира
const TierUnrestricted = -1

type Resource struct {
	UUID          uuid.UUID `json:"uuid" db:"uuid"`
	Name          string    `json:"name" db:"name"`
	MIMEType      string    `json:"mime_type" db:"mime_type"`
	SizeBytes     int64     `json:"size_bytes" db:"size_bytes"`
	RequiredTier  int       `json:"required_tier" db:"required_tier"`
	S3Key         string    `json:"-" db:"s3_key"`
	DownloadCount int64     `json:"download_count" db:"download_count"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// IsRestricted возвращает true, если для скачивания требуется тир
func (r *Resource) IsRestricted() bool {
	return r.RequiredTier >= 0
}
