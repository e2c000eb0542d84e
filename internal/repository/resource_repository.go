package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tiervault/internal/domain"
)

// ErrResourceNotFound возвращается, когда ресурс отсутствует или деактивирован
var ErrResourceNotFound = errors.New("resource not found")

type ResourceRepository struct {
	db *sqlx.DB
}

func NewResourceRepository(db *sqlx.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

func (r *ResourceRepository) Create(ctx context.Context, res *domain.Resource) error {
	query := `
        INSERT INTO resources (uuid, name, mime_type, size_bytes, required_tier, s3_key, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, TRUE)
        RETURNING download_count, is_active, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		res.UUID,
		res.Name,
		res.MIMEType,
		res.SizeBytes,
		res.RequiredTier,
		res.S3Key,
	).Scan(&res.DownloadCount, &res.IsActive, &res.CreatedAt, &res.UpdatedAt)
}

// GetByUUID возвращает только активные ресурсы; деактивированные считаются
// отсутствующими
func (r *ResourceRepository) GetByUUID(ctx context.Context, resourceUUID uuid.UUID) (*domain.Resource, error) {
	var res domain.Resource

	err := r.db.GetContext(ctx, &res,
		`SELECT * FROM resources WHERE uuid = $1 AND is_active = TRUE`,
		resourceUUID)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return &res, nil
}

// IncrementDownloadCount атомарно увеличивает счетчик скачиваний
func (r *ResourceRepository) IncrementDownloadCount(ctx context.Context, resourceUUID uuid.UUID) error {
	query := `
        UPDATE resources
        SET download_count = download_count + 1,
            updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $1`

	result, err := r.db.ExecContext(ctx, query, resourceUUID)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return ErrResourceNotFound
	}

	return nil
}

// Deactivate помечает ресурс неактивным; скачивания после этого получают 404
func (r *ResourceRepository) Deactivate(ctx context.Context, resourceUUID uuid.UUID) error {
	query := `
        UPDATE resources
        SET is_active = FALSE,
            updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $1 AND is_active = TRUE`

	result, err := r.db.ExecContext(ctx, query, resourceUUID)
	if err != nil {
		return fmt.Errorf("failed to deactivate resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return ErrResourceNotFound
	}

	return nil
}
