package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tiervault/internal/domain"
)

type DownloadEventRepository struct {
	db *sqlx.DB
}

func NewDownloadEventRepository(db *sqlx.DB) *DownloadEventRepository {
	return &DownloadEventRepository{db: db}
}

func (r *DownloadEventRepository) Insert(ctx context.Context, event *domain.DownloadEvent) error {
	query := `
        INSERT INTO download_events (id, resource_uuid, owner_id, size_bytes)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		event.ID,
		event.ResourceUUID,
		event.OwnerID,
		event.SizeBytes,
	).Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert download event: %w", err)
	}

	return nil
}

// PruneOlderThan удаляет события старше указанного момента. Вызывается
// фоновым тикером ретенции.
func (r *DownloadEventRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM download_events WHERE created_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune download events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows, nil
}
