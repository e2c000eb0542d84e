package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tiervault/internal/domain"
)

type DownloadQuotaRepository struct {
	db *sqlx.DB
}

func NewDownloadQuotaRepository(db *sqlx.DB) *DownloadQuotaRepository {
	return &DownloadQuotaRepository{db: db}
}

// GetOrCreate возвращает запись квоты, лениво создавая её при первом
// обращении. Новая запись имеет полный остаток квоты.
func (r *DownloadQuotaRepository) GetOrCreate(ctx context.Context, ownerID string) (*domain.DownloadQuota, error) {
	var quota domain.DownloadQuota

	err := r.db.GetContext(ctx, &quota,
		`SELECT * FROM download_quotas WHERE owner_id = $1`,
		ownerID)

	if err != nil {
		// Если записи нет, создаем новую с нулевыми счетчиками
		if err == sql.ErrNoRows {
			now := time.Now()
			quota = domain.DownloadQuota{
				OwnerID:          ownerID,
				LastDownloadDate: now,
				LastResetMonth:   int(now.Month()),
				LastResetYear:    now.Year(),
			}

			if err := r.create(ctx, &quota); err != nil {
				return nil, fmt.Errorf("failed to create quota record: %w", err)
			}
			return &quota, nil
		}
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}

	return &quota, nil
}

func (r *DownloadQuotaRepository) create(ctx context.Context, quota *domain.DownloadQuota) error {
	query := `
        INSERT INTO download_quotas
            (owner_id, daily_downloads, monthly_bytes_downloaded,
             last_download_date, last_reset_month, last_reset_year, quota_warning_sent)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		quota.OwnerID,
		quota.DailyDownloads,
		quota.MonthlyBytesDownloaded,
		quota.LastDownloadDate,
		quota.LastResetMonth,
		quota.LastResetYear,
		quota.QuotaWarningSent,
	).Scan(&quota.ID, &quota.CreatedAt, &quota.UpdatedAt)
}

// Save записывает все изменяемые поля записи квоты
func (r *DownloadQuotaRepository) Save(ctx context.Context, quota *domain.DownloadQuota) error {
	query := `
        UPDATE download_quotas
        SET daily_downloads = $1,
            monthly_bytes_downloaded = $2,
            last_download_date = $3,
            last_reset_month = $4,
            last_reset_year = $5,
            quota_warning_sent = $6,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $7`

	result, err := r.db.ExecContext(ctx, query,
		quota.DailyDownloads,
		quota.MonthlyBytesDownloaded,
		quota.LastDownloadDate,
		quota.LastResetMonth,
		quota.LastResetYear,
		quota.QuotaWarningSent,
		quota.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to save quota record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("quota record not found for owner: %s", quota.OwnerID)
	}

	return nil
}
