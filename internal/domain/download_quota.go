package domain

import "time"

const (
	DailyDownloadLimit      = 20
	MonthlyBytesLimit       = int64(1024 * 1024 * 1024) // 1 GiB
	WarningThresholdPercent = 80.0
)

// DownloadQuota хранит счетчики скачиваний для одного идентификатора
// (кошелька). Счетчики сбрасываются лениво при следующем обращении после
// границы календарного дня или месяца.
type DownloadQuota struct {
	ID                     int64     `json:"id" db:"id"`
	OwnerID                string    `json:"owner_id" db:"owner_id"`
	DailyDownloads         int       `json:"daily_downloads" db:"daily_downloads"`
	MonthlyBytesDownloaded int64     `json:"monthly_bytes_downloaded" db:"monthly_bytes_downloaded"`
	LastDownloadDate       time.Time `json:"last_download_date" db:"last_download_date"`
	LastResetMonth         int       `json:"last_reset_month" db:"last_reset_month"`
	LastResetYear          int       `json:"last_reset_year" db:"last_reset_year"`
	QuotaWarningSent       bool      `json:"quota_warning_sent" db:"quota_warning_sent"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}

// DailyCheck - результат проверки дневного лимита
type DailyCheck struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

// MonthlyCheck - результат проверки месячной квоты
type MonthlyCheck struct {
	Allowed        bool    `json:"allowed"`
	UsedBytes      int64   `json:"used_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	RemainingBytes int64   `json:"remaining_bytes"`
	Percentage     float64 `json:"percentage"`
	WarningNeeded  bool    `json:"warning_needed"`
}

// QuotaInfo - сводка по квотам для эндпоинта /quota
type QuotaInfo struct {
	DailyUsed        int       `json:"daily_used"`
	DailyLimit       int       `json:"daily_limit"`
	DailyRemaining   int       `json:"daily_remaining"`
	MonthlyUsed      int64     `json:"monthly_used"`
	MonthlyLimit     int64     `json:"monthly_limit"`
	MonthlyRemaining int64     `json:"monthly_remaining"`
	UsagePercent     float64   `json:"usage_percent"`
	DailyResetTime   time.Time `json:"daily_reset_time"`
	MonthlyResetTime time.Time `json:"monthly_reset_time"`
}
