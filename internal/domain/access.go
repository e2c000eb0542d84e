package domain

import "time"

// AccessStatus - исход решения о доступе
type AccessStatus string

const (
	AccessGranted            AccessStatus = "granted"
	AccessDeniedTier         AccessStatus = "denied_insufficient_tier"
	AccessDeniedDaily        AccessStatus = "denied_daily_limit"
	AccessDeniedMonthly      AccessStatus = "denied_monthly_quota"
	AccessDeniedUnverifiable AccessStatus = "denied_unverifiable"
)

// QuotaWarning отправляется один раз за месячный период при пересечении
// порога в 80%
type QuotaWarning struct {
	UsedBytes  int64   `json:"used"`
	LimitBytes int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// AccessDecision - результат авторизации скачивания. Заполнены только поля,
// относящиеся к статусу.
type AccessDecision struct {
	Status    AccessStatus  `json:"status"`
	Token     string        `json:"token,omitempty"`
	ExpiresIn int           `json:"expires_in,omitempty"`
	Warning   *QuotaWarning `json:"warning,omitempty"`

	// для denied_insufficient_tier
	RequiredTier int `json:"required_tier,omitempty"`
	UserTier     int `json:"user_tier,omitempty"`

	// для отказов по квотам
	DailyRemaining   int       `json:"daily_remaining,omitempty"`
	MonthlyUsed      int64     `json:"monthly_used,omitempty"`
	MonthlyLimit     int64     `json:"monthly_limit,omitempty"`
	MonthlyRemaining int64     `json:"monthly_remaining,omitempty"`
	ResetTime        time.Time `json:"reset_time,omitempty"`
}
