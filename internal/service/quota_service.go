package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tiervault/internal/domain"
)

// QuotaService ведет счетчики скачиваний с ленивым сбросом по календарным
// границам. Запись одного идентификатора защищена мьютексом: отдельные
// вызовы не теряют обновлений, а ConsumeForDownload проверяет и начисляет
// под одним захватом, поэтому два одновременных запроса не пройдут проверку,
// которую их сумма нарушает. Путь с токеном проверяет лимиты при выпуске
// токена и начисляет при старте скачивания; окно между ними ограничено TTL
// токена.
type QuotaService struct {
	quotaRepo QuotaRepository
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewQuotaService(quotaRepo QuotaRepository) *QuotaService {
	return &QuotaService{
		quotaRepo: quotaRepo,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// NormalizeIdentity приводит идентификатор (адрес кошелька) к каноническому
// виду ключа квоты
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (s *QuotaService) lockIdentity(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ownerID] = l
	}
	return l
}

// applyRollovers сбрасывает счетчики, если с последнего обращения прошла
// граница календарного дня или месяца. Сравниваются календарные даты, а не
// прошедшая длительность, поэтому сброс корректен и после рестарта или
// долгого простоя. Возвращает true, если запись изменилась.
func (s *QuotaService) applyRollovers(quota *domain.DownloadQuota, now time.Time) bool {
	changed := false

	y1, m1, d1 := quota.LastDownloadDate.Date()
	y2, m2, d2 := now.Date()
	if (y1 != y2 || m1 != m2 || d1 != d2) && quota.DailyDownloads != 0 {
		quota.DailyDownloads = 0
		changed = true
	}

	if quota.LastResetMonth != int(now.Month()) || quota.LastResetYear != now.Year() {
		quota.MonthlyBytesDownloaded = 0
		quota.QuotaWarningSent = false
		quota.LastResetMonth = int(now.Month())
		quota.LastResetYear = now.Year()
		changed = true
	}

	return changed
}

func (s *QuotaService) getCurrent(ctx context.Context, ownerID string) (*domain.DownloadQuota, error) {
	quota, err := s.quotaRepo.GetOrCreate(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	if s.applyRollovers(quota, s.now()) {
		if err := s.quotaRepo.Save(ctx, quota); err != nil {
			return nil, fmt.Errorf("failed to persist quota rollover: %w", err)
		}
	}

	return quota, nil
}

// CheckDaily проверяет дневной лимит скачиваний
func (s *QuotaService) CheckDaily(ctx context.Context, identity string) (*domain.DailyCheck, error) {
	ownerID := NormalizeIdentity(identity)
	lock := s.lockIdentity(ownerID)
	lock.Lock()
	defer lock.Unlock()

	quota, err := s.getCurrent(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	return dailyCheckOf(quota), nil
}

// CheckMonthly проверяет, помещается ли скачивание candidateBytes в месячную
// квоту байт
func (s *QuotaService) CheckMonthly(ctx context.Context, identity string, candidateBytes int64) (*domain.MonthlyCheck, error) {
	ownerID := NormalizeIdentity(identity)
	lock := s.lockIdentity(ownerID)
	lock.Lock()
	defer lock.Unlock()

	quota, err := s.getCurrent(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	return monthlyCheckOf(quota, candidateBytes), nil
}

func dailyCheckOf(quota *domain.DownloadQuota) *domain.DailyCheck {
	remaining := domain.DailyDownloadLimit - quota.DailyDownloads
	if remaining < 0 {
		remaining = 0
	}

	return &domain.DailyCheck{
		Allowed:   quota.DailyDownloads < domain.DailyDownloadLimit,
		Remaining: remaining,
	}
}

func monthlyCheckOf(quota *domain.DownloadQuota, candidateBytes int64) *domain.MonthlyCheck {
	used := quota.MonthlyBytesDownloaded
	limit := domain.MonthlyBytesLimit
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	// Процент считается от прогнозного использования: уже скачанные байты
	// плюс запрошенный файл
	percentage := float64(used+candidateBytes) / float64(limit) * 100

	return &domain.MonthlyCheck{
		Allowed:        used+candidateBytes <= limit,
		UsedBytes:      used,
		LimitBytes:     limit,
		RemainingBytes: remaining,
		Percentage:     percentage,
		WarningNeeded:  percentage >= domain.WarningThresholdPercent && !quota.QuotaWarningSent,
	}
}

// ConsumeForDownload атомарно резервирует скачивание: оба лимита проверяются
// и скачивание начисляется под одним захватом мьютекса идентификатора. При
// отказе любого из лимитов запись не меняется.
func (s *QuotaService) ConsumeForDownload(ctx context.Context, identity string, sizeBytes int64) (*domain.DailyCheck, *domain.MonthlyCheck, error) {
	ownerID := NormalizeIdentity(identity)
	lock := s.lockIdentity(ownerID)
	lock.Lock()
	defer lock.Unlock()

	quota, err := s.getCurrent(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}

	daily := dailyCheckOf(quota)
	monthly := monthlyCheckOf(quota, sizeBytes)
	if !daily.Allowed || !monthly.Allowed {
		return daily, monthly, nil
	}

	quota.DailyDownloads++
	quota.MonthlyBytesDownloaded += sizeBytes
	quota.LastDownloadDate = s.now()

	if err := s.quotaRepo.Save(ctx, quota); err != nil {
		return nil, nil, fmt.Errorf("failed to record download: %w", err)
	}

	return daily, monthly, nil
}

// RecordDownload начисляет одно скачивание и его байты. Скачивание
// считается начатым, а не завершенным, откатов нет.
func (s *QuotaService) RecordDownload(ctx context.Context, identity string, sizeBytes int64) error {
	ownerID := NormalizeIdentity(identity)
	lock := s.lockIdentity(ownerID)
	lock.Lock()
	defer lock.Unlock()

	quota, err := s.quotaRepo.GetOrCreate(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to get quota: %w", err)
	}

	now := s.now()
	s.applyRollovers(quota, now)

	quota.DailyDownloads++
	quota.MonthlyBytesDownloaded += sizeBytes
	quota.LastDownloadDate = now

	if err := s.quotaRepo.Save(ctx, quota); err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}

	return nil
}

// MarkWarningSent помечает, что предупреждение о квоте за текущий месячный
// период уже отправлено. Идемпотентно.
func (s *QuotaService) MarkWarningSent(ctx context.Context, identity string) error {
	ownerID := NormalizeIdentity(identity)
	lock := s.lockIdentity(ownerID)
	lock.Lock()
	defer lock.Unlock()

	quota, err := s.getCurrent(ctx, ownerID)
	if err != nil {
		return err
	}

	if quota.QuotaWarningSent {
		return nil
	}

	quota.QuotaWarningSent = true
	if err := s.quotaRepo.Save(ctx, quota); err != nil {
		return fmt.Errorf("failed to mark warning sent: %w", err)
	}

	return nil
}

// GetQuotaInfo возвращает сводку по квотам для эндпоинта /quota
func (s *QuotaService) GetQuotaInfo(ctx context.Context, identity string) (*domain.QuotaInfo, error) {
	ownerID := NormalizeIdentity(identity)
	lock := s.lockIdentity(ownerID)
	lock.Lock()
	defer lock.Unlock()

	quota, err := s.getCurrent(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	dailyRemaining := domain.DailyDownloadLimit - quota.DailyDownloads
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}
	monthlyRemaining := domain.MonthlyBytesLimit - quota.MonthlyBytesDownloaded
	if monthlyRemaining < 0 {
		monthlyRemaining = 0
	}

	return &domain.QuotaInfo{
		DailyUsed:        quota.DailyDownloads,
		DailyLimit:       domain.DailyDownloadLimit,
		DailyRemaining:   dailyRemaining,
		MonthlyUsed:      quota.MonthlyBytesDownloaded,
		MonthlyLimit:     domain.MonthlyBytesLimit,
		MonthlyRemaining: monthlyRemaining,
		UsagePercent:     float64(quota.MonthlyBytesDownloaded) / float64(domain.MonthlyBytesLimit) * 100,
		DailyResetTime:   nextDailyReset(now),
		MonthlyResetTime: nextMonthlyReset(now),
	}, nil
}

// nextDailyReset - ближайшая полночь серверного времени
func nextDailyReset(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// nextMonthlyReset - первое число следующего месяца
func nextMonthlyReset(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}
