package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tiervault/internal/domain"
	"tiervault/internal/token"
)

// AccessService принимает единое решение о выдаче доступа на скачивание:
// тир -> дневной лимит -> месячная квота -> выпуск токена. Выданный токен -
// предъявительская возможность: внутри TTL проверки не повторяются.
type AccessService struct {
	resources ResourceStore
	oracle    TierOracle
	quota     *QuotaService
	tokens    *token.Service
	now       func() time.Time
}

func NewAccessService(resources ResourceStore, oracle TierOracle, quota *QuotaService, tokens *token.Service) *AccessService {
	return &AccessService{
		resources: resources,
		oracle:    oracle,
		quota:     quota,
		tokens:    tokens,
		now:       time.Now,
	}
}

// AuthorizeDownload проверяет доступ идентификатора к ресурсу и при успехе
// выпускает токен скачивания. Возвращает ошибку только для инфраструктурных
// сбоев; отказ в доступе - это валидное решение, а не ошибка.
func (s *AccessService) AuthorizeDownload(ctx context.Context, resourceUUID uuid.UUID, identity string) (*domain.AccessDecision, error) {
	resource, err := s.resources.GetByUUID(ctx, resourceUUID)
	if err != nil {
		return nil, err
	}

	// 1. Проверка тира через внешний оракул. Сбой вызова трактуется как
	// отсутствие доступа - никогда не выдаем доступ молча.
	if resource.IsRestricted() {
		userTier, err := s.oracle.GetUserTier(ctx, identity)
		if err != nil {
			log.Printf("[Access] Ошибка оракула тиров для %s: %v", identity, err)
			return &domain.AccessDecision{
				Status:       domain.AccessDeniedUnverifiable,
				RequiredTier: resource.RequiredTier,
			}, nil
		}

		if userTier < 0 || userTier < resource.RequiredTier {
			return &domain.AccessDecision{
				Status:       domain.AccessDeniedTier,
				RequiredTier: resource.RequiredTier,
				UserTier:     userTier,
			}, nil
		}
	}

	// 2. Дневной лимит скачиваний
	daily, err := s.quota.CheckDaily(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("daily quota check failed: %w", err)
	}
	if !daily.Allowed {
		return &domain.AccessDecision{
			Status:         domain.AccessDeniedDaily,
			DailyRemaining: 0,
			ResetTime:      nextDailyReset(s.now()),
		}, nil
	}

	// 3. Месячная квота байт с учетом размера запрошенного файла
	monthly, err := s.quota.CheckMonthly(ctx, identity, resource.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("monthly quota check failed: %w", err)
	}
	if !monthly.Allowed {
		return &domain.AccessDecision{
			Status:           domain.AccessDeniedMonthly,
			MonthlyUsed:      monthly.UsedBytes,
			MonthlyLimit:     monthly.LimitBytes,
			MonthlyRemaining: monthly.RemainingBytes,
			ResetTime:        nextMonthlyReset(s.now()),
		}, nil
	}

	decision := &domain.AccessDecision{
		Status:    domain.AccessGranted,
		Token:     s.tokens.Issue(resource.UUID, identity),
		ExpiresIn: int(s.tokens.TTL().Seconds()),
	}

	// 4. Предупреждение при пересечении порога 80% - ровно один раз за
	// месячный период
	if monthly.WarningNeeded {
		if err := s.quota.MarkWarningSent(ctx, identity); err != nil {
			log.Printf("[Access] Не удалось пометить предупреждение для %s: %v", identity, err)
		}
		decision.Warning = &domain.QuotaWarning{
			UsedBytes:  monthly.UsedBytes,
			LimitBytes: monthly.LimitBytes,
			Percentage: monthly.Percentage,
		}
	}

	return decision, nil
}
