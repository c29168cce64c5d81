package service

import (
	"context"
	"fmt"

	"libhub/internal/domain"
	"libhub/internal/repository"
)

// UsageCounter считает объём публикаций пользователя.
type UsageCounter interface {
	SumSizeByUser(ctx context.Context, userID string) (int64, error)
}

type StorageQuotaService struct {
	quotaRepo    *repository.StorageQuotaRepository
	usage        UsageCounter
	defaultLimit int64
}

func NewStorageQuotaService(quotaRepo *repository.StorageQuotaRepository, usage UsageCounter, defaultLimit int64) *StorageQuotaService {
	return &StorageQuotaService{
		quotaRepo:    quotaRepo,
		usage:        usage,
		defaultLimit: defaultLimit,
	}
}

func (s *StorageQuotaService) GetQuotaInfo(ctx context.Context, userID string) (*domain.QuotaInfo, error) {
	quota, used, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	availableSpace := quota.LimitBytes - used
	if availableSpace < 0 {
		availableSpace = 0
	}
	var usagePercent float64
	if quota.LimitBytes > 0 {
		usagePercent = float64(used) / float64(quota.LimitBytes) * 100
	}

	return &domain.QuotaInfo{
		TotalSpace:     quota.LimitBytes,
		UsedSpace:      used,
		AvailableSpace: availableSpace,
		UsagePercent:   usagePercent,
	}, nil
}

func (s *StorageQuotaService) CheckSpaceAvailable(ctx context.Context, userID string, requiredBytes int64) (bool, error) {
	quota, used, err := s.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return used+requiredBytes <= quota.LimitBytes, nil
}

func (s *StorageQuotaService) UpdateQuotaLimit(ctx context.Context, userID string, newLimit int64) error {
	if newLimit < 0 {
		return invalid("limit_bytes", "new quota limit cannot be negative")
	}
	// создаём квоту, если пользователь ещё ничего не загружал
	if _, err := s.quotaRepo.GetQuota(ctx, userID, s.defaultLimit); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := s.quotaRepo.UpdateQuotaLimit(ctx, userID, newLimit); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *StorageQuotaService) load(ctx context.Context, userID string) (*domain.StorageQuota, int64, error) {
	quota, err := s.quotaRepo.GetQuota(ctx, userID, s.defaultLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to get quota: %w", ErrPersistence, err)
	}
	used, err := s.usage.SumSizeByUser(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return quota, used, nil
}
