package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"libhub/internal/database"
	"libhub/internal/domain"
)

type StorageQuotaRepository struct {
	db *sqlx.DB
}

func NewStorageQuotaRepository(db *sqlx.DB) *StorageQuotaRepository {
	return &StorageQuotaRepository{db: db}
}

// GetQuota возвращает квоту пользователя, создавая её с defaultLimit при первом обращении.
func (r *StorageQuotaRepository) GetQuota(ctx context.Context, userID string, defaultLimit int64) (*domain.StorageQuota, error) {
	var quota domain.StorageQuota

	err := r.db.GetContext(ctx, &quota,
		r.db.Rebind(`SELECT * FROM storage_quotas WHERE user_id = ?`),
		userID)

	if err != nil {
		// Если квота не найдена, создаем новую с дефолтным лимитом
		if errors.Is(err, sql.ErrNoRows) {
			quota = domain.StorageQuota{
				UserID:     userID,
				LimitBytes: defaultLimit,
			}

			err = r.Create(ctx, &quota)
			if errors.Is(err, ErrDuplicate) {
				// параллельный запрос успел создать квоту
				return r.GetQuota(ctx, userID, defaultLimit)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to create quota: %w", err)
			}
			return &quota, nil
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	return &quota, nil
}

func (r *StorageQuotaRepository) Create(ctx context.Context, quota *domain.StorageQuota) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	query := r.db.Rebind(`
        INSERT INTO storage_quotas (user_id, limit_bytes, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        RETURNING id`)

	err := r.db.QueryRowContext(ctx, query,
		quota.UserID,
		quota.LimitBytes,
		now,
		now,
	).Scan(&quota.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}

	quota.CreatedAt = now
	quota.UpdatedAt = now
	return nil
}

func (r *StorageQuotaRepository) UpdateQuotaLimit(ctx context.Context, userID string, newLimit int64) error {
	query := r.db.Rebind(`
        UPDATE storage_quotas
        SET limit_bytes = ?,
            updated_at = ?
        WHERE user_id = ?`)

	result, err := r.db.ExecContext(ctx, query, newLimit, time.Now().UTC().Truncate(time.Microsecond), userID)
	if err != nil {
		return fmt.Errorf("failed to update quota limit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("quota not found for user %s: %w", userID, ErrNotFound)
	}

	return nil
}
