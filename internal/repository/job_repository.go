package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libhub/internal/domain"
)

const jobColumns = `id, type, payload, status, attempts, max_attempts, visible_at, last_error, result, created_at, updated_at`

// JobRepository: очередь задач с таймаутом видимости поверх таблицы jobs.
// Взятая задача невидима до visible_at; если обработчик упал, задача
// снова становится доступной после истечения таймаута.
type JobRepository struct {
	db *sqlx.DB
}

func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UnixMilli()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if job.VisibleAt == 0 {
		job.VisibleAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	query := r.db.Rebind(`INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Type, job.Payload, string(job.Status), job.Attempts, job.MaxAttempts,
		job.VisibleAt, job.LastError, job.Result, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Claim атомарно берёт самую старую видимую задачу, скрывает её на visibility
// и увеличивает attempts. Возвращает nil, nil, если задач нет.
func (r *JobRepository) Claim(ctx context.Context, visibility time.Duration) (*domain.Job, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	hideUntil := now.Add(visibility).UnixMilli()

	// Внешнее условие visible_at <= ? не даёт PostgreSQL выдать одну задачу
	// двум воркерам: после ожидания блокировки строка перепроверяется.
	query := r.db.Rebind(`
        UPDATE jobs
        SET status = ?, attempts = attempts + 1, visible_at = ?, updated_at = ?
        WHERE id = (
            SELECT id FROM jobs
            WHERE status IN (?, ?) AND visible_at <= ?
            ORDER BY visible_at ASC
            LIMIT 1
        )
        AND status IN (?, ?) AND visible_at <= ?
        RETURNING ` + jobColumns)

	var job domain.Job
	err := r.db.QueryRowxContext(ctx, query,
		string(domain.JobRunning), hideUntil, nowMs,
		string(domain.JobPending), string(domain.JobRunning), nowMs,
		string(domain.JobPending), string(domain.JobRunning), nowMs,
	).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result *string) error {
	now := time.Now().UnixMilli()
	query := r.db.Rebind(`UPDATE jobs SET status = ?, result = ?, last_error = NULL, updated_at = ? WHERE id = ?`)
	return r.exec(ctx, "complete", query, string(domain.JobCompleted), result, now, id)
}

// Retry возвращает задачу в очередь; она станет видимой в visibleAt.
func (r *JobRepository) Retry(ctx context.Context, id uuid.UUID, lastError string, visibleAt time.Time) error {
	now := time.Now().UnixMilli()
	query := r.db.Rebind(`UPDATE jobs SET status = ?, last_error = ?, visible_at = ?, updated_at = ? WHERE id = ?`)
	return r.exec(ctx, "retry", query, string(domain.JobPending), lastError, visibleAt.UnixMilli(), now, id)
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	now := time.Now().UnixMilli()
	query := r.db.Rebind(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`)
	return r.exec(ctx, "fail", query, string(domain.JobFailed), lastError, now, id)
}

func (r *JobRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// DeleteFinishedBefore удаляет завершённые и упавшие задачи старше before.
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`)
	result, err := r.db.ExecContext(ctx, query, string(domain.JobCompleted), string(domain.JobFailed), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus возвращает количество задач в каждом статусе.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status domain.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
