package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libhub/internal/database"
	"libhub/internal/domain"
)

type PublicationRepository struct {
	db *sqlx.DB
}

func NewPublicationRepository(db *sqlx.DB) *PublicationRepository {
	return &PublicationRepository{db: db}
}

// Create сохраняет запись. Повтор file_path возвращает ErrDuplicate.
func (r *PublicationRepository) Create(ctx context.Context, p *domain.Publication) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	query := r.db.Rebind(`
        INSERT INTO publications (
            id, user_id, name, title, description, original_filename, file_path, url,
            mime_type, size_bytes, checksum, year, month, day, page, page_count,
            thumbnail_path, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.Name, p.Title, p.Description, p.OriginalFilename, p.FilePath, p.URL,
		p.MIMEType, p.SizeBytes, p.Checksum, p.Year, p.Month, p.Day, p.Page, p.PageCount,
		p.ThumbnailPath, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("publication with path %s: %w", p.FilePath, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert publication: %w", err)
	}
	return nil
}

func (r *PublicationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Publication, error) {
	var p domain.Publication
	err := r.db.GetContext(ctx, &p, r.db.Rebind(`SELECT * FROM publications WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get publication: %w", err)
	}
	return &p, nil
}

// List возвращает страницу публикаций пользователя, новые даты первыми, и общее число записей.
func (r *PublicationRepository) List(ctx context.Context, f domain.PublicationFilter) ([]domain.Publication, int, error) {
	var (
		conds = []string{"user_id = ?"}
		args  = []interface{}{f.UserID}
	)
	if f.Year != nil {
		conds = append(conds, "year = ?")
		args = append(args, *f.Year)
	}
	if f.Month != nil {
		conds = append(conds, "month = ?")
		args = append(args, *f.Month)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*) FROM publications WHERE `+where), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count publications: %w", err)
	}

	query := `SELECT * FROM publications WHERE ` + where +
		` ORDER BY year DESC, month DESC, day DESC, created_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	items := []domain.Publication{}
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list publications: %w", err)
	}
	return items, total, nil
}

func (r *PublicationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM publications WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete publication: %w", err)
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

func (r *PublicationRepository) SetThumbnail(ctx context.Context, id uuid.UUID, path string) error {
	query := r.db.Rebind(`UPDATE publications SET thumbnail_path = ?, updated_at = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, path, time.Now().UTC().Truncate(time.Microsecond), id)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", err)
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

// ListPaths возвращает все ключи хранилища, на которые ссылаются записи.
func (r *PublicationRepository) ListPaths(ctx context.Context) (map[string]struct{}, error) {
	var paths []string
	query := `SELECT file_path FROM publications
        UNION
        SELECT thumbnail_path FROM publications WHERE thumbnail_path IS NOT NULL`
	if err := r.db.SelectContext(ctx, &paths, query); err != nil {
		return nil, fmt.Errorf("failed to list publication paths: %w", err)
	}

	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set, nil
}

func (r *PublicationRepository) SumSizeByUser(ctx context.Context, userID string) (int64, error) {
	var used int64
	query := r.db.Rebind(`SELECT COALESCE(SUM(size_bytes), 0) FROM publications WHERE user_id = ?`)
	if err := r.db.GetContext(ctx, &used, query, userID); err != nil {
		return 0, fmt.Errorf("failed to calculate used space: %w", err)
	}
	return used, nil
}
