package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"libhub/internal/domain"
	"libhub/internal/metrics"
	"libhub/internal/naming"
	"libhub/internal/repository"
	"libhub/internal/storage"
)

// PathLister возвращает все ключи, на которые ссылаются записи.
type PathLister interface {
	ListPaths(ctx context.Context) (map[string]struct{}, error)
}

// ReconcileReport: итог одной сверки хранилища с базой.
type ReconcileReport struct {
	Scanned        int
	Orphans        []string
	Deleted        int
	StagingRemoved int
}

// ReconcileService находит объекты без записей: публикации, чья запись не
// сохранилась, и staged-загрузки завершённых задач.
type ReconcileService struct {
	backend       storage.Backend
	paths         PathLister
	jobs          JobReader
	grace         time.Duration
	deleteOrphans bool
	logger        *slog.Logger
	now           func() time.Time
}

func NewReconcileService(
	backend storage.Backend,
	paths PathLister,
	jobs JobReader,
	grace time.Duration,
	deleteOrphans bool,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		backend:       backend,
		paths:         paths,
		jobs:          jobs,
		grace:         grace,
		deleteOrphans: deleteOrphans,
		logger:        logger.With(slog.String("component", "reconcile")),
		now:           time.Now,
	}
}

// Run сверяет хранилище с базой. Объекты моложе grace не трогаются:
// их запись может ещё сохраняться.
func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	start := s.now()
	cutoff := start.Add(-s.grace)
	report := &ReconcileReport{}

	known, err := s.paths.ListPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var objects []storage.ObjectInfo
	for _, prefix := range []string{naming.RootPrefix, naming.ThumbnailPrefix} {
		listed, err := s.backend.List(ctx, prefix+"/")
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list %s: %w", ErrStorage, prefix, err)
		}
		objects = append(objects, listed...)
	}

	for _, obj := range objects {
		report.Scanned++
		if _, ok := known[obj.Key]; ok || obj.ModTime.After(cutoff) {
			continue
		}

		report.Orphans = append(report.Orphans, obj.Key)
		if !s.deleteOrphans {
			metrics.OrphanFound("reported")
			s.logger.Warn("orphan object found", slog.String("key", obj.Key), slog.Int64("size", obj.Size))
			continue
		}

		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			s.logger.Error("failed to delete orphan object", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}
		report.Deleted++
		metrics.OrphanFound("deleted")
		s.logger.Info("orphan object deleted", slog.String("key", obj.Key))
	}

	removed, err := s.cleanStaging(ctx, cutoff)
	if err != nil {
		return report, err
	}
	report.StagingRemoved = removed

	s.logger.Info("reconcile finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("orphans", len(report.Orphans)),
		slog.Int("deleted", report.Deleted),
		slog.Int("staging_removed", report.StagingRemoved),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

// cleanStaging удаляет staged-загрузки, чья задача завершена или потеряна.
func (s *ReconcileService) cleanStaging(ctx context.Context, cutoff time.Time) (int, error) {
	objects, err := s.backend.List(ctx, stagingPrefix+"/")
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list staging: %w", ErrStorage, err)
	}

	removed := 0
	for _, obj := range objects {
		if obj.ModTime.After(cutoff) || s.jobActive(ctx, obj.Key) {
			continue
		}
		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			s.logger.Error("failed to delete staged upload", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}

// jobActive: задача staged-ключа staging/{jobID}/{file} ещё может его прочитать.
func (s *ReconcileService) jobActive(ctx context.Context, key string) bool {
	rest := strings.TrimPrefix(key, stagingPrefix+"/")
	idPart, _, ok := strings.Cut(rest, "/")
	if !ok {
		return false
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return false
	}

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		// при сбое базы лучше оставить файл до следующего запуска
		return !errors.Is(err, repository.ErrNotFound)
	}
	return job.Status == domain.JobPending || job.Status == domain.JobRunning
}
