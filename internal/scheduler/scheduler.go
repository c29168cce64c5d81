// Package scheduler запускает периодические задачи обслуживания по cron-расписанию.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"libhub/internal/service"
)

// Task: периодическая задача. Schedule в формате cron с секундами.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	tasks   map[string]Task
	running map[string]bool
	mu      sync.Mutex
	ctx     context.Context
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		tasks:   make(map[string]Task),
		running: make(map[string]bool),
		ctx:     context.Background(),
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Add регистрирует задачу. Пустое расписание отключает её.
func (s *Scheduler) Add(task Task) error {
	if task.Schedule == "" {
		s.logger.Info("task disabled", slog.String("task", task.Name))
		return nil
	}
	_, err := s.cron.AddFunc(task.Schedule, func() {
		if err := s.RunNow(s.context(), task.Name); err != nil && !errors.Is(err, errAlreadyRunning) {
			s.logger.Error("scheduled task failed", slog.String("task", task.Name), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", task.Schedule, task.Name, err)
	}

	s.mu.Lock()
	s.tasks[task.Name] = task
	s.mu.Unlock()

	s.logger.Info("task scheduled", slog.String("task", task.Name), slog.String("schedule", task.Schedule))
	return nil
}

var errAlreadyRunning = errors.New("task is already running")

// RunNow выполняет задачу вне расписания. Параллельный запуск той же задачи пропускается.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %q", name)
	}
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("task skipped: already running", slog.String("task", name))
		return errAlreadyRunning
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	start := time.Now()
	err := task.Run(ctx)
	s.logger.Debug("task finished", slog.String("task", name), slog.Duration("duration", time.Since(start)))
	return err
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start запускает расписание и блокируется до отмены ctx, затем ждёт
// завершения выполняющихся задач.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	count := len(s.tasks)
	s.mu.Unlock()

	if count == 0 {
		s.logger.Warn("no tasks to schedule")
		<-ctx.Done()
		return
	}

	s.cron.Start()
	s.logger.Info("scheduler running", slog.Int("tasks", count))

	<-ctx.Done()

	s.logger.Info("scheduler stopping")
	<-s.cron.Stop().Done()
	s.logger.Info("all scheduled tasks completed")
}

// JobCleaner удаляет завершённые задачи очереди (repository.JobRepository).
type JobCleaner interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ReconcileTask: сверка хранилища с базой.
func ReconcileTask(svc *service.ReconcileService, schedule string) Task {
	return Task{
		Name:     "reconcile",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := svc.Run(ctx)
			return err
		},
	}
}

// RetentionTask удаляет завершённые и упавшие задачи старше retention.
func RetentionTask(jobs JobCleaner, retention time.Duration, schedule string, logger *slog.Logger) Task {
	return Task{
		Name:     "job_retention",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			deleted, err := jobs.DeleteFinishedBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if deleted > 0 {
				logger.Info("finished jobs removed", slog.Int64("count", deleted), slog.Duration("retention", retention))
			}
			return nil
		},
	}
}
