// Package queue: фоновые задачи поверх таблицы jobs: постановка, пул
// воркеров, повторы с задержкой и окончательный отказ после MaxAttempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"libhub/internal/domain"
)

// ErrPermanent помечает ошибку, которую бессмысленно повторять.
var ErrPermanent = errors.New("permanent failure")

// Permanent оборачивает err так, что errors.Is(err, ErrPermanent) == true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Store: хранилище задач (repository.JobRepository).
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Claim(ctx context.Context, visibility time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result *string) error
	Retry(ctx context.Context, id uuid.UUID, lastError string, visibleAt time.Time) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
}

// Handler выполняет задачу одного типа. Результат сохраняется в jobs.result.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error)
}

// FailureHandler: необязательный интерфейс обработчика; вызывается один раз,
// когда задача окончательно упала.
type FailureHandler interface {
	OnFailure(ctx context.Context, job *domain.Job, err error)
}

// HandlerFunc позволяет использовать функцию как Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Observer получает исходы задач (метрики).
type Observer interface {
	JobFinished(jobType, outcome string, duration time.Duration)
}

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Task: задача для постановки в очередь.
type Task struct {
	// ID задаётся заранее, если на него ссылаются до постановки (staging-ключи).
	ID      uuid.UUID
	Type    string
	Payload interface{}
	// MaxAttempts переопределяет Options.MaxAttempts, если больше нуля.
	MaxAttempts int
}

// PendingHandle: ссылка на поставленную задачу.
type PendingHandle struct {
	JobID  uuid.UUID
	Status domain.JobStatus
}

type Options struct {
	Workers      int
	MaxAttempts  int
	Backoff      []time.Duration
	Visibility   time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	Observer     Observer
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if len(o.Backoff) == 0 {
		o.Backoff = []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute}
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Queue struct {
	store    Store
	opts     Options
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	notify   chan struct{}
}

func New(store Store, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		store:    store,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "queue")),
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
	}
}

// Register задаёт обработчик для типа задач. Вызывается до Run.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Enqueue сохраняет задачу и будит воркеров.
func (q *Queue) Enqueue(ctx context.Context, task Task) (PendingHandle, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return PendingHandle{}, fmt.Errorf("failed to encode %s payload: %w", task.Type, err)
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	job := &domain.Job{
		ID:          task.ID,
		Type:        task.Type,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return PendingHandle{}, fmt.Errorf("failed to enqueue %s: %w", task.Type, err)
	}

	q.logger.Debug("job enqueued", slog.String("job_id", job.ID.String()), slog.String("type", task.Type))

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return PendingHandle{JobID: job.ID, Status: job.Status}, nil
}

// Run запускает Workers воркеров и блокируется до отмены ctx.
// Начатые задачи дорабатываются до конца.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("queue workers started",
		slog.Int("workers", q.opts.Workers),
		slog.Duration("visibility", q.opts.Visibility),
		slog.Duration("poll", q.opts.PollInterval),
	)

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	q.logger.Info("queue workers stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			processed, err := q.ProcessNext(ctx)
			if err != nil {
				q.logger.Warn("claim failed", slog.Int("worker", id), slog.String("error", err.Error()))
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.notify:
		}
	}
}

// ProcessNext берёт одну видимую задачу и выполняет её. Возвращает false,
// если задач нет.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.store.Claim(ctx, q.opts.Visibility)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// задача дорабатывается и после остановки пула, но не дольше таймаута видимости
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.Visibility)
	defer cancel()

	q.execute(jobCtx, job)
	return true, nil
}

func (q *Queue) execute(ctx context.Context, job *domain.Job) {
	logger := q.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("type", job.Type),
		slog.Int("attempt", job.Attempts),
	)
	start := time.Now()

	h, ok := q.handler(job.Type)
	if !ok {
		q.fail(ctx, logger, job, nil, Permanent(fmt.Errorf("no handler registered for job type %q", job.Type)), start)
		return
	}

	result, err := q.safeHandle(ctx, h, job)
	if err == nil {
		var res *string
		if len(result) > 0 {
			s := string(result)
			res = &s
		}
		if err := q.store.Complete(ctx, job.ID, res); err != nil {
			logger.Error("failed to mark job completed", slog.String("error", err.Error()))
		}
		q.observe(job.Type, OutcomeCompleted, start)
		logger.Info("job completed", slog.Duration("duration", time.Since(start)))
		return
	}

	if errors.Is(err, ErrPermanent) || job.Attempts >= job.MaxAttempts {
		q.fail(ctx, logger, job, h, err, start)
		return
	}

	delay := q.backoff(job.Attempts)
	if rerr := q.store.Retry(ctx, job.ID, err.Error(), time.Now().Add(delay)); rerr != nil {
		logger.Error("failed to reschedule job", slog.String("error", rerr.Error()))
	}
	q.observe(job.Type, OutcomeRetried, start)
	logger.Warn("job failed, will retry",
		slog.String("error", err.Error()),
		slog.Duration("retry_in", delay),
	)
}

func (q *Queue) fail(ctx context.Context, logger *slog.Logger, job *domain.Job, h Handler, err error, start time.Time) {
	if ferr := q.store.Fail(ctx, job.ID, err.Error()); ferr != nil {
		logger.Error("failed to mark job failed", slog.String("error", ferr.Error()))
	}
	q.observe(job.Type, OutcomeFailed, start)

	logger.Error("job failed permanently",
		slog.String("severity", "critical"),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("error", err.Error()),
	)

	if fh, ok := h.(FailureHandler); ok {
		fh.OnFailure(ctx, job, err)
	}
}

func (q *Queue) safeHandle(ctx context.Context, h Handler, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// backoff возвращает задержку перед попыткой attempt+1.
func (q *Queue) backoff(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(q.opts.Backoff) {
		i = len(q.opts.Backoff) - 1
	}
	return q.opts.Backoff[i]
}

func (q *Queue) observe(jobType, outcome string, start time.Time) {
	if q.opts.Observer != nil {
		q.opts.Observer.JobFinished(jobType, outcome, time.Since(start))
	}
}
