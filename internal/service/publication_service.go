package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"libhub/internal/auth"
	"libhub/internal/cache"
	"libhub/internal/config"
	"libhub/internal/domain"
	"libhub/internal/metrics"
	"libhub/internal/naming"
	"libhub/internal/pdfinfo"
	"libhub/internal/queue"
	"libhub/internal/repository"
	"libhub/internal/storage"
)

const (
	// maxCollisionRetries: сколько раз подбирать токен, если имя занято.
	maxCollisionRetries = 5
	stagingPrefix       = "staging"
	mimePDF             = "application/pdf"
	defaultPerPage      = 20
	maxPerPage          = 100
)

// PublicationStore: записи публикаций (repository.PublicationRepository).
type PublicationStore interface {
	Create(ctx context.Context, p *domain.Publication) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Publication, error)
	List(ctx context.Context, f domain.PublicationFilter) ([]domain.Publication, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// JobReader: чтение задач для эндпоинта статуса.
type JobReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

// Enqueuer ставит задачи в очередь (queue.Queue).
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) (queue.PendingHandle, error)
}

// Options: неизменяемые настройки загрузки, собираются из конфигурации при старте.
type Options struct {
	AllowedMIMETypes []string
	MaxSizeBytes     int64
	Background       bool
	Naming           naming.Strategy
	VerifyPDF        bool
	Thumbnails       bool
	BaseURL          string
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	strategy, err := naming.ParseStrategy(cfg.Upload.Naming)
	if err != nil {
		return Options{}, err
	}
	allowed := make([]string, 0, len(cfg.Upload.AllowedMIMETypes))
	for _, t := range cfg.Upload.AllowedMIMETypes {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(t)))
	}
	return Options{
		AllowedMIMETypes: allowed,
		MaxSizeBytes:     cfg.Upload.MaxSizeBytes(),
		Background:       cfg.Upload.Background,
		Naming:           strategy,
		VerifyPDF:        cfg.Upload.VerifyPDF,
		Thumbnails:       cfg.Preview.Enabled,
		BaseURL:          cfg.Server.BaseURL,
	}, nil
}

// FileUpload: загружаемый файл: имя и тип от клиента, размер из заголовка.
type FileUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// UploadResult содержит либо сохранённую запись, либо ссылку на задачу.
type UploadResult struct {
	Publication *domain.Publication
	Pending     *domain.PendingUpload
}

// IngestPayload: полезная нагрузка задачи publication.ingest.
type IngestPayload struct {
	Identity    auth.Identity         `json:"identity"`
	Metadata    domain.UploadMetadata `json:"metadata"`
	Filename    string                `json:"filename"`
	ContentType string                `json:"content_type"`
	Size        int64                 `json:"size"`
	StagingKey  string                `json:"staging_key"`
}

type PublicationService struct {
	backend storage.Backend
	pubs    PublicationStore
	jobs    JobReader
	queue   Enqueuer
	quota   *StorageQuotaService
	cache   *cache.PublicationCache
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewPublicationService собирает оркестратор загрузки. quota и cache могут быть nil.
func NewPublicationService(
	backend storage.Backend,
	pubs PublicationStore,
	jobs JobReader,
	q Enqueuer,
	quota *StorageQuotaService,
	c *cache.PublicationCache,
	opts Options,
	logger *slog.Logger,
) *PublicationService {
	if opts.Naming == "" {
		opts.Naming = naming.StrategyOriginal
	}
	return &PublicationService{
		backend: backend,
		pubs:    pubs,
		jobs:    jobs,
		queue:   q,
		quota:   quota,
		cache:   c,
		opts:    opts,
		logger:  logger.With(slog.String("component", "publication_service")),
		now:     time.Now,
	}
}

// MaxSizeBytes: лимит размера, общий для HTTP-слоя и сервиса.
func (s *PublicationService) MaxSizeBytes() int64 {
	return s.opts.MaxSizeBytes
}

type preparedFile struct {
	filename    string
	contentType string
	data        []byte
	checksum    string
	pageCount   *int
}

// UploadPublication проверяет файл и либо сохраняет его сразу, либо ставит
// задачу в очередь. runInBackground == nil берёт значение из конфигурации.
func (s *PublicationService) UploadPublication(
	ctx context.Context,
	identity auth.Identity,
	meta domain.UploadMetadata,
	file *FileUpload,
	runInBackground *bool,
) (*UploadResult, error) {
	background := s.opts.Background
	if runInBackground != nil {
		background = *runInBackground
	}

	if identity.UserID == "" {
		return nil, ErrForbidden
	}

	// проверка до выбора режима: невалидный ввод не попадает в очередь
	prepared, err := s.prepare(file, meta)
	if err != nil {
		s.observeUpload(err, 0)
		return nil, err
	}

	if err := s.checkQuota(ctx, identity.UserID, int64(len(prepared.data))); err != nil {
		s.observeUpload(err, 0)
		return nil, err
	}

	if !background || s.queue == nil {
		pub, err := s.process(ctx, identity, meta, prepared, uuid.Nil)
		if err != nil {
			s.observeUpload(err, 0)
			return nil, err
		}
		s.observeUpload(nil, pub.SizeBytes)
		return &UploadResult{Publication: pub}, nil
	}

	pending, err := s.enqueueIngest(ctx, identity, meta, prepared)
	if err != nil {
		metrics.UploadFinished(metrics.UploadFailed, 0)
		return nil, err
	}
	metrics.UploadFinished(metrics.UploadQueued, 0)
	return &UploadResult{Pending: pending}, nil
}

// Process выполняет загрузку синхронно: разбор имени, слияние метаданных,
// каталог, запись объекта, сохранение записи.
func (s *PublicationService) Process(
	ctx context.Context,
	identity auth.Identity,
	meta domain.UploadMetadata,
	file *FileUpload,
) (*domain.Publication, error) {
	if identity.UserID == "" {
		return nil, ErrForbidden
	}
	return s.processWithID(ctx, identity, meta, file, uuid.Nil)
}

// processWithID сохраняет запись с заранее известным id (id задачи загрузки).
func (s *PublicationService) processWithID(
	ctx context.Context,
	identity auth.Identity,
	meta domain.UploadMetadata,
	file *FileUpload,
	id uuid.UUID,
) (*domain.Publication, error) {
	prepared, err := s.prepare(file, meta)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, identity, meta, prepared, id)
}

func (s *PublicationService) process(
	ctx context.Context,
	identity auth.Identity,
	meta domain.UploadMetadata,
	f *preparedFile,
	id uuid.UUID,
) (*domain.Publication, error) {
	now := s.now().UTC()
	parsed := naming.ParseFilename(f.filename)
	eff := MergeMetadata(meta, parsed, now)

	dir := naming.BuildDirectory(eff.Name, &eff.Year, &eff.Month, &eff.Day)
	if err := s.backend.MakeDirectory(ctx, dir); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory %s: %w", ErrStorage, dir, err)
	}

	key, err := s.writeObject(ctx, dir, s.opts.Naming.ObjectName(f.filename, f.checksum, now), f)
	if err != nil {
		return nil, err
	}

	pub := &domain.Publication{
		ID:               id,
		UserID:           identity.UserID,
		Name:             eff.Name,
		Title:            eff.Title,
		Description:      eff.Description,
		OriginalFilename: naming.SafeFilename(f.filename),
		FilePath:         key,
		URL:              s.backend.URL(key),
		MIMEType:         f.contentType,
		SizeBytes:        int64(len(f.data)),
		Checksum:         f.checksum,
		Year:             eff.Year,
		Month:            eff.Month,
		Day:              eff.Day,
		Page:             eff.Page,
		PageCount:        f.pageCount,
	}

	if err := s.pubs.Create(ctx, pub); err != nil {
		// объект без записи не оставляем
		s.removeObject(ctx, key)
		return nil, fmt.Errorf("%w: failed to save publication: %w", ErrPersistence, err)
	}

	if s.cache != nil {
		s.cache.Set(pub)
	}

	s.logger.Info("publication stored",
		slog.String("publication_id", pub.ID.String()),
		slog.String("user_id", pub.UserID),
		slog.String("file_path", pub.FilePath),
		slog.Int64("size", pub.SizeBytes),
	)

	s.enqueueThumbnail(ctx, pub)
	return pub, nil
}

// writeObject пишет объект без перезаписи: при занятом имени добавляется токен.
func (s *PublicationService) writeObject(ctx context.Context, dir, objectName string, f *preparedFile) (string, error) {
	name := objectName
	for attempt := 0; attempt <= maxCollisionRetries; attempt++ {
		if attempt > 0 {
			name = naming.WithToken(objectName, naming.UniqueToken())
		}
		key := dir + "/" + name

		err := s.backend.Create(ctx, key, bytes.NewReader(f.data), int64(len(f.data)), f.contentType)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return "", fmt.Errorf("%w: failed to write %s: %w", ErrStorage, key, err)
		}
		s.logger.Debug("storage key taken, retrying with token", slog.String("key", key))
	}
	return "", fmt.Errorf("%w: no free name for %s in %s", ErrStorage, objectName, dir)
}

func (s *PublicationService) removeObject(ctx context.Context, key string) {
	if err := s.backend.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Error("failed to remove object after failed save",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PublicationService) enqueueIngest(
	ctx context.Context,
	identity auth.Identity,
	meta domain.UploadMetadata,
	f *preparedFile,
) (*domain.PendingUpload, error) {
	jobID := uuid.New()
	stagingKey := path.Join(stagingPrefix, jobID.String(), naming.SafeFilename(f.filename))

	if err := s.backend.Put(ctx, stagingKey, bytes.NewReader(f.data), int64(len(f.data)), f.contentType); err != nil {
		return nil, fmt.Errorf("%w: failed to stage upload: %w", ErrStorage, err)
	}

	handle, err := s.queue.Enqueue(ctx, queue.Task{
		ID:   jobID,
		Type: domain.JobTypeIngest,
		Payload: IngestPayload{
			Identity:    identity,
			Metadata:    meta,
			Filename:    f.filename,
			ContentType: f.contentType,
			Size:        int64(len(f.data)),
			StagingKey:  stagingKey,
		},
	})
	if err != nil {
		s.removeObject(ctx, stagingKey)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.logger.Info("publication upload queued",
		slog.String("job_id", handle.JobID.String()),
		slog.String("user_id", identity.UserID),
		slog.String("filename", f.filename),
	)

	return &domain.PendingUpload{
		JobID:     handle.JobID,
		Status:    string(handle.Status),
		StatusURL: s.statusURL(handle.JobID),
	}, nil
}

func (s *PublicationService) enqueueThumbnail(ctx context.Context, pub *domain.Publication) {
	if !s.opts.Thumbnails || s.queue == nil || pub.MIMEType != mimePDF {
		return
	}
	_, err := s.queue.Enqueue(ctx, queue.Task{
		Type:    domain.JobTypeThumbnail,
		Payload: domain.ThumbnailPayload{PublicationID: pub.ID},
	})
	if err != nil {
		// превью необязательно, загрузка уже успешна
		s.logger.Warn("failed to enqueue thumbnail",
			slog.String("publication_id", pub.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PublicationService) statusURL(jobID uuid.UUID) string {
	return strings.TrimRight(s.opts.BaseURL, "/") + "/api/jobs/" + jobID.String()
}

// prepare читает файл целиком и проверяет тип, размер, метаданные и структуру PDF.
func (s *PublicationService) prepare(file *FileUpload, meta domain.UploadMetadata) (*preparedFile, error) {
	if file == nil || file.Content == nil {
		return nil, invalid("file", "file is required")
	}
	if err := validateMetadata(meta); err != nil {
		return nil, err
	}

	contentType := normalizeMIME(file.ContentType)
	if !s.mimeAllowed(contentType) {
		return nil, invalid("file", "MIME type %q is not allowed, allowed types: %s",
			contentType, strings.Join(s.opts.AllowedMIMETypes, ", "))
	}

	if file.Size > s.opts.MaxSizeBytes {
		return nil, s.tooLarge()
	}

	data, err := io.ReadAll(io.LimitReader(file.Content, s.opts.MaxSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.opts.MaxSizeBytes {
		return nil, s.tooLarge()
	}
	if len(data) == 0 {
		return nil, invalid("file", "file is empty")
	}

	sum := sha256.Sum256(data)
	prepared := &preparedFile{
		filename:    file.Filename,
		contentType: contentType,
		data:        data,
		checksum:    hex.EncodeToString(sum[:]),
	}

	if s.opts.VerifyPDF && contentType == mimePDF {
		info, err := pdfinfo.Inspect(bytes.NewReader(data))
		if err != nil {
			return nil, invalid("file", "file is not a valid PDF document")
		}
		prepared.pageCount = &info.PageCount
	}

	return prepared, nil
}

func (s *PublicationService) tooLarge() *ValidationError {
	return &ValidationError{
		Field:    "file",
		Message:  fmt.Sprintf("file exceeds the maximum size of %d KB", s.opts.MaxSizeBytes/1024),
		TooLarge: true,
	}
}

func (s *PublicationService) mimeAllowed(contentType string) bool {
	for _, t := range s.opts.AllowedMIMETypes {
		if t == contentType {
			return true
		}
	}
	return false
}

func (s *PublicationService) checkQuota(ctx context.Context, userID string, size int64) error {
	if s.quota == nil {
		return nil
	}
	ok, err := s.quota.CheckSpaceAvailable(ctx, userID, size)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

func (s *PublicationService) observeUpload(err error, size int64) {
	switch {
	case err == nil:
		metrics.UploadFinished(metrics.UploadStored, size)
	case IsValidation(err), errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrForbidden):
		metrics.UploadFinished(metrics.UploadRejected, 0)
	default:
		metrics.UploadFinished(metrics.UploadFailed, 0)
	}
}

// GetPublication возвращает запись владельца.
func (s *PublicationService) GetPublication(ctx context.Context, identity auth.Identity, id uuid.UUID) (*domain.Publication, error) {
	pub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pub.UserID != identity.UserID {
		return nil, ErrForbidden
	}
	return pub, nil
}

func (s *PublicationService) load(ctx context.Context, id uuid.UUID) (*domain.Publication, error) {
	if s.cache != nil {
		if pub, ok := s.cache.Get(id); ok {
			return pub, nil
		}
	}
	pub, err := s.pubs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if s.cache != nil {
		s.cache.Set(pub)
	}
	return pub, nil
}

// ListPublications возвращает страницу записей владельца. page начинается с 1.
func (s *PublicationService) ListPublications(
	ctx context.Context,
	identity auth.Identity,
	year, month *int,
	page, perPage int,
) (*domain.PublicationPage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case perPage < 1:
		perPage = defaultPerPage
	case perPage > maxPerPage:
		perPage = maxPerPage
	}
	if month != nil && (*month < 1 || *month > 12) {
		return nil, invalid("month", "month must be between 1 and 12")
	}

	items, total, err := s.pubs.List(ctx, domain.PublicationFilter{
		UserID: identity.UserID,
		Year:   year,
		Month:  month,
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if items == nil {
		items = []domain.Publication{}
	}

	return &domain.PublicationPage{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

// OpenPublication открывает сохранённый файл для скачивания.
func (s *PublicationService) OpenPublication(ctx context.Context, identity auth.Identity, id uuid.UUID) (*domain.Publication, storage.Object, error) {
	pub, err := s.GetPublication(ctx, identity, id)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.open(ctx, pub.FilePath)
	if err != nil {
		return nil, nil, err
	}
	return pub, obj, nil
}

// OpenThumbnail открывает превью первой страницы, если оно уже построено.
func (s *PublicationService) OpenThumbnail(ctx context.Context, identity auth.Identity, id uuid.UUID) (storage.Object, error) {
	pub, err := s.GetPublication(ctx, identity, id)
	if err != nil {
		return nil, err
	}
	if pub.ThumbnailPath == nil {
		// кэш мог отстать от задачи превью
		if s.cache != nil {
			s.cache.Delete(id)
		}
		if pub, err = s.GetPublication(ctx, identity, id); err != nil {
			return nil, err
		}
		if pub.ThumbnailPath == nil {
			return nil, ErrNotFound
		}
	}
	return s.open(ctx, *pub.ThumbnailPath)
}

func (s *PublicationService) open(ctx context.Context, key string) (storage.Object, error) {
	obj, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return obj, nil
}

// DeletePublication удаляет запись, затем объект по сохранённому file_path и превью.
// Объекты, которые не удалось стереть, остаются сиротами для сверки.
// Повторное удаление возвращает ErrNotFound.
func (s *PublicationService) DeletePublication(ctx context.Context, identity auth.Identity, id uuid.UUID) error {
	pub, err := s.pubs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if pub.UserID != identity.UserID {
		return ErrForbidden
	}

	if s.cache != nil {
		s.cache.Delete(id)
	}

	if err := s.pubs.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	keys := []string{pub.FilePath}
	if pub.ThumbnailPath != nil {
		keys = append(keys, *pub.ThumbnailPath)
	}
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		s.deleteStored(ctx, key)
	}

	s.logger.Info("publication deleted",
		slog.String("publication_id", id.String()),
		slog.String("file_path", pub.FilePath),
	)
	return nil
}

func (s *PublicationService) deleteStored(ctx context.Context, key string) {
	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		s.logger.Error("failed to check stored object, left for reconcile", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if !exists {
		s.logger.Warn("stored object already missing", slog.String("key", key))
		return
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Error("failed to delete stored object, left for reconcile", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// JobStatus возвращает состояние задачи загрузки владельца.
func (s *PublicationService) JobStatus(ctx context.Context, identity auth.Identity, id uuid.UUID) (*domain.JobView, error) {
	if s.jobs == nil {
		return nil, ErrNotFound
	}
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	view := &domain.JobView{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		CreatedAt:   job.Created(),
	}

	switch job.Type {
	case domain.JobTypeIngest:
		var payload IngestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.Identity.UserID != identity.UserID {
			return nil, ErrForbidden
		}
		if job.Result != nil {
			var res ingestResult
			if err := json.Unmarshal([]byte(*job.Result), &res); err == nil && res.PublicationID != uuid.Nil {
				view.PublicationID = &res.PublicationID
			}
		}
	case domain.JobTypeThumbnail:
		var payload domain.ThumbnailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, ErrForbidden
		}
		if _, err := s.GetPublication(ctx, identity, payload.PublicationID); err != nil {
			return nil, err
		}
		view.PublicationID = &payload.PublicationID
	default:
		return nil, ErrForbidden
	}

	return view, nil
}

// MergeMetadata объединяет метаданные: значение клиента, затем разобранное
// из имени файла, затем текущая дата для year/month/day.
func MergeMetadata(meta domain.UploadMetadata, parsed naming.ParsedFilename, now time.Time) domain.EffectiveMetadata {
	eff := domain.EffectiveMetadata{
		Name:  firstString(meta.Name, parsed.Name, naming.DefaultName),
		Year:  firstInt(meta.Year, parsed.Year, now.Year()),
		Month: firstInt(meta.Month, parsed.Month, int(now.Month())),
		Day:   firstInt(meta.Day, parsed.Day, now.Day()),
	}
	eff.Title = firstString(meta.Title, "", eff.Name)

	if meta.Description != nil && strings.TrimSpace(*meta.Description) != "" {
		d := *meta.Description
		eff.Description = &d
	}

	switch {
	case meta.Page != nil:
		p := *meta.Page
		eff.Page = &p
	case parsed.Page != nil:
		p := *parsed.Page
		eff.Page = &p
	}

	return eff
}

func firstString(v *string, parsed, fallback string) string {
	if v != nil && strings.TrimSpace(*v) != "" {
		return strings.TrimSpace(*v)
	}
	if parsed != "" {
		return parsed
	}
	return fallback
}

func firstInt(v, parsed *int, fallback int) int {
	if v != nil {
		return *v
	}
	if parsed != nil {
		return *parsed
	}
	return fallback
}

func validateMetadata(meta domain.UploadMetadata) error {
	checks := []struct {
		field  string
		value  *int
		lo, hi int
	}{
		{"year", meta.Year, 1, 9999},
		{"month", meta.Month, 1, 12},
		{"day", meta.Day, 1, 31},
		{"page", meta.Page, 1, int(^uint(0) >> 1)},
	}
	for _, c := range checks {
		if c.value != nil && (*c.value < c.lo || *c.value > c.hi) {
			return invalid(c.field, "%s must be between %d and %d", c.field, c.lo, c.hi)
		}
	}
	if meta.Title != nil && len(*meta.Title) > 255 {
		return invalid("title", "title must be at most 255 characters")
	}
	return nil
}

func normalizeMIME(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(mediaType)
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
