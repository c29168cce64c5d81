package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"libhub/internal/auth"
	"libhub/internal/domain"
	"libhub/internal/metrics"
	"libhub/internal/queue"
	"libhub/internal/repository"
	"libhub/internal/storage"
)

type ingestResult struct {
	PublicationID uuid.UUID `json:"publication_id"`
	FilePath      string    `json:"file_path"`
}

// IngestJobHandler выполняет отложенную загрузку от имени исходного пользователя.
type IngestJobHandler struct {
	service *PublicationService
	logger  *slog.Logger
}

func NewIngestJobHandler(service *PublicationService) *IngestJobHandler {
	return &IngestJobHandler{
		service: service,
		logger:  service.logger.With(slog.String("job_type", domain.JobTypeIngest)),
	}
}

func (h *IngestJobHandler) Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var payload IngestPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("invalid ingest payload: %w", err))
	}
	if payload.Identity.UserID == "" {
		return nil, queue.Permanent(fmt.Errorf("ingest payload has no identity"))
	}

	// повторная доставка: запись уже сохранена прошлой попыткой
	if pub, err := h.stored(ctx, job.ID, payload.Identity); err != nil || pub != nil {
		if err != nil {
			return nil, err
		}
		h.removeStaged(ctx, payload.StagingKey)
		return json.Marshal(ingestResult{PublicationID: pub.ID, FilePath: pub.FilePath})
	}

	obj, err := h.service.backend.Get(ctx, payload.StagingKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, queue.Permanent(fmt.Errorf("staged upload %s is gone", payload.StagingKey))
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	data, err := io.ReadAll(obj)
	obj.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read staged upload: %w", ErrStorage, err)
	}

	ctx = auth.WithIdentity(ctx, payload.Identity)
	pub, err := h.service.processWithID(ctx, payload.Identity, payload.Metadata, &FileUpload{
		Filename:    payload.Filename,
		ContentType: payload.ContentType,
		Size:        int64(len(data)),
		Content:     bytes.NewReader(data),
	}, job.ID)
	if err != nil {
		if IsValidation(err) || errors.Is(err, ErrForbidden) {
			return nil, queue.Permanent(err)
		}
		// параллельная попытка могла успеть сохранить запись с тем же id
		if existing, serr := h.stored(ctx, job.ID, payload.Identity); serr == nil && existing != nil {
			h.removeStaged(ctx, payload.StagingKey)
			return json.Marshal(ingestResult{PublicationID: existing.ID, FilePath: existing.FilePath})
		}
		return nil, err
	}
	metrics.UploadFinished(metrics.UploadStored, pub.SizeBytes)

	h.removeStaged(ctx, payload.StagingKey)

	return json.Marshal(ingestResult{PublicationID: pub.ID, FilePath: pub.FilePath})
}

// stored возвращает запись, сохранённую задачей id, или nil, если её ещё нет.
func (h *IngestJobHandler) stored(ctx context.Context, id uuid.UUID, identity auth.Identity) (*domain.Publication, error) {
	pub, err := h.service.pubs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if pub.UserID != identity.UserID {
		return nil, queue.Permanent(fmt.Errorf("publication %s belongs to another user", id))
	}
	return pub, nil
}

// OnFailure убирает staged-байты задачи, исчерпавшей попытки.
func (h *IngestJobHandler) OnFailure(ctx context.Context, job *domain.Job, err error) {
	var payload IngestPayload
	if jerr := json.Unmarshal(job.Payload, &payload); jerr != nil || payload.StagingKey == "" {
		return
	}
	metrics.UploadFinished(metrics.UploadFailed, 0)
	h.logger.Error("background upload dropped",
		slog.String("severity", "critical"),
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", payload.Identity.UserID),
		slog.String("filename", payload.Filename),
		slog.String("error", err.Error()),
	)
	h.removeStaged(ctx, payload.StagingKey)
}

func (h *IngestJobHandler) removeStaged(ctx context.Context, key string) {
	if err := h.service.backend.Delete(ctx, key); err != nil {
		h.logger.Warn("failed to remove staged upload", slog.String("key", key), slog.String("error", err.Error()))
	}
}
