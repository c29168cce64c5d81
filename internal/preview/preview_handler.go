package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"libhub/internal/domain"
	"libhub/internal/queue"
	"libhub/internal/repository"
)

// JobHandler выполняет задачи publication.thumbnail.
type JobHandler struct {
	service *Service
}

func NewJobHandler(service *Service) *JobHandler {
	return &JobHandler{service: service}
}

func (h *JobHandler) Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var payload domain.ThumbnailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("invalid thumbnail payload: %w", err))
	}

	pub, err := h.service.store.GetByID(ctx, payload.PublicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// публикацию удалили раньше, чем дошла очередь
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	key, err := h.service.Generate(ctx, pub)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	return json.Marshal(map[string]string{
		"publication_id": pub.ID.String(),
		"thumbnail_path": key,
	})
}
