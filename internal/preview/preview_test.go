package preview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"libhub/internal/domain"
	"libhub/internal/queue"
	"libhub/internal/repository"
	"libhub/internal/storage/local"
)

type fakeRenderer struct {
	err error
}

func (r *fakeRenderer) Render(_ context.Context, pdf []byte) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return append([]byte("JPEG:"), pdf[:4]...), nil
}

type memStore struct {
	mu   sync.Mutex
	pubs map[uuid.UUID]*domain.Publication
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pubs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) SetThumbnail(_ context.Context, id uuid.UUID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pubs[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.ThumbnailPath = &path
	return nil
}

func setup(t *testing.T, renderer Renderer) (*JobHandler, *memStore, *local.Storage, *domain.Publication) {
	t.Helper()
	backend := local.NewWithFs(afero.NewMemMapFs(), "/storage")
	pub := &domain.Publication{ID: uuid.New(), FilePath: "publications/report/2023/07/22/report.pdf"}
	if err := backend.Put(context.Background(), pub.FilePath, strings.NewReader("%PDF-1.4"), 8, "application/pdf"); err != nil {
		t.Fatal(err)
	}
	store := &memStore{pubs: map[uuid.UUID]*domain.Publication{pub.ID: pub}}
	svc := NewService(backend, store, renderer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewJobHandler(svc), store, backend, pub
}

func thumbnailJob(t *testing.T, id uuid.UUID) *domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.ThumbnailPayload{PublicationID: id})
	if err != nil {
		t.Fatal(err)
	}
	return &domain.Job{ID: uuid.New(), Type: domain.JobTypeThumbnail, Payload: payload, Attempts: 1, MaxAttempts: 3}
}

func TestThumbnailJob(t *testing.T) {
	ctx := context.Background()
	h, store, backend, pub := setup(t, &fakeRenderer{})

	result, err := h.Handle(ctx, thumbnailJob(t, pub.ID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := "thumbnails/" + pub.ID.String() + ".jpg"
	if !strings.Contains(string(result), want) {
		t.Errorf("unexpected result %s", result)
	}

	stored, _ := store.GetByID(ctx, pub.ID)
	if stored.ThumbnailPath == nil || *stored.ThumbnailPath != want {
		t.Fatalf("thumbnail path not stored: %v", stored.ThumbnailPath)
	}

	obj, err := backend.Get(ctx, want)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Close()
	data, _ := io.ReadAll(obj)
	if string(data) != "JPEG:%PDF" {
		t.Errorf("unexpected thumbnail bytes %q", data)
	}
}

func TestThumbnailJobMissingPublicationIsPermanent(t *testing.T) {
	h, _, _, _ := setup(t, &fakeRenderer{})
	_, err := h.Handle(context.Background(), thumbnailJob(t, uuid.New()))
	if !errors.Is(err, queue.ErrPermanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestThumbnailJobRenderErrorIsRetryable(t *testing.T) {
	h, _, _, pub := setup(t, &fakeRenderer{err: errors.New("pdftoppm missing")})
	_, err := h.Handle(context.Background(), thumbnailJob(t, pub.ID))
	if err == nil || errors.Is(err, queue.ErrPermanent) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestThumbnailKey(t *testing.T) {
	id := uuid.MustParse("7b1d2c3e-0000-4000-8000-000000000001")
	if got := ThumbnailKey(id); got != "thumbnails/7b1d2c3e-0000-4000-8000-000000000001.jpg" {
		t.Errorf("got %q", got)
	}
}

func TestThumbnailsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	h, store, backend, _ := setup(t, &fakeRenderer{})

	// имена отличаются только регистром расширения
	lower := &domain.Publication{ID: uuid.New(), FilePath: "publications/a/2023/01/01/a.pdf"}
	upper := &domain.Publication{ID: uuid.New(), FilePath: "publications/a/2023/01/01/a.PDF"}
	// загруженный файл с именем, похожим на превью
	lookalike := "publications/a/2023/01/01/a.thumb.jpg"

	for key, body := range map[string]string{
		lower.FilePath: "%PDF-lower",
		upper.FilePath: "%PDF-upper",
		lookalike:      "%PDF-lookalike",
	} {
		if err := backend.Put(ctx, key, strings.NewReader(body), int64(len(body)), "application/pdf"); err != nil {
			t.Fatal(err)
		}
	}
	store.mu.Lock()
	store.pubs[lower.ID] = lower
	store.pubs[upper.ID] = upper
	store.mu.Unlock()

	for _, p := range []*domain.Publication{lower, upper} {
		if _, err := h.Handle(ctx, thumbnailJob(t, p.ID)); err != nil {
			t.Fatalf("Handle(%s): %v", p.FilePath, err)
		}
	}

	a, _ := store.GetByID(ctx, lower.ID)
	b, _ := store.GetByID(ctx, upper.ID)
	if a.ThumbnailPath == nil || b.ThumbnailPath == nil || *a.ThumbnailPath == *b.ThumbnailPath {
		t.Fatalf("thumbnail keys must differ: %v %v", a.ThumbnailPath, b.ThumbnailPath)
	}

	obj, err := backend.Get(ctx, lookalike)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Close()
	data, _ := io.ReadAll(obj)
	if string(data) != "%PDF-lookalike" {
		t.Errorf("uploaded file was overwritten: %q", data)
	}
}

func TestCalculateNewDimensions(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{2000, 1000, 1024, 1024, 512},
		{612, 792, 1024, 791, 1024},
		{0, 0, 256, 256, 256},
	}
	for _, tt := range tests {
		w, h := calculateNewDimensions(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("calculateNewDimensions(%d,%d,%d) = %d,%d; want %d,%d", tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
	}
}
