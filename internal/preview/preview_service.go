package preview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/bimg"

	"libhub/internal/domain"
	"libhub/internal/naming"
	"libhub/internal/storage"
)

const (
	defaultMaxImageSize = 1024 // максимальный размер превью в пикселях
	defaultJPEGQuality  = 85
)

// Renderer превращает PDF в JPEG первой страницы.
type Renderer interface {
	Render(ctx context.Context, pdf []byte) ([]byte, error)
}

// PDFRenderer рендерит первую страницу через pdftoppm и оптимизирует её bimg.
type PDFRenderer struct {
	MaxSize int
	Quality int
}

func NewPDFRenderer(maxSize, quality int) *PDFRenderer {
	if maxSize <= 0 {
		maxSize = defaultMaxImageSize
	}
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	return &PDFRenderer{MaxSize: maxSize, Quality: quality}
}

func (r *PDFRenderer) Render(ctx context.Context, data []byte) ([]byte, error) {
	tmpPath, err := os.MkdirTemp("", "preview_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpPath)

	pdfPath := filepath.Join(tmpPath, "input.pdf")
	if err := os.WriteFile(pdfPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write PDF file: %w", err)
	}

	// pdftoppm конвертирует первую страницу в изображение
	outputPath := filepath.Join(tmpPath, "output")
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-jpeg",
		"-f", "1",
		"-l", "1",
		"-scale-to", fmt.Sprintf("%d", r.MaxSize),
		"-singlefile",
		pdfPath,
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to convert PDF: %w: %s", err, strings.TrimSpace(string(out)))
	}

	imgData, err := os.ReadFile(outputPath + ".jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to read converted image: %w", err)
	}

	return r.optimizeImage(imgData)
}

// optimizeImage оптимизирует изображение до нужного размера
func (r *PDFRenderer) optimizeImage(data []byte) ([]byte, error) {
	image := bimg.NewImage(data)

	size, err := image.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to get image size: %w", err)
	}

	width, height := calculateNewDimensions(size.Width, size.Height, r.MaxSize)

	processed, err := image.Process(bimg.Options{
		Width:   width,
		Height:  height,
		Quality: r.Quality,
		Type:    bimg.JPEG,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process image: %w", err)
	}

	return processed, nil
}

// calculateNewDimensions вычисляет новые размеры с сохранением пропорций
func calculateNewDimensions(width, height, maxSize int) (newWidth, newHeight int) {
	if width <= 0 || height <= 0 {
		return maxSize, maxSize
	}
	if width > height {
		newWidth = maxSize
		newHeight = (height * maxSize) / width
	} else {
		newHeight = maxSize
		newWidth = (width * maxSize) / height
	}
	return newWidth, newHeight
}

// ThumbnailKey возвращает ключ превью публикации: thumbnails/{id}.jpg.
// Ключ принадлежит одной записи и не пересекается с загруженными файлами.
func ThumbnailKey(id uuid.UUID) string {
	return path.Join(naming.ThumbnailPrefix, id.String()+".jpg")
}

// Store: доступ к записям публикаций, нужный генератору превью.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Publication, error)
	SetThumbnail(ctx context.Context, id uuid.UUID, path string) error
}

type Service struct {
	backend  storage.Backend
	store    Store
	renderer Renderer
	logger   *slog.Logger
}

// NewService создает новый сервис для работы с превью
func NewService(backend storage.Backend, store Store, renderer Renderer, logger *slog.Logger) *Service {
	return &Service{
		backend:  backend,
		store:    store,
		renderer: renderer,
		logger:   logger.With(slog.String("component", "preview")),
	}
}

// Generate строит превью публикации и сохраняет путь к нему в записи.
func (s *Service) Generate(ctx context.Context, pub *domain.Publication) (string, error) {
	obj, err := s.backend.Get(ctx, pub.FilePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", pub.FilePath, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("failed to read file data: %w", err)
	}

	img, err := s.renderer.Render(ctx, data)
	if err != nil {
		return "", fmt.Errorf("failed to generate preview: %w", err)
	}

	key := ThumbnailKey(pub.ID)
	if err := s.backend.Put(ctx, key, bytes.NewReader(img), int64(len(img)), "image/jpeg"); err != nil {
		return "", fmt.Errorf("failed to save preview: %w", err)
	}

	if err := s.store.SetThumbnail(ctx, pub.ID, key); err != nil {
		// запись успели удалить, превью больше не нужно
		if derr := s.backend.Delete(ctx, key); derr != nil {
			s.logger.Warn("failed to remove orphan preview", slog.String("key", key), slog.String("error", derr.Error()))
		}
		return "", fmt.Errorf("failed to store preview path: %w", err)
	}

	s.logger.Info("preview generated",
		slog.String("publication_id", pub.ID.String()),
		slog.String("key", key),
		slog.Int("bytes", len(img)),
	)
	return key, nil
}
