// Package local хранит объекты в файловой системе через afero.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"libhub/internal/storage"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Storage: реализация storage.Backend поверх afero.Fs.
type Storage struct {
	fs        afero.Fs
	publicURL string
}

// New создаёт хранилище в каталоге root на диске.
func New(root, publicURL string) (*Storage, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), root), publicURL), nil
}

// NewWithFs создаёт хранилище поверх произвольной afero.Fs (в тестах MemMapFs).
func NewWithFs(fsys afero.Fs, publicURL string) *Storage {
	return &Storage{fs: fsys, publicURL: strings.TrimSuffix(publicURL, "/")}
}

func fsPath(key string) string {
	return "/" + strings.TrimPrefix(path.Clean("/"+key), "/")
}

func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	info, err := s.fs.Stat(fsPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Put пишет во временный файл и переименовывает его, читатели не видят частичных данных.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	p := fsPath(key)
	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeAndSync(ctx, tmp, r); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}

	if err := s.fs.Rename(tmpName, p); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file to %s: %w", key, err)
	}
	return nil
}

// Create открывает файл с O_EXCL, поэтому из двух одновременных записей по
// одному ключу успешна только одна.
func (s *Storage) Create(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	p := fsPath(key)
	if err := s.fs.MkdirAll(path.Dir(p), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path.Dir(p), err)
	}

	f, err := s.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.ErrExists
		}
		return fmt.Errorf("failed to create %s: %w", key, err)
	}

	if err := writeAndSync(ctx, f, r); err != nil {
		_ = s.fs.Remove(p)
		return err
	}
	return nil
}

func writeAndSync(ctx context.Context, f afero.File, r io.Reader) error {
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

func (s *Storage) Get(_ context.Context, key string) (storage.Object, error) {
	p := fsPath(key)
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, storage.ErrNotFound
	}

	contentType := mime.TypeByExtension(path.Ext(p))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return storage.NewObject(f, info.Size(), contentType), nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	if err := s.fs.Remove(fsPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Storage) URL(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicURL + "/" + strings.Join(segments, "/")
}

func (s *Storage) MakeDirectory(_ context.Context, dir string) error {
	if err := s.fs.MkdirAll(fsPath(dir), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// List возвращает все файлы под prefix рекурсивно. Временные файлы Put пропускаются.
func (s *Storage) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	root := fsPath(prefix)
	exists, err := afero.DirExists(s.fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", prefix, err)
	}
	if !exists {
		return nil, nil
	}

	var objects []storage.ObjectInfo
	err = afero.Walk(s.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		objects = append(objects, storage.ObjectInfo{
			Key:     strings.TrimPrefix(filepath.ToSlash(p), "/"),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return objects, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
