// Package storage описывает хранилище байтов публикаций. Ключи объектов
// имеют вид "publications/report/2023/07/22/report.pdf" без ведущего слэша.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrExists   = errors.New("object already exists")
)

// Object: открытый для чтения объект хранилища.
type Object interface {
	io.ReadCloser
	Size() int64
	ContentType() string
}

// ObjectInfo описывает объект в результате List.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend: хранилище объектов. Реализации: local (afero) и s3.
type Backend interface {
	// Exists сообщает, есть ли объект с ключом key.
	Exists(ctx context.Context, key string) (bool, error)
	// Put записывает объект, перезаписывая существующий.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Create записывает объект, только если его ещё нет; иначе ErrExists.
	Create(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
	Delete(ctx context.Context, key string) error
	URL(key string) string
	MakeDirectory(ctx context.Context, dir string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

type object struct {
	io.ReadCloser
	size        int64
	contentType string
}

func (o *object) Size() int64 {
	return o.size
}

func (o *object) ContentType() string {
	return o.contentType
}

// NewObject оборачивает поток в Object.
func NewObject(rc io.ReadCloser, size int64, contentType string) Object {
	return &object{ReadCloser: rc, size: size, contentType: contentType}
}

// ReadinessChecker проверяет, что бэкенд отвечает.
type ReadinessChecker struct {
	backend Backend
}

func NewReadinessChecker(backend Backend) *ReadinessChecker {
	return &ReadinessChecker{backend: backend}
}

// CheckReady возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady(ctx context.Context) (status string, message string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := c.backend.Exists(ctx, ".health"); err != nil {
		return "fail", fmt.Sprintf("storage unavailable: %v", err)
	}
	return "ok", "storage reachable"
}
