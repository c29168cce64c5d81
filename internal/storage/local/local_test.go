package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"libhub/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	return NewWithFs(afero.NewMemMapFs(), "/storage/")
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	data := []byte("%PDF-1.4 test")

	key := "publications/report/2023/07/22/report.pdf"
	if err := s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	exists, err := s.Exists(ctx, key)
	if err != nil || !exists {
		t.Fatalf("Exists: %v %v", exists, err)
	}

	obj, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer obj.Close()

	got, err := io.ReadAll(obj)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("content mismatch: %q", got)
	}
	if obj.Size() != int64(len(data)) {
		t.Errorf("size: expected %d, got %d", len(data), obj.Size())
	}
	if obj.ContentType() != "application/pdf" {
		t.Errorf("content type: %q", obj.ContentType())
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	key := "publications/a/a.pdf"

	if err := s.Create(ctx, key, strings.NewReader("first"), 5, ""); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	err := s.Create(ctx, key, strings.NewReader("second"), 6, "")
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	obj, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Close()
	got, _ := io.ReadAll(obj)
	if string(got) != "first" {
		t.Errorf("existing object overwritten: %q", got)
	}
}

func TestCreateConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), "/storage")
	if err != nil {
		t.Fatal(err)
	}
	key := "publications/race/race.pdf"

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Create(ctx, key, strings.NewReader("x"), 1, "")
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("expected exactly one successful create, got %d", success)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.Get(context.Background(), "publications/none.pdf"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	key := "publications/a/a.pdf"

	if err := s.Put(ctx, key, strings.NewReader("x"), 1, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if exists, _ := s.Exists(ctx, key); exists {
		t.Error("object still exists")
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	keys := []string{
		"publications/a/2023/a.pdf",
		"publications/a/2023/07/b.pdf",
		"publications/c/c.pdf",
		"staging/x/x.pdf",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, strings.NewReader("x"), 1, ""); err != nil {
			t.Fatal(err)
		}
	}

	objects, err := s.List(ctx, "publications")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, o := range objects {
		got = append(got, o.Key)
	}
	sort.Strings(got)

	want := []string{"publications/a/2023/07/b.pdf", "publications/a/2023/a.pdf", "publications/c/c.pdf"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}

	empty, err := s.List(ctx, "missing")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty list for missing prefix, got %v %v", empty, err)
	}
}

func TestURL(t *testing.T) {
	s := newTestStorage(t)
	got := s.URL("publications/my report/2023/a b.pdf")
	want := "/storage/publications/my%20report/2023/a%20b.pdf"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMakeDirectory(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewWithFs(fsys, "")
	if err := s.MakeDirectory(context.Background(), "publications/report/2023/07"); err != nil {
		t.Fatal(err)
	}
	ok, err := afero.DirExists(fsys, "/publications/report/2023/07")
	if err != nil || !ok {
		t.Errorf("directory not created: %v %v", ok, err)
	}
}
