package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"libhub/internal/domain"
)

func TestSetGetDelete(t *testing.T) {
	c := New(2, time.Minute)
	p := &domain.Publication{ID: uuid.New(), Title: "Report"}
	c.Set(p)

	got, ok := c.Get(p.ID)
	if !ok || got.Title != "Report" {
		t.Fatalf("expected hit, got %v %v", got, ok)
	}

	got.Title = "changed"
	again, _ := c.Get(p.ID)
	if again.Title != "Report" {
		t.Error("cached value must not be shared with callers")
	}

	c.Delete(p.ID)
	if _, ok := c.Get(p.ID); ok {
		t.Error("expected miss after Delete")
	}
}

func TestEviction(t *testing.T) {
	c := New(2, time.Minute)
	a := &domain.Publication{ID: uuid.New()}
	b := &domain.Publication{ID: uuid.New()}
	d := &domain.Publication{ID: uuid.New()}
	c.Set(a)
	c.Set(b)
	c.Set(d)

	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(a.ID); ok {
		t.Error("oldest entry must be evicted")
	}
}

func TestExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	p := &domain.Publication{ID: uuid.New()}
	c.Set(p)
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(p.ID); ok {
		t.Error("entry must expire after TTL")
	}
}
