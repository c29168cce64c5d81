// Package cache: LRU-кэш записей публикаций с TTL
// (обёртка над hashicorp/golang-lru/v2/expirable).
package cache

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"libhub/internal/domain"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libhub_cache_hits_total",
		Help: "Попадания в кэш публикаций",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libhub_cache_misses_total",
		Help: "Промахи кэша публикаций",
	})
)

// PublicationCache хранит копии записей, поэтому вызывающий код может
// менять полученные значения.
type PublicationCache struct {
	lru *expirable.LRU[uuid.UUID, domain.Publication]
}

func New(size int, ttl time.Duration) *PublicationCache {
	if size <= 0 {
		size = 1024
	}
	return &PublicationCache{lru: expirable.NewLRU[uuid.UUID, domain.Publication](size, nil, ttl)}
}

func (c *PublicationCache) Get(id uuid.UUID) (*domain.Publication, bool) {
	p, ok := c.lru.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return &p, true
}

func (c *PublicationCache) Set(p *domain.Publication) {
	c.lru.Add(p.ID, *p)
}

// Delete инвалидирует запись (удаление, новое превью).
func (c *PublicationCache) Delete(id uuid.UUID) {
	c.lru.Remove(id)
}

func (c *PublicationCache) Len() int {
	return c.lru.Len()
}
