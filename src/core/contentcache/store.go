package contentcache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached content snapshot. There is at most one entry per URL.
type Entry struct {
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int64     `json:"hit_count"`
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the persistence behind the cache. Implementations must return
// ErrNotFound for absent URLs and keep the hit count across Put calls.
type Store interface {
	Get(ctx context.Context, url string) (*Entry, error)
	Put(ctx context.Context, entry Entry) error
	Touch(ctx context.Context, url string) error
	Delete(ctx context.Context, url string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// Observer receives hit and miss notifications, e.g. for metrics.
type Observer interface {
	CacheHit()
	CacheMiss()
}

type noopObserver struct{}

func (noopObserver) CacheHit()  {}
func (noopObserver) CacheMiss() {}
