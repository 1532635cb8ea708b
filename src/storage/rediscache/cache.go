package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"webrag/src/core/contentcache"
)

const (
	defaultKeyPrefix = "webrag:cache:"

	// Field names in the Redis hash
	fieldURL       = "url"
	fieldContent   = "content"
	fieldFetchedAt = "fetched_at"
	fieldExpiresAt = "expires_at"
	fieldHitCount  = "hit_count"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// CacheStore keeps one hash per URL and lets Redis expire it at expires_at,
// so DeleteExpired has nothing left to do.
type CacheStore struct {
	client *redis.Client
	prefix string
}

var _ contentcache.Store = (*CacheStore)(nil)

func NewCacheStore(ctx context.Context, cfg Config) (*CacheStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &CacheStore{client: client, prefix: prefix}, nil
}

func (s *CacheStore) key(url string) string {
	return s.prefix + url
}

func (s *CacheStore) Get(ctx context.Context, url string) (*contentcache.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key(url)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, contentcache.ErrNotFound
	}
	return decodeEntry(url, fields)
}

// Put overwrites content and expiry. hit_count is left untouched.
func (s *CacheStore) Put(ctx context.Context, entry contentcache.Entry) error {
	key := s.key(entry.URL)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldURL, entry.URL,
			fieldContent, entry.Content,
			fieldFetchedAt, entry.FetchedAt.UnixMilli(),
			fieldExpiresAt, entry.ExpiresAt.UnixMilli(),
		)
		pipe.HSetNX(ctx, key, fieldHitCount, 0)
		pipe.PExpireAt(ctx, key, entry.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// touchScript bumps hit_count only if the hash still exists, so a touch racing
// with expiry or Delete cannot leave a bare counter behind.
var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
return 1
`)

func (s *CacheStore) Touch(ctx context.Context, url string) error {
	touched, err := touchScript.Run(ctx, s.client, []string{s.key(url)}, fieldHitCount).Int()
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	if touched == 0 {
		return contentcache.ErrNotFound
	}
	return nil
}

func (s *CacheStore) Delete(ctx context.Context, url string) error {
	n, err := s.client.Del(ctx, s.key(url)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	if n == 0 {
		return contentcache.ErrNotFound
	}
	return nil
}

// DeleteExpired is a no-op: keys carry their own PEXPIREAT.
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *CacheStore) Count(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count cache entries: %w", err)
		}
		total += int64(len(keys))
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (s *CacheStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *CacheStore) Close() error {
	return s.client.Close()
}

func decodeEntry(url string, fields map[string]string) (*contentcache.Entry, error) {
	fetched, err1 := strconv.ParseInt(fields[fieldFetchedAt], 10, 64)
	expires, err2 := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for %s: %w", url, err)
	}
	hits, _ := strconv.ParseInt(fields[fieldHitCount], 10, 64)

	return &contentcache.Entry{
		URL:       url,
		Content:   fields[fieldContent],
		FetchedAt: time.UnixMilli(fetched).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		HitCount:  hits,
	}, nil
}
