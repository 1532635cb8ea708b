package cachectrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"webrag/src/core/contentcache"
)

type CacheEntry struct {
	URL       string    `gorm:"primaryKey;type:text" json:"url"`
	Content   string    `gorm:"not null" json:"content"`
	FetchedAt time.Time `gorm:"not null" json:"fetched_at"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	HitCount  int64     `gorm:"not null;default:0" json:"hit_count"`
}

func (CacheEntry) TableName() string {
	return "content_cache"
}

// CacheService stores content cache entries in postgres, keyed by url.
type CacheService struct {
	db *gorm.DB
}

var _ contentcache.Store = (*CacheService)(nil)

func NewCacheService(db *gorm.DB) (*CacheService, error) {
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate content cache: %w", err)
	}
	return &CacheService{db: db}, nil
}

func (s *CacheService) Get(ctx context.Context, url string) (*contentcache.Entry, error) {
	var row CacheEntry
	result := s.db.WithContext(ctx).First(&row, "url = ?", url)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, contentcache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", result.Error)
	}
	return &contentcache.Entry{
		URL:       row.URL,
		Content:   row.Content,
		FetchedAt: row.FetchedAt,
		ExpiresAt: row.ExpiresAt,
		HitCount:  row.HitCount,
	}, nil
}

// Put inserts or overwrites an entry. The hit count of an existing row is kept.
func (s *CacheService) Put(ctx context.Context, entry contentcache.Entry) error {
	row := CacheEntry{
		URL:       entry.URL,
		Content:   entry.Content,
		FetchedAt: entry.FetchedAt,
		ExpiresAt: entry.ExpiresAt,
	}
	if err := putQuery(s.db.WithContext(ctx), &row).Error; err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func putQuery(tx *gorm.DB, row *CacheEntry) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "fetched_at", "expires_at"}),
	}).Create(row)
}

// Touch increments hit_count in a single statement.
func (s *CacheService) Touch(ctx context.Context, url string) error {
	result := touchQuery(s.db.WithContext(ctx), url)
	if result.Error != nil {
		return fmt.Errorf("failed to touch cache entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return contentcache.ErrNotFound
	}
	return nil
}

func touchQuery(tx *gorm.DB, url string) *gorm.DB {
	return tx.Model(&CacheEntry{}).Where("url = ?", url).
		UpdateColumn("hit_count", gorm.Expr("hit_count + 1"))
}

func (s *CacheService) Delete(ctx context.Context, url string) error {
	result := s.db.WithContext(ctx).Where("url = ?", url).Delete(&CacheEntry{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete cache entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return contentcache.ErrNotFound
	}
	return nil
}

func (s *CacheService) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := expiredQuery(s.db.WithContext(ctx), now)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func expiredQuery(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where("expires_at <= ?", now).Delete(&CacheEntry{})
}

func (s *CacheService) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&CacheEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}
