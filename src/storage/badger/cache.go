package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"webrag/src/core/contentcache"
)

var cachePrefix = []byte("cache/")

// CacheStore keeps content cache entries as JSON values under "cache/<url>".
// Expiry is enforced by the cache itself; DeleteExpired does the reaping.
type CacheStore struct {
	db *DB
}

var _ contentcache.Store = (*CacheStore)(nil)

func NewCacheStore(db *DB) *CacheStore {
	return &CacheStore{db: db}
}

func cacheKey(url string) []byte {
	return append(append([]byte{}, cachePrefix...), url...)
}

func (s *CacheStore) Get(ctx context.Context, url string) (*contentcache.Entry, error) {
	var entry contentcache.Entry
	err := s.db.db.View(func(txn *badger.Txn) error {
		return readEntry(txn, url, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *CacheStore) Put(ctx context.Context, entry contentcache.Entry) error {
	return s.db.db.Update(func(txn *badger.Txn) error {
		var existing contentcache.Entry
		switch err := readEntry(txn, entry.URL, &existing); {
		case err == nil:
			entry.HitCount = existing.HitCount
		case !errors.Is(err, contentcache.ErrNotFound):
			return err
		}
		return writeEntry(txn, entry)
	})
}

func (s *CacheStore) Touch(ctx context.Context, url string) error {
	return s.db.db.Update(func(txn *badger.Txn) error {
		var entry contentcache.Entry
		if err := readEntry(txn, url, &entry); err != nil {
			return err
		}
		entry.HitCount++
		return writeEntry(txn, entry)
	})
}

func (s *CacheStore) Delete(ctx context.Context, url string) error {
	return s.db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(url))
	})
}

func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var expired [][]byte
	err := s.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(cachePrefix); it.ValidForPrefix(cachePrefix); it.Next() {
			var entry contentcache.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if entry.Expired(now) {
				expired = append(expired, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range expired {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(expired)), nil
}

func (s *CacheStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(cachePrefix); it.ValidForPrefix(cachePrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func readEntry(txn *badger.Txn, url string, entry *contentcache.Entry) error {
	item, err := txn.Get(cacheKey(url))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return contentcache.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, entry); err != nil {
			return fmt.Errorf("failed to decode cache entry: %w", err)
		}
		return nil
	})
}

func writeEntry(txn *badger.Txn, entry contentcache.Entry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(cacheKey(entry.URL), val)
}
