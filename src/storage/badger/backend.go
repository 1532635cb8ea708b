package badger

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"webrag/src/infrastructure/log"
)

// DB wraps a BadgerDB instance shared by the cache and vector stores.
type DB struct {
	db *badger.DB
}

// Open opens a BadgerDB database at path, creating the directory if needed.
// With inMemory set, path is ignored and nothing touches disk.
func Open(path string, inMemory bool) (*DB, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = log.NewBadgerAdapter(log.WithName("badger"))
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
