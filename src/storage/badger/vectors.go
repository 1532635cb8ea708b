package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"webrag/src/core/knowledge"
)

var chunkPrefix = []byte("chunk/")

type storedChunk struct {
	Kind       knowledge.ChunkKind `json:"kind"`
	Text       string              `json:"text"`
	Generation string              `json:"generation"`
	Embedding  []float32           `json:"embedding"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// VectorStore keeps one key per (document ref, chunk index) and answers
// searches by brute-force cosine distance over the candidate documents only.
type VectorStore struct {
	db   *DB
	dims int
}

var _ knowledge.VectorStore = (*VectorStore)(nil)

func NewVectorStore(db *DB, dims int) *VectorStore {
	return &VectorStore{db: db, dims: dims}
}

func (s *VectorStore) Dimensions() int {
	return s.dims
}

// documentPrefix is "chunk/<ref>\x00". The separator keeps "doc" from matching "doc2".
func documentPrefix(ref string) []byte {
	key := append([]byte{}, chunkPrefix...)
	key = append(key, ref...)
	return append(key, 0)
}

func chunkKey(ref string, index int) []byte {
	return fmt.Appendf(documentPrefix(ref), "%010d", index)
}

func (s *VectorStore) Upsert(ctx context.Context, records []knowledge.ChunkRecord) error {
	for _, r := range records {
		if len(r.Embedding) != s.dims {
			return &knowledge.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("expected %d dimensions, got %d", s.dims, len(r.Embedding)),
			}
		}
	}

	return s.db.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		for _, r := range records {
			key := chunkKey(r.DocumentRef, r.ChunkIndex)
			stored := storedChunk{
				Kind:       r.Kind,
				Text:       r.Text,
				Generation: r.Generation,
				Embedding:  r.Embedding,
				CreatedAt:  r.CreatedAt,
				UpdatedAt:  now,
			}
			// Keep the original creation time when overwriting.
			if item, err := txn.Get(key); err == nil {
				var prev storedChunk
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err == nil {
					stored.CreatedAt = prev.CreatedAt
				}
			}
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}

			val, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *VectorStore) Search(ctx context.Context, query []float32, documentRefs []string, k int) ([]knowledge.Match, error) {
	if len(documentRefs) == 0 || k <= 0 {
		return []knowledge.Match{}, nil
	}
	if len(query) != s.dims {
		return nil, &knowledge.ValidationError{
			Field:  "query embedding",
			Reason: fmt.Sprintf("expected %d dimensions, got %d", s.dims, len(query)),
		}
	}

	refs := slices.Clone(documentRefs)
	slices.Sort(refs)
	refs = slices.Compact(refs)

	var matches []knowledge.Match
	err := s.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for _, ref := range refs {
			prefix := documentPrefix(ref)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var index int
				if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d", &index); err != nil {
					return fmt.Errorf("malformed chunk key %q: %w", it.Item().Key(), err)
				}
				var stored storedChunk
				if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &stored) }); err != nil {
					return err
				}
				matches = append(matches, knowledge.Match{
					DocumentRef: ref,
					ChunkIndex:  index,
					Kind:        stored.Kind,
					Text:        stored.Text,
					Distance:    knowledge.CosineDistance(query, stored.Embedding),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	slices.SortFunc(matches, knowledge.CompareMatches)
	if len(matches) > k {
		matches = matches[:k]
	}
	if matches == nil {
		matches = []knowledge.Match{}
	}
	return matches, nil
}

// Count returns the number of stored chunks for a document.
func (s *VectorStore) Count(ctx context.Context, documentRef string) (int, error) {
	n := 0
	err := s.db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := documentPrefix(documentRef)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *VectorStore) Truncate(ctx context.Context, documentRef string, size int) (int64, error) {
	var removed int64
	err := s.db.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys are zero padded, so every key from chunkKey(ref, size) on is stale.
		prefix := documentPrefix(documentRef)
		var stale [][]byte
		for it.Seek(chunkKey(documentRef, size)); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to truncate chunks of %s: %w", documentRef, err)
	}
	return removed, nil
}
