package chunkctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"webrag/src/core/knowledge"
)

type Chunk struct {
	ID          int64           `gorm:"primaryKey" json:"id"`
	DocumentRef string          `gorm:"not null;uniqueIndex:idx_chunks_document_chunk" json:"document_ref"`
	ChunkIndex  int             `gorm:"not null;uniqueIndex:idx_chunks_document_chunk" json:"chunk_index"`
	Kind        string          `gorm:"not null" json:"kind"`
	Text        string          `gorm:"not null" json:"text"`
	Generation  string          `gorm:"not null" json:"generation"`
	Embedding   pgvector.Vector `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// ChunkService is the pgvector backed knowledge.VectorStore.
type ChunkService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
	dims      int
}

var _ knowledge.VectorStore = (*ChunkService)(nil)

func NewChunkService(db *gorm.DB, dims int) (*ChunkService, error) {
	// Initialize snowflake node
	node, err := snowflake.NewNode(2) // Node number 2 for chunks
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &ChunkService{
		db:        db,
		snowflake: node,
		dims:      dims,
	}, nil
}

// Migrate creates the chunks table with a unique (document_ref, chunk_index)
// key. There is no ANN index on embedding: Search is an exact scan over the
// candidate documents, which the unique key already narrows.
func (s *ChunkService) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id BIGINT PRIMARY KEY,
			document_ref TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			generation TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT idx_chunks_document_chunk UNIQUE (document_ref, chunk_index)
		)`, s.dims),
	}

	db := s.db.WithContext(ctx)
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to migrate chunks: %w", err)
		}
	}
	return nil
}

func (s *ChunkService) Dimensions() int {
	return s.dims
}

// Upsert overwrites rows by (document_ref, chunk_index). The row id and
// created_at of an existing row are kept.
func (s *ChunkService) Upsert(ctx context.Context, records []knowledge.ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]Chunk, len(records))
	for i, r := range records {
		if len(r.Embedding) != s.dims {
			return &knowledge.ValidationError{
				Field:  "embedding dimension",
				Reason: fmt.Sprintf("chunk %s: expected %d, got %d", knowledge.ChunkID(r.DocumentRef, r.ChunkIndex), s.dims, len(r.Embedding)),
			}
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows[i] = Chunk{
			ID:          s.snowflake.Generate().Int64(),
			DocumentRef: r.DocumentRef,
			ChunkIndex:  r.ChunkIndex,
			Kind:        string(r.Kind),
			Text:        r.Text,
			Generation:  r.Generation,
			Embedding:   pgvector.NewVector(r.Embedding),
			CreatedAt:   created,
			UpdatedAt:   now,
		}
	}

	if err := upsertQuery(s.db.WithContext(ctx), &rows).Error; err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

func upsertQuery(tx *gorm.DB, rows *[]Chunk) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_ref"}, {Name: "chunk_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "text", "generation", "embedding", "updated_at"}),
	}).Create(rows)
}

type searchRow struct {
	DocumentRef string
	ChunkIndex  int
	Kind        string
	Text        string
	Distance    float64
}

// Search ranks the chunks of documentRefs by cosine distance to query. The
// chunk_index tie-break needs exact distances, so pgvector scans the rows of
// the candidate documents instead of walking an approximate index.
func (s *ChunkService) Search(ctx context.Context, query []float32, documentRefs []string, k int) ([]knowledge.Match, error) {
	if len(documentRefs) == 0 || k <= 0 {
		return []knowledge.Match{}, nil
	}
	if len(query) != s.dims {
		return nil, &knowledge.ValidationError{
			Field:  "query dimension",
			Reason: fmt.Sprintf("expected %d, got %d", s.dims, len(query)),
		}
	}

	var rows []searchRow
	result := searchQuery(s.db.WithContext(ctx), query, documentRefs, k).Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", result.Error)
	}

	matches := make([]knowledge.Match, len(rows))
	for i, r := range rows {
		matches[i] = knowledge.Match{
			DocumentRef: r.DocumentRef,
			ChunkIndex:  r.ChunkIndex,
			Kind:        knowledge.ChunkKind(r.Kind),
			Text:        r.Text,
			Distance:    r.Distance,
		}
	}
	return matches, nil
}

func searchQuery(tx *gorm.DB, query []float32, documentRefs []string, k int) *gorm.DB {
	return tx.Raw(`
		SELECT document_ref, chunk_index, kind, text, embedding <=> ? AS distance
		FROM chunks
		WHERE document_ref IN ?
		ORDER BY distance, chunk_index, document_ref
		LIMIT ?`,
		pgvector.NewVector(query), documentRefs, k,
	)
}

// Truncate deletes the rows of documentRef at chunk_index size and above.
func (s *ChunkService) Truncate(ctx context.Context, documentRef string, size int) (int64, error) {
	result := truncateQuery(s.db.WithContext(ctx), documentRef, size)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to truncate chunks of %s: %w", documentRef, result.Error)
	}
	return result.RowsAffected, nil
}

func truncateQuery(tx *gorm.DB, documentRef string, size int) *gorm.DB {
	return tx.Where("document_ref = ? AND chunk_index >= ?", documentRef, size).Delete(&Chunk{})
}

func (s *ChunkService) Count(ctx context.Context, documentRef string) (int, error) {
	var n int64
	result := s.db.WithContext(ctx).Model(&Chunk{}).Where("document_ref = ?", documentRef).Count(&n)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count chunks: %v", result.Error)
	}
	return int(n), nil
}
