package weaviate

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"webrag/src/core/knowledge"
)

const DefaultClassName = "Chunk"

const (
	propDocumentRef = "documentRef"
	propChunkIndex  = "chunkIndex"
	propKind        = "kind"
	propText        = "text"
	propGeneration  = "generation"
	propUpdatedAt   = "updatedAt"
)

// chunkNamespace seeds the name based object ids so (ref, index) always maps
// to the same object.
var chunkNamespace = uuid.MustParse("6f1c1f9e-3f0a-4c57-9a86-8a7c5f0d2b11")

// VectorStore keeps chunks as Weaviate objects with externally supplied vectors.
type VectorStore struct {
	sdk       *SDK
	className string
	dims      int
}

var _ knowledge.VectorStore = (*VectorStore)(nil)

func NewVectorStore(sdk *SDK, className string, dims int) *VectorStore {
	if className == "" {
		className = DefaultClassName
	}
	return &VectorStore{sdk: sdk, className: className, dims: dims}
}

// Migrate creates the chunk class with cosine distance and no vectorizer.
func (s *VectorStore) Migrate(ctx context.Context) error {
	return s.sdk.EnsureSchema(ctx, &models.Class{
		Class:      s.className,
		Vectorizer: "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: propDocumentRef, DataType: []string{"text"}, Tokenization: "field"},
			{Name: propChunkIndex, DataType: []string{"int"}},
			{Name: propKind, DataType: []string{"text"}, Tokenization: "field"},
			{Name: propText, DataType: []string{"text"}},
			{Name: propGeneration, DataType: []string{"text"}, Tokenization: "field"},
			{Name: propUpdatedAt, DataType: []string{"date"}},
		},
	})
}

func (s *VectorStore) Dimensions() int {
	return s.dims
}

func (s *VectorStore) Ping(ctx context.Context) error {
	return s.sdk.Ready(ctx)
}

// ObjectID is the deterministic object id of a chunk.
func ObjectID(documentRef string, chunkIndex int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(chunkNamespace, []byte(knowledge.ChunkID(documentRef, chunkIndex))).String())
}

func (s *VectorStore) Upsert(ctx context.Context, records []knowledge.ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	objects := make([]VectorObject, len(records))
	for i, r := range records {
		if len(r.Embedding) != s.dims {
			return &knowledge.ValidationError{
				Field:  "embedding dimension",
				Reason: fmt.Sprintf("chunk %s: expected %d, got %d", knowledge.ChunkID(r.DocumentRef, r.ChunkIndex), s.dims, len(r.Embedding)),
			}
		}
		objects[i] = VectorObject{
			ID:     ObjectID(r.DocumentRef, r.ChunkIndex),
			Vector: r.Embedding,
			Properties: map[string]interface{}{
				propDocumentRef: r.DocumentRef,
				propChunkIndex:  r.ChunkIndex,
				propKind:        string(r.Kind),
				propText:        r.Text,
				propGeneration:  r.Generation,
				propUpdatedAt:   now,
			},
		}
	}
	return s.sdk.BatchUpsertVectors(ctx, s.className, objects)
}

// Search filters on documentRef inside Weaviate and filters again on the
// results. Results are re-ranked locally so equal distances order by chunk index.
func (s *VectorStore) Search(ctx context.Context, query []float32, documentRefs []string, k int) ([]knowledge.Match, error) {
	if len(documentRefs) == 0 || k <= 0 {
		return []knowledge.Match{}, nil
	}
	if len(query) != s.dims {
		return nil, &knowledge.ValidationError{
			Field:  "query dimension",
			Reason: fmt.Sprintf("expected %d, got %d", s.dims, len(query)),
		}
	}

	refs := slices.Clone(documentRefs)
	slices.Sort(refs)
	refs = slices.Compact(refs)

	results, err := s.sdk.QueryVectors(ctx, s.className, query, QueryConfig{
		Fields: []string{propDocumentRef, propChunkIndex, propKind, propText},
		// Over-fetch so ties at the cut-off can be ordered by chunk index.
		Limit: k * 2,
		Where: scopeFilter(refs),
	})
	if err != nil {
		return nil, err
	}

	matches := make([]knowledge.Match, 0, len(results))
	for _, r := range results {
		m, ok := toMatch(r)
		if !ok {
			continue
		}
		if _, found := slices.BinarySearch(refs, m.DocumentRef); !found {
			continue
		}
		matches = append(matches, m)
	}

	slices.SortFunc(matches, knowledge.CompareMatches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Truncate deletes the objects of documentRef at chunk index size and above.
func (s *VectorStore) Truncate(ctx context.Context, documentRef string, size int) (int64, error) {
	removed, err := s.sdk.DeleteWhere(ctx, s.className, truncateFilter(documentRef, size))
	if err != nil {
		return removed, fmt.Errorf("failed to truncate chunks of %s: %w", documentRef, err)
	}
	return removed, nil
}

func truncateFilter(documentRef string, size int) *filters.WhereBuilder {
	return filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{propDocumentRef}).
			WithOperator(filters.Equal).
			WithValueText(documentRef),
		filters.Where().
			WithPath([]string{propChunkIndex}).
			WithOperator(filters.GreaterThanEqual).
			WithValueInt(int64(size)),
	})
}

func scopeFilter(refs []string) *filters.WhereBuilder {
	operands := make([]*filters.WhereBuilder, len(refs))
	for i, ref := range refs {
		operands[i] = filters.Where().
			WithPath([]string{propDocumentRef}).
			WithOperator(filters.Equal).
			WithValueText(ref)
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.Or).WithOperands(operands)
}

func toMatch(r QueryResult) (knowledge.Match, bool) {
	ref, ok := r.Properties[propDocumentRef].(string)
	if !ok {
		return knowledge.Match{}, false
	}
	// JSON numbers decode as float64.
	index, ok := r.Properties[propChunkIndex].(float64)
	if !ok {
		return knowledge.Match{}, false
	}
	kind, _ := r.Properties[propKind].(string)
	text, _ := r.Properties[propText].(string)

	return knowledge.Match{
		DocumentRef: ref,
		ChunkIndex:  int(index),
		Kind:        knowledge.ChunkKind(kind),
		Text:        text,
		Distance:    r.Distance,
	}, true
}
