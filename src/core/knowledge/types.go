package knowledge

import (
	"fmt"
	"time"
)

// Document is one ingested content set.
type Document struct {
	Ref         string  `json:"ref"`
	SourceURL   string  `json:"source_url,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Text        string  `json:"text"`
	Tables      []Table `json:"tables,omitempty"`
}

// Table is a structured tabular payload that accompanies a document.
type Table struct {
	Name    string     `json:"name,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

type ChunkKind string

const (
	ChunkKindText       ChunkKind = "text"
	ChunkKindStructured ChunkKind = "structured"
)

// Chunk is a token bounded slice of a document.
type Chunk struct {
	DocumentRef string    `json:"document_ref"`
	Index       int       `json:"chunk_index"`
	Kind        ChunkKind `json:"kind"`
	Text        string    `json:"text"`
	TokenCount  int       `json:"token_count"`
}

func (c Chunk) ID() string {
	return ChunkID(c.DocumentRef, c.Index)
}

// ChunkID is the external identifier of a chunk, used as an answer source.
func ChunkID(documentRef string, index int) string {
	return fmt.Sprintf("%s#%d", documentRef, index)
}

// ChunkRecord is what the vector store persists for one chunk.
type ChunkRecord struct {
	DocumentRef string
	ChunkIndex  int
	Kind        ChunkKind
	Text        string
	Generation  string
	Embedding   []float32
	CreatedAt   time.Time
}

// Match is a single search hit.
type Match struct {
	DocumentRef string
	ChunkIndex  int
	Kind        ChunkKind
	Text        string
	Distance    float64
}

// Similarity is the cosine similarity implied by the distance.
func (m Match) Similarity() float64 {
	return 1 - m.Distance
}

func (m Match) ChunkID() string {
	return ChunkID(m.DocumentRef, m.ChunkIndex)
}

// ChunkRange is an inclusive range of chunk indices.
type ChunkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r ChunkRange) Len() int {
	return r.End - r.Start + 1
}

func (r ChunkRange) String() string {
	return fmt.Sprintf("[%d-%d]", r.Start, r.End)
}
