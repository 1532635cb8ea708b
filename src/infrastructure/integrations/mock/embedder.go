package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"webrag/src/core/knowledge"
)

const DefaultDimensions = 64

// Embedder is a test double for knowledge.Embedder. It produces a
// deterministic unit vector per text unless EmbedFunc is set.
type Embedder struct {
	Dims      int
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

	mu    sync.Mutex
	calls int
	texts int
}

var _ knowledge.Embedder = (*Embedder)(nil)

func NewEmbedder(dims int) *Embedder {
	return &Embedder{Dims: dims}
}

func (m *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.texts += len(texts)
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = Vector(text, m.dims())
	}
	return vectors, nil
}

// CallCount is the number of Embed calls, including failed ones.
func (m *Embedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// TextCount is the number of texts passed to Embed across all calls.
func (m *Embedder) TextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts
}

func (m *Embedder) dims() int {
	if m.Dims <= 0 {
		return DefaultDimensions
	}
	return m.Dims
}

// Vector derives a normalized pseudo-random vector from the FNV hash of text.
// The same text always yields the same vector.
func Vector(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vector := make([]float32, dims)
	var norm float64
	for i := range vector {
		// xorshift64
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(seed%2000)/1000 - 1
		vector[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		vector[0] = 1
		return vector
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector
}
