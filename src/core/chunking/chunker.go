package chunking

import (
	"iter"
	"slices"
	"strings"

	"webrag/src/core/knowledge"
)

const (
	DefaultChunkSize = 500
	DefaultOverlap   = 50
)

// Chunker turns a document into token bounded, overlapping chunks.
type Chunker struct {
	tokenizer Tokenizer
	size      int
	overlap   int
}

type Option func(c *Chunker)

func WithChunkSize(size int) Option {
	return func(c *Chunker) { c.size = size }
}

func WithOverlap(overlap int) Option {
	return func(c *Chunker) { c.overlap = overlap }
}

func New(tokenizer Tokenizer, opts ...Option) *Chunker {
	c := &Chunker{
		tokenizer: tokenizer,
		size:      DefaultChunkSize,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.size <= 0 {
		c.size = DefaultChunkSize
	}
	if c.overlap < 0 {
		c.overlap = 0
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

func (c *Chunker) Tokenizer() Tokenizer {
	return c.tokenizer
}

// WithTokenizer returns a copy of c that cuts on t's token spans.
func (c *Chunker) WithTokenizer(t Tokenizer) *Chunker {
	if t == nil {
		return c
	}
	cp := *c
	cp.tokenizer = t
	return &cp
}

// Chunks returns a lazy sequence over the document. Structured table chunks
// come first so they win distance ties against the raw text they duplicate.
// Indices start at 0 and are contiguous. Ranging over the sequence again
// recomputes the same chunks.
func (c *Chunker) Chunks(doc knowledge.Document) iter.Seq[knowledge.Chunk] {
	return func(yield func(knowledge.Chunk) bool) {
		index := 0
		emit := func(kind knowledge.ChunkKind, text string, tokens int) bool {
			chunk := knowledge.Chunk{
				DocumentRef: doc.Ref,
				Index:       index,
				Kind:        kind,
				Text:        text,
				TokenCount:  tokens,
			}
			index++
			return yield(chunk)
		}

		for _, table := range doc.Tables {
			for text, tokens := range c.tableWindows(table) {
				if !emit(knowledge.ChunkKindStructured, text, tokens) {
					return
				}
			}
		}

		for text, tokens := range c.windows(doc.Text) {
			if !emit(knowledge.ChunkKindText, text, tokens) {
				return
			}
		}
	}
}

// Split materializes Chunks.
func (c *Chunker) Split(doc knowledge.Document) []knowledge.Chunk {
	return slices.Collect(c.Chunks(doc))
}

// windows yields slices of text holding at most size tokens, each sharing
// overlap tokens with its predecessor.
func (c *Chunker) windows(text string) iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		if strings.TrimSpace(text) == "" {
			return
		}
		text = strings.ToValidUTF8(text, "\uFFFD")
		spans := c.tokenizer.Spans(text)
		n := len(spans)
		step := c.size - c.overlap

		for start := 0; start < n; start += step {
			end := min(start+c.size, n)
			from := alignForward(text, min(spans[start].Start, len(text)))
			to := max(alignForward(text, min(spans[end-1].End, len(text))), from)
			if !yield(text[from:to], end-start) {
				return
			}
			if end == n {
				return
			}
		}
	}
}
