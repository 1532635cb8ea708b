package chunking

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is used for models without a known BPE table.
const DefaultEncoding = "cl100k_base"

func init() {
	// BPE ranks ship with the binary instead of being downloaded on first use.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Span is the byte range of one token inside the source text.
type Span struct {
	Start int
	End   int
}

// Tokenizer splits text into token spans. Chunk boundaries are cut on span
// edges, so the tokenizer must agree with the embedding model's accounting.
type Tokenizer interface {
	Spans(text string) []Span
	Count(text string) int
}

// WordTokenizer treats every maximal run of non-space characters as a token.
// It is a conservative stand-in for models without a published BPE table.
type WordTokenizer struct{}

func (WordTokenizer) Spans(text string) []Span {
	var spans []Span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, Span{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans
}

func (t WordTokenizer) Count(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// TiktokenTokenizer uses the BPE encoding of an OpenAI model.
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// encodingPrefixes covers models newer than tiktoken's own model table.
var encodingPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"text-embedding-3", "cl100k_base"},
	{"text-embedding-ada", "cl100k_base"},
}

// EncodingForModel names the BPE encoding of model. ok is false when the
// model has no known encoding.
func EncodingForModel(model string) (encoding string, ok bool) {
	for _, p := range encodingPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.encoding, true
		}
	}
	if enc, found := tiktoken.MODEL_TO_ENCODING[model]; found {
		return enc, true
	}
	for prefix, enc := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) {
			return enc, true
		}
	}
	return "", false
}

// NewTiktokenTokenizer resolves the encoding for model, falling back to
// DefaultEncoding for models tiktoken does not know.
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	encoding, ok := EncodingForModel(model)
	if !ok {
		encoding = DefaultEncoding
	}
	return NewTiktokenEncoding(encoding)
}

func NewTiktokenEncoding(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{encoding: encoding, enc: enc}, nil
}

// Encoding names the BPE table in use.
func (t *TiktokenTokenizer) Encoding() string {
	return t.encoding
}

// Spans never reaches past len(text). Invalid UTF-8 decodes to U+FFFD, which
// is longer than the byte it replaced.
func (t *TiktokenTokenizer) Spans(text string) []Span {
	ids := t.enc.Encode(text, nil, nil)
	spans := make([]Span, 0, len(ids))
	offset := 0
	for _, id := range ids {
		// A token may end inside a multi-byte rune; its decoded byte length is still exact.
		n := len(t.enc.Decode([]int{id}))
		end := min(offset+n, len(text))
		spans = append(spans, Span{Start: offset, End: end})
		offset = end
	}
	return spans
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Resolver picks the tokenizer matching an embedding model. Models with no
// known BPE table get the fallback.
type Resolver struct {
	fallback Tokenizer

	mu         sync.Mutex
	byEncoding map[string]Tokenizer
}

func NewResolver(fallback Tokenizer) *Resolver {
	return &Resolver{fallback: fallback, byEncoding: make(map[string]Tokenizer)}
}

func (r *Resolver) ForModel(model string) Tokenizer {
	encoding, ok := EncodingForModel(model)
	if !ok {
		return r.fallback
	}
	if t, ok := r.fallback.(*TiktokenTokenizer); ok && t.encoding == encoding {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byEncoding[encoding]; ok {
		return t
	}
	t, err := NewTiktokenEncoding(encoding)
	if err != nil {
		return r.fallback
	}
	r.byEncoding[encoding] = t
	return t
}

// alignForward moves off to the next rune start so slices stay valid UTF-8.
func alignForward(text string, off int) int {
	for off < len(text) && !utf8.RuneStart(text[off]) {
		off++
	}
	return off
}
