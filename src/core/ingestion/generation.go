package ingestion

import (
	"encoding/hex"
	"encoding/json"

	"github.com/go-crypt/x/blake2b"

	"webrag/src/core/knowledge"
)

// Generation fingerprints a document snapshot. Identical content always
// yields the same id, so re-ingesting an unchanged page writes the same
// generation onto its chunks.
func Generation(doc knowledge.Document) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(doc.Text))
	for _, t := range doc.Tables {
		b, _ := json.Marshal(t)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
