package chunking

import (
	"encoding/json"
	"iter"
	"strconv"
	"strings"

	"webrag/src/core/knowledge"
)

// tableWindows serializes a table as one compact JSON object per row, grouped
// under a "table:" header line until the chunk size is reached. A row too
// large for one chunk on its own is windowed like plain text.
func (c *Chunker) tableWindows(table knowledge.Table) iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		header := "table: " + table.Name
		if table.Name == "" {
			header = "table:"
		}
		headerTokens := c.tokenizer.Count(header)

		var b strings.Builder
		tokens := 0
		rows := 0
		flush := func() bool {
			if rows == 0 {
				return true
			}
			ok := yield(header+"\n"+b.String(), headerTokens+tokens)
			b.Reset()
			tokens, rows = 0, 0
			return ok
		}

		for _, row := range table.Rows {
			line := rowJSON(table.Columns, row)
			lineTokens := c.tokenizer.Count(line)

			if headerTokens+lineTokens > c.size {
				if !flush() {
					return
				}
				for text, n := range c.windows(line) {
					if !yield(text, n) {
						return
					}
				}
				continue
			}

			if headerTokens+tokens+lineTokens > c.size {
				if !flush() {
					return
				}
			}
			if rows > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(line)
			tokens += lineTokens
			rows++
		}
		flush()
	}
}

// rowJSON keeps column order, which encoding a map would not.
// Cells without a column name are keyed by position.
func rowJSON(columns []string, row []string) string {
	var b strings.Builder
	b.WriteByte('{')
	written := 0
	for i, cell := range row {
		if cell == "" {
			continue
		}
		name := ""
		if i < len(columns) {
			name = columns[i]
		}
		if name == "" {
			name = "col" + strconv.Itoa(i)
		}
		if written > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		val, _ := json.Marshal(cell)
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
		written++
	}
	b.WriteByte('}')
	return b.String()
}
