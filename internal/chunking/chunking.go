// Package chunking splits a document version's extracted content into
// bounded fragments for embedding and citation.
package chunking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the fragment budget in characters.
const DefaultMaxChars = 2000

var (
	paragraphBreak = regexp.MustCompile(`\n\n+`)
	categoryHeader = regexp.MustCompile(`category|section|domain|group`)
)

// Chunk is one fragment with its dense zero-based index and JSON metadata.
type Chunk struct {
	Index    int
	Text     string
	Metadata string
}

// Chunker produces fragments no longer than MaxChars characters, except for
// single table rows that alone exceed the budget.
type Chunker struct {
	MaxChars int
	logger   *slog.Logger
}

// New creates a Chunker. A non-positive maxChars selects DefaultMaxChars.
func New(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chunker{MaxChars: maxChars, logger: slog.Default()}
}

// Chunk prefers table rows from parsedJSON and falls back to paragraphs of
// text when there is no structured data or no table qualifies. Blank input
// yields no chunks.
func (c *Chunker) Chunk(text string, parsedJSON []byte) []Chunk {
	if len(parsedJSON) > 0 {
		if chunks := c.chunkTables(parsedJSON); len(chunks) > 0 {
			return chunks
		}
	}
	return c.chunkPlainText(text)
}

type structured struct {
	Tables []struct {
		Title *string `json:"title"`
		Rows  [][]any `json:"rows"`
	} `json:"tables"`
}

type tableMeta struct {
	ChunkIndex int    `json:"chunkIndex"`
	Sheet      string `json:"sheet"`
	SheetIndex int    `json:"sheetIndex"`
	StartRow   int    `json:"startRow"`
	EndRow     int    `json:"endRow"`
	Category   string `json:"category,omitempty"`
	Type       string `json:"type"`
}

type plainMeta struct {
	ChunkIndex int    `json:"chunkIndex"`
	Type       string `json:"type"`
}

func (c *Chunker) chunkTables(parsedJSON []byte) []Chunk {
	var doc structured
	if err := json.Unmarshal(parsedJSON, &doc); err != nil {
		c.logger.Warn("structured data unreadable, falling back to plain text", "error", err)
		return nil
	}

	var chunks []Chunk
	for t, table := range doc.Tables {
		sheet := fmt.Sprintf("Sheet %d", t+1)
		if table.Title != nil && *table.Title != "" {
			sheet = *table.Title
		}
		if len(table.Rows) < 2 {
			continue
		}

		headers := make([]string, len(table.Rows[0]))
		for i, h := range table.Rows[0] {
			headers[i] = cellString(h)
		}

		var buf strings.Builder
		startRow := 1
		lastCategory, bufCategory := "", ""
		flush := func(endRow int) {
			meta, _ := json.Marshal(tableMeta{
				ChunkIndex: len(chunks),
				Sheet:      sheet,
				SheetIndex: t,
				StartRow:   startRow,
				EndRow:     endRow,
				Category:   bufCategory,
				Type:       "structured_table",
			})
			chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.TrimSpace(buf.String()), Metadata: string(meta)})
			buf.Reset()
		}

		for r := 1; r < len(table.Rows); r++ {
			row := table.Rows[r]
			var rowText strings.Builder
			category := ""
			for col := 0; col < min(len(row), len(headers)); col++ {
				val := cellString(row[col])
				if val == "" {
					continue
				}
				header := headers[col]
				if header == "" {
					header = fmt.Sprintf("Col%d", col)
				}
				if categoryHeader.MatchString(strings.ToLower(header)) {
					category = val
				}
				rowText.WriteString(header + ": " + val + "\n")
			}
			if category != "" {
				lastCategory = category
			}
			if rowText.Len() == 0 {
				continue
			}

			line := "[" + sheet + "]"
			if lastCategory != "" {
				line += " [" + lastCategory + "]"
			}
			line += fmt.Sprintf(" Row %d\n", r) + rowText.String() + "\n"

			if buf.Len() > 0 && utf8.RuneCountInString(buf.String())+utf8.RuneCountInString(line) > c.MaxChars {
				flush(r - 1)
				startRow = r
			}
			buf.WriteString(line)
			bufCategory = lastCategory
		}
		if buf.Len() > 0 {
			flush(len(table.Rows) - 1)
		}
	}
	return chunks
}

func (c *Chunker) chunkPlainText(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	var buf strings.Builder
	emit := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		meta, _ := json.Marshal(plainMeta{ChunkIndex: len(chunks), Type: "plain_text"})
		chunks = append(chunks, Chunk{Index: len(chunks), Text: s, Metadata: string(meta)})
	}

	for _, para := range paragraphBreak.Split(text, -1) {
		if buf.Len() > 0 && utf8.RuneCountInString(buf.String())+utf8.RuneCountInString(para) > c.MaxChars {
			emit(buf.String())
			buf.Reset()
		}
		if utf8.RuneCountInString(para) > c.MaxChars {
			pieces := splitLong(para, c.MaxChars)
			for _, p := range pieces[:len(pieces)-1] {
				emit(p)
			}
			para = pieces[len(pieces)-1]
		}
		buf.WriteString(para)
		buf.WriteString("\n\n")
	}
	emit(buf.String())
	return chunks
}

// splitLong cuts s into pieces of at most limit characters, breaking at the
// last whitespace inside the window when there is one.
func splitLong(s string, limit int) []string {
	var pieces []string
	rs := []rune(s)
	for len(rs) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(rs[i]) {
				cut = i
				break
			}
		}
		pieces = append(pieces, string(rs[:cut]))
		rs = rs[cut:]
		for len(rs) > 0 && unicode.IsSpace(rs[0]) {
			rs = rs[1:]
		}
	}
	return append(pieces, string(rs))
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
