package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Text handles plain text and markdown, and any other file whose bytes are
// valid UTF-8.
type Text struct{}

func (p *Text) Name() string { return "text" }

func (p *Text) CanHandle(in Input) bool {
	m := strings.ToLower(in.MimeType)
	switch {
	case strings.HasPrefix(m, "text/"):
		return true
	case in.Ext() == ".txt" || in.Ext() == ".md" || in.Ext() == ".markdown":
		return true
	}
	return utf8.Valid(in.Data)
}

func (p *Text) Parse(ctx context.Context, in Input) (*Result, error) {
	if !utf8.Valid(in.Data) {
		return nil, errors.New("file is not valid UTF-8 text")
	}
	text := strings.ReplaceAll(string(in.Data), "\r\n", "\n")
	return &Result{Text: strings.TrimSpace(text)}, nil
}

// CSV reads comma-separated files as a single table.
type CSV struct{}

func (p *CSV) Name() string { return "csv" }

func (p *CSV) CanHandle(in Input) bool {
	return strings.Contains(strings.ToLower(in.MimeType), "csv") || in.Ext() == ".csv"
}

func (p *CSV) Parse(ctx context.Context, in Input) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(in.Data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}

	width := 0
	for _, rec := range records {
		width = max(width, len(rec))
	}
	var rows [][]string
	var text strings.Builder
	for _, rec := range records {
		cells := make([]string, width)
		empty := true
		for i, v := range rec {
			cells[i] = strings.TrimSpace(v)
			if cells[i] != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		rows = append(rows, cells)
		text.WriteString(strings.Join(cells, " | "))
		text.WriteByte('\n')
	}
	title := strings.TrimSuffix(in.Filename, in.Ext())
	if title == "" {
		title = "Sheet 1"
	}
	return &Result{
		Text:   strings.TrimSpace(text.String()),
		Tables: []Table{{Title: title, Rows: rows}},
	}, nil
}
