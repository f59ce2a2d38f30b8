// Package parser turns an uploaded file into extracted text, optional table
// data and a rendered HTML view.
package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Input is one uploaded file.
type Input struct {
	Filename string
	MimeType string
	Data     []byte
}

// Ext returns the lower-cased file extension including the dot.
func (in Input) Ext() string {
	return strings.ToLower(filepath.Ext(in.Filename))
}

// Table is one sheet or table of a document, first row being the header.
type Table struct {
	Title string     `json:"title"`
	Rows  [][]string `json:"rows"`
}

// Result is what a parser produced for one file.
type Result struct {
	Text     string
	Metadata map[string]any
	Tables   []Table
	HTML     string
	Parser   string
}

// Parser is implemented by every supported file format.
type Parser interface {
	Name() string
	CanHandle(in Input) bool
	Parse(ctx context.Context, in Input) (*Result, error)
}

// Registry dispatches a file to the first parser that can handle it.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a Registry that tries parsers in the given order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Default returns the local parsers, with the remote extraction service placed
// ahead of everything but spreadsheets when remote is non-nil.
func Default(remote *Remote) *Registry {
	ps := []Parser{&Spreadsheet{}}
	if remote != nil {
		ps = append(ps, remote)
	}
	ps = append(ps, &PDF{}, &HTML{}, &CSV{}, &Text{})
	return NewRegistry(ps...)
}

// Parse runs the selected parser and fills in the rendered view when the
// parser did not produce one.
func (r *Registry) Parse(ctx context.Context, in Input) (*Result, error) {
	p, err := r.selectParser(in)
	if err != nil {
		return nil, err
	}
	res, err := p.Parse(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("parser %q failed: %w", p.Name(), err)
	}
	res.Parser = p.Name()
	if res.HTML == "" {
		html, err := Render(in.Filename, res)
		if err != nil {
			return nil, fmt.Errorf("rendering %s: %w", in.Filename, err)
		}
		res.HTML = html
	}
	return res, nil
}

func (r *Registry) selectParser(in Input) (Parser, error) {
	for _, p := range r.parsers {
		if p.CanHandle(in) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unsupported format: no parser for %q (%s)", in.Filename, in.MimeType)
}

// Names returns the registered parser names in dispatch order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		names[i] = p.Name()
	}
	return names
}

// Structured is the PARSED_JSON artifact layout.
type Structured struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tables   []Table        `json:"tables"`
}

// StructuredJSON encodes a result as the PARSED_JSON artifact.
func StructuredJSON(res *Result) ([]byte, error) {
	tables := res.Tables
	if tables == nil {
		tables = []Table{}
	}
	return json.Marshal(Structured{Content: res.Text, Metadata: res.Metadata, Tables: tables})
}

// IsSpreadsheet reports whether a file should go through the spreadsheet
// parser. A .csv name wins over an Excel mime type, which some browsers send
// for CSV uploads.
func IsSpreadsheet(mimeType, filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv":
		return false
	case ".xlsx", ".xls":
		return true
	}
	m := strings.ToLower(mimeType)
	return strings.Contains(m, "spreadsheetml") || strings.Contains(m, "vnd.ms-excel") || strings.Contains(m, "x-excel")
}
