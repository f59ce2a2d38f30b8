package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrLegacyWorkbook is returned for binary .xls workbooks, which excelize
// cannot read.
var ErrLegacyWorkbook = errors.New("legacy .xls workbooks are not supported, save the file as .xlsx")

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Spreadsheet parses xlsx workbooks, one Table per sheet.
type Spreadsheet struct{}

func (p *Spreadsheet) Name() string { return "spreadsheet" }

// CanHandle accepts spreadsheet names and types, except content that is
// neither a zip nor an OLE container, such as CSV text sent with an Excel
// mime type.
func (p *Spreadsheet) CanHandle(in Input) bool {
	if !IsSpreadsheet(in.MimeType, in.Filename) {
		return false
	}
	if len(in.Data) == 0 || in.Ext() == ".xlsx" || in.Ext() == ".xls" {
		return true
	}
	return bytes.HasPrefix(in.Data, zipMagic) || bytes.HasPrefix(in.Data, oleMagic)
}

func (p *Spreadsheet) Parse(ctx context.Context, in Input) (*Result, error) {
	if in.Ext() == ".xls" || bytes.HasPrefix(in.Data, oleMagic) {
		return nil, ErrLegacyWorkbook
	}
	tables, err := ReadSheets(in.Data)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&text, "## %s\n", t.Title)
		for _, row := range t.Rows {
			text.WriteString(strings.Join(row, " | "))
			text.WriteByte('\n')
		}
		text.WriteByte('\n')
	}
	return &Result{
		Text:     strings.TrimSpace(text.String()),
		Metadata: map[string]any{"sheet_count": len(tables)},
		Tables:   tables,
	}, nil
}

// ReadSheets reads every sheet of an xlsx workbook. All-empty rows are
// dropped and the remaining rows are padded to the widest row of the sheet.
func ReadSheets(data []byte) ([]Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	var tables []Table
	for _, name := range f.GetSheetList() {
		raw, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %q: %w", name, err)
		}
		width := 0
		for _, row := range raw {
			width = max(width, len(row))
		}
		rows := make([][]string, 0, len(raw))
		for _, row := range raw {
			cells := make([]string, width)
			empty := true
			for c := range row {
				cells[c] = strings.TrimSpace(row[c])
				if cells[c] != "" {
					empty = false
				}
			}
			if empty {
				continue
			}
			rows = append(rows, cells)
		}
		tables = append(tables, Table{Title: name, Rows: rows})
	}
	return tables, nil
}
