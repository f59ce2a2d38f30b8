package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, sheets map[string][][]any, order ...string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, name := range order {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", name))
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		for r, row := range sheets[name] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(name, cell, &row))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestReadSheetsDropsEmptyRowsAndPads(t *testing.T) {
	data := workbook(t, map[string][][]any{
		"Security": {
			{"Question", "Answer", "Notes"},
			{"", "", ""},
			{"Do you encrypt data?", "Yes"},
		},
		"Empty": {},
	}, "Security", "Empty")

	tables, err := ReadSheets(data)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.Equal(t, "Security", tables[0].Title)
	assert.Equal(t, [][]string{
		{"Question", "Answer", "Notes"},
		{"Do you encrypt data?", "Yes", ""},
	}, tables[0].Rows)
	assert.Empty(t, tables[1].Rows)
}

func TestRegistrySpreadsheetProducesTablesAndTabs(t *testing.T) {
	data := workbook(t, map[string][][]any{
		"Controls": {{"Control", "Response"}, {"MFA <enforced>", "Yes"}},
	}, "Controls")

	res, err := Default(nil).Parse(context.Background(), Input{
		Filename: "vendor.xlsx",
		MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Data:     data,
	})
	require.NoError(t, err)
	assert.Equal(t, "spreadsheet", res.Parser)
	require.Len(t, res.Tables, 1)
	assert.Contains(t, res.Text, "MFA <enforced> | Yes")
	assert.Contains(t, res.HTML, `id="sheet-0"`)
	assert.Contains(t, res.HTML, "MFA &lt;enforced&gt;")

	raw, err := StructuredJSON(res)
	require.NoError(t, err)
	var s Structured
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, "Controls", s.Tables[0].Title)
	assert.Equal(t, []string{"MFA <enforced>", "Yes"}, s.Tables[0].Rows[1])
}

func TestRegistrySelectsByTypeAndExtension(t *testing.T) {
	r := Default(nil)
	cases := []struct {
		in   Input
		want string
	}{
		{Input{Filename: "a.pdf"}, "pdf"},
		{Input{Filename: "x", MimeType: "application/pdf"}, "pdf"},
		{Input{Filename: "page.html", Data: []byte("<p>x</p>")}, "html"},
		{Input{Filename: "list.csv", Data: []byte("a,b")}, "csv"},
		{Input{Filename: "notes.md", Data: []byte("# hi")}, "text"},
		{Input{Filename: "book.xlsx"}, "spreadsheet"},
	}
	for _, tc := range cases {
		p, err := r.selectParser(tc.in)
		require.NoError(t, err, tc.in.Filename)
		assert.Equal(t, tc.want, p.Name(), tc.in.Filename)
	}

	_, err := r.selectParser(Input{Filename: "blob.bin", Data: []byte{0xff, 0xfe, 0x00, 0x81}})
	assert.Error(t, err)
}

func TestHTMLParserExtractsParagraphs(t *testing.T) {
	page := `<html><head><title>Policy</title><style>p{}</style></head><body>
		<h1>Access Control</h1><p>All access   is reviewed quarterly.</p>
		<script>var x = 1;</script><p>MFA is required.</p></body></html>`
	res, err := (&HTML{}).Parse(context.Background(), Input{Data: []byte(page)})
	require.NoError(t, err)
	assert.Equal(t, "Access Control\n\nAll access is reviewed quarterly.\n\nMFA is required.", res.Text)
	assert.Equal(t, "Policy", res.Metadata["title"])
}

func TestCSVParser(t *testing.T) {
	res, err := (&CSV{}).Parse(context.Background(), Input{Filename: "q.csv", Data: []byte("Question,Answer\n,\nIs data encrypted?,Yes\n")})
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "q", res.Tables[0].Title)
	assert.Equal(t, [][]string{{"Question", "Answer"}, {"Is data encrypted?", "Yes"}}, res.Tables[0].Rows)
}

func TestTextRenderEscapes(t *testing.T) {
	res, err := Default(nil).Parse(context.Background(), Input{Filename: "a.txt", Data: []byte("a < b\r\n\r\nc")})
	require.NoError(t, err)
	assert.Equal(t, "a < b\n\nc", res.Text)
	assert.Contains(t, res.HTML, "<pre>a &lt; b")
}

func TestRemoteParser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		file, hdr, err := r.FormFile("files")
		if !assert.NoError(t, err) {
			return
		}
		b, _ := io.ReadAll(file)
		assert.Equal(t, "report.docx", hdr.Filename)
		assert.Equal(t, "binary", string(b))
		fmt.Fprint(w, `[{"content":"Extracted body","metadata":{"pages":2},"tables":[{"title":null,"rows":[["h1","h2"],[1,null]]}]}]`)
	}))
	defer srv.Close()

	r := Default(NewRemote(srv.URL + "/"))
	res, err := r.Parse(context.Background(), Input{Filename: "report.docx", MimeType: "application/msword", Data: []byte("binary")})
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Parser)
	assert.Equal(t, "Extracted body", res.Text)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "Sheet 1", res.Tables[0].Title)
	assert.Equal(t, []string{"1", ""}, res.Tables[0].Rows[1])
}

func TestRemoteParserErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL).Parse(context.Background(), Input{Filename: "a.pdf", Data: []byte("x")})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "502"))
}

func TestIsSpreadsheet(t *testing.T) {
	assert.True(t, IsSpreadsheet("application/vnd.ms-excel", "a"))
	assert.True(t, IsSpreadsheet("application/x-excel", "a"))
	assert.True(t, IsSpreadsheet("", "Q.XLSX"))
	assert.False(t, IsSpreadsheet("text/csv", "a.csv"))
	assert.False(t, IsSpreadsheet("application/vnd.ms-excel", "export.CSV"))
	assert.True(t, IsSpreadsheet("application/octet-stream", "legacy.xls"))
}

func TestRegistryExcelMimeTypeWithCSVContent(t *testing.T) {
	r := Default(nil)
	data := []byte("Question,Answer\nIs data encrypted?,Yes\n")

	res, err := r.Parse(context.Background(), Input{Filename: "vendor.csv", MimeType: "application/vnd.ms-excel", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "csv", res.Parser)
	require.Len(t, res.Tables, 1)

	p, err := r.selectParser(Input{Filename: "vendor", MimeType: "application/vnd.ms-excel", Data: data})
	require.NoError(t, err)
	assert.NotEqual(t, "spreadsheet", p.Name())
}

func TestRegistryRejectsLegacyWorkbook(t *testing.T) {
	r := Default(nil)
	ole := []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00, 0x00}

	_, err := r.Parse(context.Background(), Input{Filename: "answers.xls", MimeType: "application/vnd.ms-excel", Data: ole})
	assert.ErrorIs(t, err, ErrLegacyWorkbook)
	_, err = r.Parse(context.Background(), Input{Filename: "answers", MimeType: "application/vnd.ms-excel", Data: ole})
	assert.ErrorIs(t, err, ErrLegacyWorkbook)
}
