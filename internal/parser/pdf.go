package parser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

type PDF struct{}

func (p *PDF) Name() string { return "pdf" }

func (p *PDF) CanHandle(in Input) bool {
	return strings.Contains(strings.ToLower(in.MimeType), "pdf") || in.Ext() == ".pdf"
}

func (p *PDF) Parse(ctx context.Context, in Input) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var pages []string
	n := reader.NumPage()
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(make(map[string]*pdf.Font))
		if err != nil {
			slog.Default().Warn("skipping unreadable pdf page", "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return &Result{
		Text:     strings.Join(pages, "\n\n"),
		Metadata: map[string]any{"page_count": n},
	}, nil
}
