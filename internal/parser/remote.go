package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Remote sends files to an external extraction service
// (multipart POST {baseURL}/extract).
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemote creates a client for the extraction service at baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *Remote) Name() string { return "remote" }

func (p *Remote) CanHandle(in Input) bool { return true }

type remoteTable struct {
	Title *string `json:"title"`
	Rows  [][]any `json:"rows"`
}

type remoteResult struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Tables   []remoteTable  `json:"tables"`
}

func (p *Remote) Parse(ctx context.Context, in Input) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, in.Filename))
	mime := in.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("creating multipart part: %w", err)
	}
	if _, err := part.Write(in.Data); err != nil {
		return nil, fmt.Errorf("writing multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/extract", &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction service request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// The service answers with either one result or an array of them.
	var rr remoteResult
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var all []remoteResult
		if err := json.Unmarshal(trimmed, &all); err != nil {
			return nil, fmt.Errorf("decoding extraction response: %w", err)
		}
		if len(all) > 0 {
			rr = all[0]
		}
	} else if err := json.Unmarshal(trimmed, &rr); err != nil {
		return nil, fmt.Errorf("decoding extraction response: %w", err)
	}

	res := &Result{Text: rr.Content, Metadata: rr.Metadata}
	for i, t := range rr.Tables {
		title := fmt.Sprintf("Sheet %d", i+1)
		if t.Title != nil {
			title = *t.Title
		}
		rows := make([][]string, len(t.Rows))
		for r, row := range t.Rows {
			cells := make([]string, len(row))
			for c, v := range row {
				if v != nil {
					cells[c] = fmt.Sprint(v)
				}
			}
			rows[r] = cells
		}
		res.Tables = append(res.Tables, Table{Title: title, Rows: rows})
	}
	return res, nil
}
