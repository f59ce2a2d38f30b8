package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/attest/internal/documents"
	"github.com/kalambet/attest/internal/objectstore"
	"github.com/kalambet/attest/internal/questionnaire"
	"github.com/kalambet/attest/internal/retrieval"
	"github.com/kalambet/attest/internal/storage"
)

const testToken = "test-token"

type testServer struct {
	handler http.Handler
	store   *storage.Store
	answer  *mockAnswerer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	objects, err := objectstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("opening object store: %v", err)
	}
	ans := &mockAnswerer{answer: retrieval.Answer{
		Text:       "Yes, MFA is enforced for all staff.",
		Citations:  []string{"c1"},
		Confidence: 0.7,
		Coverage:   storage.CoverageOK,
	}}
	h := NewHandler(Deps{
		Documents:      documents.NewService(store, objects),
		Questionnaires: questionnaire.NewService(store, ans),
		Answerer:       ans,
		Token:          testToken,
	})
	return &testServer{handler: h, store: store, answer: ans}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "alice")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	return s.do(t, method, path, body, "application/json")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealth_NoAuth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rec, http.StatusOK)
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/documents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			expectStatus(t, rec, tt.want)
		})
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := NewHandler(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/documents", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestDocumentUploadFlow(t *testing.T) {
	s := newTestServer(t)
	content := []byte("All staff must use multi-factor authentication.")
	sum := sha256.Sum256(content)

	rec := s.doJSON(t, http.MethodPost, "/v1/tenants/t1/documents", map[string]string{"title": "Access Policy", "type": "POLICY"})
	expectStatus(t, rec, http.StatusCreated)
	var doc documentDTO
	decodeBody(t, rec, &doc)
	if doc.CreatedBy != "alice" {
		t.Fatalf("expected created_by alice, got %q", doc.CreatedBy)
	}

	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/documents/"+doc.ID+"/versions", map[string]any{
		"filename":   "access.txt",
		"mime_type":  "text/plain",
		"size_bytes": len(content),
		"checksum":   "sha256:" + hex.EncodeToString(sum[:]),
	})
	expectStatus(t, rec, http.StatusCreated)
	var v versionDTO
	decodeBody(t, rec, &v)
	if v.VersionNum != 1 || v.Status != "UPLOADED" {
		t.Fatalf("unexpected version: %+v", v)
	}

	// Completing before content is stored is rejected.
	rec = s.do(t, http.MethodPost, "/v1/tenants/t1/versions/"+v.ID+"/complete", nil, "")
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodPut, "/v1/tenants/t1/versions/"+v.ID+"/content", bytes.NewReader([]byte("tampered")), "application/octet-stream")
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodPut, "/v1/tenants/t1/versions/"+v.ID+"/content", bytes.NewReader(content), "application/octet-stream")
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodPost, "/v1/tenants/t1/versions/"+v.ID+"/complete", nil, "")
	expectStatus(t, rec, http.StatusAccepted)

	rec = s.do(t, http.MethodGet, "/v1/tenants/t1/versions/"+v.ID, nil, "")
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &v)
	if v.Status != "PROCESSING" {
		t.Fatalf("expected PROCESSING, got %s", v.Status)
	}
	if len(v.Jobs) != 1 || v.Jobs[0].Stage != "PARSE" || v.Jobs[0].Status != "PENDING" {
		t.Fatalf("expected one pending PARSE job, got %+v", v.Jobs)
	}

	// Tenant isolation.
	rec = s.do(t, http.MethodGet, "/v1/tenants/t2/versions/"+v.ID, nil, "")
	expectStatus(t, rec, http.StatusNotFound)

	rec = s.do(t, http.MethodGet, "/v1/tenants/t1/versions/"+v.ID+"/artifacts/EXTRACTED_TEXT", nil, "")
	expectStatus(t, rec, http.StatusNotFound)
	rec = s.do(t, http.MethodGet, "/v1/tenants/t1/versions/"+v.ID+"/artifacts/BOGUS", nil, "")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestInternalError_HidesDetail(t *testing.T) {
	s := newTestServer(t)
	s.store.Close()

	rec := s.do(t, http.MethodGet, "/v1/tenants/t1/documents", nil, "")
	expectStatus(t, rec, http.StatusInternalServerError)
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, rec, &env)
	if env.Error.Type != "api_error" {
		t.Errorf("type = %q, want api_error", env.Error.Type)
	}
	if !strings.HasPrefix(env.Error.Message, "failed to handle") || strings.Contains(env.Error.Message, "database") || strings.Contains(env.Error.Message, ":") {
		t.Errorf("message leaks detail: %q", env.Error.Message)
	}
}

func TestCreateDocument_InvalidType(t *testing.T) {
	s := newTestServer(t)
	rec := s.doJSON(t, http.MethodPost, "/v1/tenants/t1/documents", map[string]string{"title": "X", "type": "MEMO"})
	expectStatus(t, rec, http.StatusBadRequest)

	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, rec, &env)
	if env.Error.Type != "invalid_request_error" || env.Error.Message == "" {
		t.Fatalf("unexpected error envelope: %s", rec.Body.String())
	}
}

func TestCreateDocument_MalformedJSON(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/tenants/t1/documents", strings.NewReader("{"), "application/json")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestSuggestAndSearch(t *testing.T) {
	s := newTestServer(t)

	rec := s.doJSON(t, http.MethodPost, "/v1/tenants/t1/suggest", map[string]string{"question": "Do you enforce MFA?"})
	expectStatus(t, rec, http.StatusOK)
	var sr suggestResponse
	decodeBody(t, rec, &sr)
	if sr.Coverage != "OK" || sr.Answer == "" {
		t.Fatalf("unexpected suggest response: %+v", sr)
	}
	if s.answer.tenant != "t1" {
		t.Fatalf("expected tenant t1, got %q", s.answer.tenant)
	}

	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/suggest", map[string]string{"question": ""})
	expectStatus(t, rec, http.StatusBadRequest)

	s.answer.hits = []retrieval.Hit{{ChunkID: "c1", Text: "MFA required", Score: 0.9}}
	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/search", map[string]any{"query": "mfa"})
	expectStatus(t, rec, http.StatusOK)
	var hits []hitDTO
	decodeBody(t, rec, &hits)
	if len(hits) != 1 || s.answer.lastLimit != 5 {
		t.Fatalf("unexpected hits %+v with limit %d", hits, s.answer.lastLimit)
	}
}

func TestQuestionnaireFlow(t *testing.T) {
	s := newTestServer(t)
	base := "/v1/tenants/t1/questionnaires"

	rec := s.doJSON(t, http.MethodPost, base, map[string]string{"name": "Vendor review", "due_date": "2026-12-01"})
	expectStatus(t, rec, http.StatusCreated)
	var q questionnaireDTO
	decodeBody(t, rec, &q)
	if q.Status != "IN_PROGRESS" || q.OwnerUserID != "alice" {
		t.Fatalf("unexpected questionnaire: %+v", q)
	}

	rec = s.doJSON(t, http.MethodPost, base+"/"+q.ID+"/items", map[string]string{"question_text": "Do you enforce MFA?"})
	expectStatus(t, rec, http.StatusCreated)
	var item itemDTO
	decodeBody(t, rec, &item)

	rec = s.do(t, http.MethodPost, base+"/"+q.ID+"/items/"+item.ID+"/suggest", nil, "")
	expectStatus(t, rec, http.StatusOK)
	var sg suggestionDTO
	decodeBody(t, rec, &sg)
	if sg.ItemID != item.ID || sg.Coverage != "OK" {
		t.Fatalf("unexpected suggestion: %+v", sg)
	}

	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/suggestions/"+sg.ID+"/feedback", map[string]string{"thumb": "UP"})
	expectStatus(t, rec, http.StatusCreated)
	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/suggestions/"+sg.ID+"/feedback", map[string]string{"thumb": "SIDEWAYS"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.doJSON(t, http.MethodPost, base+"/"+q.ID+"/items/"+item.ID+"/responses", map[string]string{
		"answer_text": "Yes",
		"status":      "APPROVED",
	})
	expectStatus(t, rec, http.StatusCreated)
	var resp responseDTO
	decodeBody(t, rec, &resp)
	if resp.ApprovedBy != "alice" || resp.ApprovedAt == nil {
		t.Fatalf("expected approval stamped, got %+v", resp)
	}

	rec = s.do(t, http.MethodGet, "/v1/tenants/t1/library/pending", nil, "")
	expectStatus(t, rec, http.StatusOK)
	var pending struct {
		Count int          `json:"count"`
		Items []pendingDTO `json:"items"`
	}
	decodeBody(t, rec, &pending)
	if pending.Count != 1 || pending.Items[0].ResponseID != resp.ID {
		t.Fatalf("unexpected pending imports: %+v", pending)
	}

	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/library/import", map[string]any{"response_ids": []string{resp.ID}})
	expectStatus(t, rec, http.StatusOK)

	rec = s.doJSON(t, http.MethodPost, base+"/"+q.ID+"/complete", map[string]bool{"import_to_library": false})
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodGet, base+"?status=COMPLETED", nil, "")
	expectStatus(t, rec, http.StatusOK)
	var list []questionnaireDTO
	decodeBody(t, rec, &list)
	if len(list) != 1 || list[0].ProgressPercent != 100 {
		t.Fatalf("unexpected completed list: %+v", list)
	}

	rec = s.do(t, http.MethodGet, base+"?status=ARCHIVED", nil, "")
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodGet, "/v1/tenants/t2/questionnaires/"+q.ID, nil, "")
	expectStatus(t, rec, http.StatusNotFound)
}

func spreadsheetForm(t *testing.T, rows [][]any, mapping string) (*bytes.Buffer, string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	data, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("writing workbook: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "questions.xlsx")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(data.Bytes())
	if mapping != "" {
		mw.WriteField("mapping", mapping)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestSpreadsheetPreviewAndImport(t *testing.T) {
	s := newTestServer(t)
	rows := [][]any{
		{"Question", "Answer"},
		{"Do you encrypt data at rest?", "Yes"},
		{"Do you have a DPO?", ""},
	}

	body, ct := spreadsheetForm(t, rows, "")
	rec := s.do(t, http.MethodPost, "/v1/tenants/t1/spreadsheets/preview", body, ct)
	expectStatus(t, rec, http.StatusOK)
	var p questionnaire.Preview
	decodeBody(t, rec, &p)
	if len(p.Columns) != 2 || len(p.Rows) != 2 {
		t.Fatalf("unexpected preview: %+v", p)
	}

	rec = s.doJSON(t, http.MethodPost, "/v1/tenants/t1/questionnaires", map[string]string{"name": "Imported"})
	expectStatus(t, rec, http.StatusCreated)
	var q questionnaireDTO
	decodeBody(t, rec, &q)

	body, ct = spreadsheetForm(t, rows, `{"0":"QUESTION","1":"ANSWER"}`)
	rec = s.do(t, http.MethodPost, "/v1/tenants/t1/questionnaires/"+q.ID+"/import", body, ct)
	expectStatus(t, rec, http.StatusOK)
	var res map[string]int
	decodeBody(t, rec, &res)
	if res["imported"] != 2 {
		t.Fatalf("expected 2 imported, got %v", res)
	}

	rec = s.do(t, http.MethodGet, "/v1/tenants/t1/questionnaires/"+q.ID+"/items", nil, "")
	expectStatus(t, rec, http.StatusOK)
	var items []itemDTO
	decodeBody(t, rec, &items)
	if len(items) != 2 || items[0].State != "DRAFTED" || items[1].State != "UNANSWERED" {
		t.Fatalf("unexpected items: %+v", items)
	}

	body, ct = spreadsheetForm(t, rows, `{"zero":"QUESTION"}`)
	rec = s.do(t, http.MethodPost, "/v1/tenants/t1/questionnaires/"+q.ID+"/import", body, ct)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodPost, "/v1/tenants/t1/spreadsheets/preview", strings.NewReader("not multipart"), "text/plain")
	expectStatus(t, rec, http.StatusBadRequest)
}
