package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/attest/internal/documents"
	"github.com/kalambet/attest/internal/retrieval"
	"github.com/kalambet/attest/internal/storage"
)

type createDocumentRequest struct {
	Title  string `json:"title"`
	Type   string `json:"type"`
	Source string `json:"source"`
}

func handleCreateDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDocumentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		doc, err := deps.Documents.CreateDocument(r.Context(), tenantID(r), userID(r), req.Title, storage.DocumentType(req.Type), req.Source)
		if err != nil {
			serviceError(w, r, "document", err)
			return
		}
		writeJSON(w, http.StatusCreated, toDocument(doc))
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Documents.ListDocuments(r.Context(), tenantID(r))
		if err != nil {
			serviceError(w, r, "documents", err)
			return
		}
		out := make([]documentDTO, len(docs))
		for i, d := range docs {
			out[i] = toDocument(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type createVersionRequest struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

func handleCreateVersion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createVersionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		v, err := deps.Documents.CreateVersion(r.Context(), tenantID(r), userID(r), chi.URLParam(r, "id"), documents.VersionInput{
			Filename:  req.Filename,
			MimeType:  req.MimeType,
			SizeBytes: req.SizeBytes,
			Checksum:  req.Checksum,
		})
		if err != nil {
			serviceError(w, r, "document", err)
			return
		}
		writeJSON(w, http.StatusCreated, toVersion(v))
	}
}

func handlePutContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		if err := deps.Documents.PutOriginal(r.Context(), tenantID(r), chi.URLParam(r, "id"), data); err != nil {
			serviceError(w, r, "version", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "stored", "size_bytes": len(data)})
	}
}

func handleCompleteUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Documents.CompleteUpload(r.Context(), tenantID(r), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, "version", err)
			return
		}
		writeJSON(w, http.StatusAccepted, toVersion(v))
	}
}

func handleGetVersion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Documents.GetVersion(r.Context(), tenantID(r), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, "version", err)
			return
		}
		writeJSON(w, http.StatusOK, toVersionView(view))
	}
}

func handleGetArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := storage.ArtifactKind(chi.URLParam(r, "kind"))
		data, contentType, err := deps.Documents.ArtifactContent(r.Context(), tenantID(r), chi.URLParam(r, "id"), kind)
		if err != nil {
			serviceError(w, r, "artifact", err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

type suggestRequest struct {
	Question string `json:"question"`
}

type suggestResponse struct {
	Answer     string   `json:"answer"`
	Citations  []string `json:"citations"`
	Confidence float64  `json:"confidence"`
	Coverage   string   `json:"coverage"`
}

func handleSuggest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req suggestRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		ans, err := deps.Answerer.Suggest(r.Context(), tenantID(r), req.Question)
		if err != nil {
			serviceError(w, r, "suggestion", err)
			return
		}
		writeJSON(w, http.StatusOK, toSuggestResponse(ans))
	}
}

func toSuggestResponse(ans retrieval.Answer) suggestResponse {
	citations := ans.Citations
	if citations == nil {
		citations = []string{}
	}
	return suggestResponse{
		Answer:     ans.Text,
		Citations:  citations,
		Confidence: ans.Confidence,
		Coverage:   string(ans.Coverage),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type hitDTO struct {
	ChunkID           string  `json:"chunk_id"`
	DocumentID        string  `json:"document_id"`
	DocumentVersionID string  `json:"document_version_id"`
	Text              string  `json:"text"`
	Score             float64 `json:"score"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		hits, err := deps.Answerer.Search(r.Context(), tenantID(r), req.Query, clampLimit(req.Limit))
		if err != nil {
			serviceError(w, r, "search", err)
			return
		}
		writeJSON(w, http.StatusOK, toHits(hits))
	}
}

func clampLimit(n int) int {
	if n <= 0 {
		return 5
	}
	return min(n, 50)
}
