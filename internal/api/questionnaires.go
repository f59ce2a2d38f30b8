package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/attest/internal/questionnaire"
	"github.com/kalambet/attest/internal/storage"
)

type createQuestionnaireRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	DueDate     string `json:"due_date"`
	OwnerUserID string `json:"owner_user_id"`
}

func handleCreateQuestionnaire(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createQuestionnaireRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		q, err := deps.Questionnaires.Create(r.Context(), tenantID(r), userID(r), questionnaire.CreateInput{
			Name:        req.Name,
			Type:        storage.QuestionnaireType(req.Type),
			DueDate:     req.DueDate,
			OwnerUserID: req.OwnerUserID,
		})
		if err != nil {
			serviceError(w, r, "questionnaire", err)
			return
		}
		writeJSON(w, http.StatusCreated, toQuestionnaire(q))
	}
}

func handleListQuestionnaires(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.QuestionnaireStatus(r.URL.Query().Get("status"))
		qs, err := deps.Questionnaires.List(r.Context(), tenantID(r), status)
		if err != nil {
			serviceError(w, r, "questionnaires", err)
			return
		}
		out := make([]questionnaireDTO, len(qs))
		for i, q := range qs {
			out[i] = toQuestionnaire(q)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetQuestionnaire(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Questionnaires.Get(r.Context(), tenantID(r), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, "questionnaire", err)
			return
		}
		writeJSON(w, http.StatusOK, toQuestionnaire(q))
	}
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Questionnaires.Items(r.Context(), tenantID(r), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, "questionnaire", err)
			return
		}
		out := make([]itemDTO, len(items))
		for i, it := range items {
			out[i] = toItem(it)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type createItemRequest struct {
	QuestionText string `json:"question_text"`
	ResponseType string `json:"response_type"`
}

func handleCreateItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createItemRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		it, err := deps.Questionnaires.CreateItem(r.Context(), tenantID(r), chi.URLParam(r, "id"), req.QuestionText, req.ResponseType)
		if err != nil {
			serviceError(w, r, "questionnaire", err)
			return
		}
		writeJSON(w, http.StatusCreated, toItem(it))
	}
}

func handleSuggestItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sg, err := deps.Questionnaires.SuggestAnswer(r.Context(), tenantID(r), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
		if err != nil {
			serviceError(w, r, "item", err)
			return
		}
		writeJSON(w, http.StatusOK, toSuggestion(sg))
	}
}

type saveResponseRequest struct {
	AnswerText  string `json:"answer_text"`
	Explanation string `json:"explanation"`
	Status      string `json:"status"`
}

func handleSaveResponse(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveResponseRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := deps.Questionnaires.SaveResponse(r.Context(), tenantID(r), userID(r),
			chi.URLParam(r, "id"), chi.URLParam(r, "itemID"), questionnaire.ResponseInput{
				AnswerText:  req.AnswerText,
				Explanation: req.Explanation,
				Status:      storage.ResponseStatus(req.Status),
			})
		if err != nil {
			serviceError(w, r, "item", err)
			return
		}
		writeJSON(w, http.StatusCreated, toResponse(resp))
	}
}

type completeRequest struct {
	ImportToLibrary bool `json:"import_to_library"`
}

func handleComplete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		n, err := deps.Questionnaires.Complete(r.Context(), tenantID(r), userID(r), chi.URLParam(r, "id"), req.ImportToLibrary)
		if err != nil {
			serviceError(w, r, "questionnaire", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": string(storage.QuestionnaireCompleted), "imported": n})
	}
}

// readSpreadsheet returns the "file" part of a multipart request.
func readSpreadsheet(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
		return nil, false
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
		return nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
		return nil, false
	}
	return data, true
}

func handlePreviewSpreadsheet(w http.ResponseWriter, r *http.Request) {
	data, ok := readSpreadsheet(w, r)
	if !ok {
		return
	}
	p, err := questionnaire.PreviewSpreadsheet(data)
	if err != nil {
		serviceError(w, r, "spreadsheet", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleImportSpreadsheet expects a multipart "file" and a "mapping" field
// holding a JSON object from column index to role, e.g. {"0":"QUESTION"}.
func handleImportSpreadsheet(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, ok := readSpreadsheet(w, r)
		if !ok {
			return
		}
		var raw map[string]string
		if err := json.Unmarshal([]byte(r.FormValue("mapping")), &raw); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mapping must be a JSON object: %v", err)
			return
		}
		mapping := make(map[int]questionnaire.ColumnRole, len(raw))
		for k, v := range raw {
			col, err := strconv.Atoi(k)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "mapping key %q is not a column index", k)
				return
			}
			mapping[col] = questionnaire.ColumnRole(v)
		}

		n, err := deps.Questionnaires.ImportSpreadsheet(r.Context(), tenantID(r), userID(r), chi.URLParam(r, "id"), data, mapping)
		if err != nil {
			serviceError(w, r, "questionnaire", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
	}
}

type feedbackRequest struct {
	Thumb   string `json:"thumb"`
	Comment string `json:"comment"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		f, err := deps.Questionnaires.SaveFeedback(r.Context(), tenantID(r), userID(r), chi.URLParam(r, "id"),
			storage.Thumb(req.Thumb), req.Comment)
		if err != nil {
			serviceError(w, r, "suggestion", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": f.ID, "thumb": string(f.Thumb)})
	}
}

func handlePendingImports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Questionnaires.PendingImports(r.Context(), tenantID(r))
		if err != nil {
			serviceError(w, r, "library", err)
			return
		}
		limit := parseIntParam(r, "limit", 0, 500)
		items := make([]pendingDTO, 0, len(pending))
		for i, p := range pending {
			if limit > 0 && i >= limit {
				break
			}
			items = append(items, toPending(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(pending), "items": items})
	}
}

type importLibraryRequest struct {
	ResponseIDs []string `json:"response_ids"`
}

func handleImportToLibrary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importLibraryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.ResponseIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "response_ids is required")
			return
		}
		n, err := deps.Questionnaires.ImportToLibrary(r.Context(), tenantID(r), userID(r), req.ResponseIDs)
		if err != nil {
			serviceError(w, r, "library", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
	}
}
