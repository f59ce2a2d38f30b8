package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/attest/internal/documents"
	"github.com/kalambet/attest/internal/questionnaire"
	"github.com/kalambet/attest/internal/retrieval"
	"github.com/kalambet/attest/internal/storage"
)

type documentDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func toDocument(d storage.Document) documentDTO {
	return documentDTO{ID: d.ID, Title: d.Title, Type: string(d.Type), Source: d.Source, CreatedBy: d.CreatedBy, CreatedAt: d.CreatedAt}
}

type versionDTO struct {
	ID               string        `json:"id"`
	DocumentID       string        `json:"document_id"`
	VersionNum       int           `json:"version_num"`
	Status           string        `json:"status"`
	OriginalFilename string        `json:"original_filename"`
	MimeType         string        `json:"mime_type"`
	SizeBytes        int64         `json:"size_bytes"`
	Checksum         string        `json:"checksum,omitempty"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Artifacts        []artifactDTO `json:"artifacts,omitempty"`
	Jobs             []jobDTO      `json:"jobs,omitempty"`
}

func toVersion(v storage.DocumentVersion) versionDTO {
	return versionDTO{
		ID:               v.ID,
		DocumentID:       v.DocumentID,
		VersionNum:       v.VersionNum,
		Status:           string(v.Status),
		OriginalFilename: v.OriginalFilename,
		MimeType:         v.MimeType,
		SizeBytes:        v.SizeBytes,
		Checksum:         v.Checksum,
		CreatedBy:        v.CreatedBy,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
}

func toVersionView(view documents.VersionView) versionDTO {
	out := toVersion(view.Version)
	for _, a := range view.Artifacts {
		out.Artifacts = append(out.Artifacts, artifactDTO{Kind: string(a.Kind), ContentType: a.ContentType, SizeBytes: a.SizeBytes})
	}
	for _, j := range view.Jobs {
		out.Jobs = append(out.Jobs, toJob(j))
	}
	return out
}

type artifactDTO struct {
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type jobDTO struct {
	ID           string    `json:"id"`
	Stage        string    `json:"stage"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toJob(j storage.Job) jobDTO {
	return jobDTO{ID: j.ID, Stage: string(j.Stage), Status: string(j.Status), Attempt: j.Attempt,
		ErrorCode: j.ErrorCode, ErrorMessage: j.ErrorMessage, UpdatedAt: j.UpdatedAt}
}

type questionnaireDTO struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Type                    string    `json:"type"`
	Status                  string    `json:"status"`
	ProgressPercent         int       `json:"progress_percent"`
	DueDate                 string    `json:"due_date,omitempty"`
	OwnerUserID             string    `json:"owner_user_id,omitempty"`
	SourceDocumentVersionID string    `json:"source_document_version_id,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func toQuestionnaire(q storage.Questionnaire) questionnaireDTO {
	return questionnaireDTO{
		ID:                      q.ID,
		Name:                    q.Name,
		Type:                    string(q.Type),
		Status:                  string(q.Status),
		ProgressPercent:         q.ProgressPercent,
		DueDate:                 q.DueDate,
		OwnerUserID:             q.OwnerUserID,
		SourceDocumentVersionID: q.SourceDocumentVersionID,
		CreatedAt:               q.CreatedAt,
		UpdatedAt:               q.UpdatedAt,
	}
}

type itemDTO struct {
	ID             string          `json:"id"`
	Index          int             `json:"index"`
	QuestionText   string          `json:"question_text"`
	ResponseType   string          `json:"response_type"`
	State          string          `json:"state"`
	SourceLocation json.RawMessage `json:"source_location"`
}

func toItem(it storage.QuestionnaireItem) itemDTO {
	loc := json.RawMessage(it.SourceLocation)
	if !json.Valid(loc) {
		loc = json.RawMessage("{}")
	}
	return itemDTO{ID: it.ID, Index: it.Index, QuestionText: it.QuestionText, ResponseType: it.ResponseType,
		State: string(it.State), SourceLocation: loc}
}

type suggestionDTO struct {
	ID         string   `json:"id"`
	ItemID     string   `json:"item_id"`
	Answer     string   `json:"answer"`
	Citations  []string `json:"citations"`
	Confidence float64  `json:"confidence"`
	Coverage   string   `json:"coverage"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
}

func toSuggestion(sg storage.Suggestion) suggestionDTO {
	citations := sg.Citations
	if citations == nil {
		citations = []string{}
	}
	return suggestionDTO{ID: sg.ID, ItemID: sg.ItemID, Answer: sg.AnswerText, Citations: citations,
		Confidence: sg.Confidence, Coverage: string(sg.Coverage), Provider: sg.Provider, Model: sg.Model}
}

type responseDTO struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"item_id"`
	AnswerText  string     `json:"answer_text"`
	Explanation string     `json:"explanation,omitempty"`
	Status      string     `json:"status"`
	CreatedBy   string     `json:"created_by"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

func toResponse(r storage.Response) responseDTO {
	out := responseDTO{ID: r.ID, ItemID: r.ItemID, AnswerText: r.AnswerText, Explanation: r.Explanation,
		Status: string(r.Status), CreatedBy: r.CreatedBy, ApprovedBy: r.ApprovedBy}
	if !r.ApprovedAt.IsZero() {
		t := r.ApprovedAt
		out.ApprovedAt = &t
	}
	return out
}

type pendingDTO struct {
	ResponseID        string `json:"response_id"`
	ItemID            string `json:"item_id"`
	QuestionText      string `json:"question_text"`
	AnswerText        string `json:"answer_text"`
	Explanation       string `json:"explanation,omitempty"`
	QuestionnaireName string `json:"questionnaire_name"`
}

func toPending(p questionnaire.PendingAnswer) pendingDTO {
	return pendingDTO(p)
}

func toHits(hits []retrieval.Hit) []hitDTO {
	out := make([]hitDTO, len(hits))
	for i, h := range hits {
		out[i] = hitDTO{ChunkID: h.ChunkID, DocumentID: h.DocumentID, DocumentVersionID: h.DocumentVersionID, Text: h.Text, Score: h.Score}
	}
	return out
}
