package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or belongs
// to another tenant. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("not found")

// ErrJobActive is returned when a PENDING or RUNNING job already exists for
// the same document version and stage.
var ErrJobActive = errors.New("job already active for version and stage")

// ErrLockLost is returned when a job transition is attempted by a worker that
// no longer owns the claim.
var ErrLockLost = errors.New("job lock lost")

// ErrVersionState is returned when processing is requested for a version that
// has already left UPLOADED.
var ErrVersionState = errors.New("version not awaiting processing")

type DocumentType string

const (
	DocumentPolicy        DocumentType = "POLICY"
	DocumentQuestionnaire DocumentType = "QUESTIONNAIRE"
	DocumentEvidence      DocumentType = "EVIDENCE"
	DocumentOther         DocumentType = "OTHER"
)

// ParseDocumentType validates a document type name.
func ParseDocumentType(s string) (DocumentType, bool) {
	switch t := DocumentType(s); t {
	case DocumentPolicy, DocumentQuestionnaire, DocumentEvidence, DocumentOther:
		return t, true
	}
	return "", false
}

type VersionStatus string

const (
	VersionUploaded   VersionStatus = "UPLOADED"
	VersionProcessing VersionStatus = "PROCESSING"
	VersionReady      VersionStatus = "READY"
	VersionFailed     VersionStatus = "FAILED"
)

type ArtifactKind string

const (
	ArtifactExtractedText ArtifactKind = "EXTRACTED_TEXT"
	ArtifactParsedJSON    ArtifactKind = "PARSED_JSON"
	ArtifactRenderedHTML  ArtifactKind = "RENDERED_HTML"
)

// ParseArtifactKind validates an artifact kind name.
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch k := ArtifactKind(s); k {
	case ArtifactExtractedText, ArtifactParsedJSON, ArtifactRenderedHTML:
		return k, true
	}
	return "", false
}

type Stage string

const (
	StageParse            Stage = "PARSE"
	StageExtractQuestions Stage = "EXTRACT_QUESTIONS"
	StageChunk            Stage = "CHUNK"
	StageEmbed            Stage = "EMBED"
	StageFinalize         Stage = "FINALIZE"
)

// Stages lists every stage in sweep order.
var Stages = []Stage{StageParse, StageExtractQuestions, StageChunk, StageEmbed, StageFinalize}

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

type Document struct {
	ID        string
	TenantID  string
	Title     string
	Type      DocumentType
	Source    string
	CreatedBy string
	CreatedAt time.Time
}

type DocumentVersion struct {
	ID                string
	TenantID          string
	DocumentID        string
	VersionNum        int
	Status            VersionStatus
	OriginalFilename  string
	MimeType          string
	SizeBytes         int64
	Checksum          string
	ObjectKeyOriginal string
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Artifact struct {
	ID                string
	TenantID          string
	DocumentVersionID string
	Kind              ArtifactKind
	ObjectKey         string
	ContentType       string
	SizeBytes         int64
	CreatedAt         time.Time
}

type Job struct {
	ID                string
	TenantID          string
	DocumentVersionID string
	Stage             Stage
	Status            JobStatus
	Attempt           int
	LockedAt          time.Time
	LockedBy          string
	ErrorCode         string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Chunk struct {
	ID                string
	TenantID          string
	DocumentVersionID string
	Index             int
	Text              string
	Metadata          string // JSON object stored as text
	CreatedAt         time.Time
}

type Embedding struct {
	ID        string
	TenantID  string
	ChunkID   string
	Model     string
	Vector    []float32
	CreatedAt time.Time
}

// EmbeddingCandidate is a stored vector together with the ownership facts the
// retrieval engine filters on.
type EmbeddingCandidate struct {
	ChunkID           string
	DocumentVersionID string
	DocumentID        string
	DocumentType      DocumentType
	Vector            []float32
}

type QuestionnaireStatus string

const (
	QuestionnaireNotStarted QuestionnaireStatus = "NOT_STARTED"
	QuestionnaireInProgress QuestionnaireStatus = "IN_PROGRESS"
	QuestionnaireCompleted  QuestionnaireStatus = "COMPLETED"
)

type QuestionnaireType string

const (
	QuestionnaireSpreadsheet QuestionnaireType = "SPREADSHEET"
	QuestionnaireDocument    QuestionnaireType = "DOCUMENT"
	QuestionnairePortal      QuestionnaireType = "PORTAL"
)

type ItemState string

const (
	ItemUnanswered ItemState = "UNANSWERED"
	ItemSuggested  ItemState = "SUGGESTED"
	ItemDrafted    ItemState = "DRAFTED"
	ItemApproved   ItemState = "APPROVED"
)

type ResponseStatus string

const (
	ResponseDraft    ResponseStatus = "DRAFT"
	ResponseApproved ResponseStatus = "APPROVED"
)

type Coverage string

const (
	CoverageOK                   Coverage = "OK"
	CoverageInsufficientEvidence Coverage = "INSUFFICIENT_EVIDENCE"
)

type AnswerSource string

const (
	AnswerImported AnswerSource = "IMPORTED"
	AnswerManual   AnswerSource = "MANUAL"
)

type Thumb string

const (
	ThumbUp   Thumb = "UP"
	ThumbDown Thumb = "DOWN"
)

type Questionnaire struct {
	ID                      string
	TenantID                string
	Name                    string
	Type                    QuestionnaireType
	Status                  QuestionnaireStatus
	ProgressPercent         int
	DueDate                 string
	OwnerUserID             string
	SourceDocumentVersionID string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type QuestionnaireItem struct {
	ID              string
	TenantID        string
	QuestionnaireID string
	Index           int
	QuestionText    string
	ResponseType    string
	State           ItemState
	SourceLocation  string // JSON object stored as text
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Response struct {
	ID          string
	TenantID    string
	ItemID      string
	AnswerText  string
	Explanation string
	Status      ResponseStatus
	CreatedBy   string
	ApprovedBy  string
	ApprovedAt  time.Time
	CreatedAt   time.Time
}

type Suggestion struct {
	ID         string
	TenantID   string
	ItemID     string
	Provider   string
	Model      string
	AnswerText string
	Citations  []string
	Confidence float64
	Coverage   Coverage
	CreatedAt  time.Time
}

type Feedback struct {
	ID           string
	TenantID     string
	SuggestionID string
	Thumb        Thumb
	Comment      string
	CreatedBy    string
	CreatedAt    time.Time
}

type LibraryEntry struct {
	ID                 string
	TenantID           string
	QuestionText       string
	QuestionNormalized string
	AnswerText         string
	Explanation        string
	Source             AnswerSource
	CreatedBy          string
	CreatedAt          time.Time
}
