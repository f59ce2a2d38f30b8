// Package questionnaire implements the answering workflow on top of the
// store: suggestions, responses, completion and the answer library.
package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/attest/internal/retrieval"
	"github.com/kalambet/attest/internal/storage"
)

// ErrInvalid marks a request the caller has to fix.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Suggester answers a question from the tenant's knowledge base.
type Suggester interface {
	Suggest(ctx context.Context, tenantID, question string) (retrieval.Answer, error)
}

type Service struct {
	store     *storage.Store
	suggester Suggester
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(store *storage.Store, suggester Suggester) *Service {
	return &Service{store: store, suggester: suggester, now: time.Now, logger: slog.Default()}
}

type CreateInput struct {
	Name        string
	Type        storage.QuestionnaireType
	DueDate     string // YYYY-MM-DD, optional
	OwnerUserID string
}

// Create starts a questionnaire IN_PROGRESS with no items. The owner defaults
// to the acting user.
func (s *Service) Create(ctx context.Context, tenantID, userID string, in CreateInput) (storage.Questionnaire, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return storage.Questionnaire{}, invalid("name is required")
	}
	switch in.Type {
	case "":
		in.Type = storage.QuestionnaireSpreadsheet
	case storage.QuestionnaireSpreadsheet, storage.QuestionnaireDocument, storage.QuestionnairePortal:
	default:
		return storage.Questionnaire{}, invalid("unknown questionnaire type %q", in.Type)
	}
	if in.DueDate != "" {
		if _, err := time.Parse(time.DateOnly, in.DueDate); err != nil {
			return storage.Questionnaire{}, invalid("due date %q is not YYYY-MM-DD", in.DueDate)
		}
	}
	if in.OwnerUserID == "" {
		in.OwnerUserID = userID
	}
	return s.store.CreateQuestionnaire(ctx, storage.Questionnaire{
		TenantID:    tenantID,
		Name:        name,
		Type:        in.Type,
		Status:      storage.QuestionnaireInProgress,
		DueDate:     in.DueDate,
		OwnerUserID: in.OwnerUserID,
	})
}

// List returns the tenant's questionnaires; an empty status lists all.
func (s *Service) List(ctx context.Context, tenantID string, status storage.QuestionnaireStatus) ([]storage.Questionnaire, error) {
	switch status {
	case "", storage.QuestionnaireNotStarted, storage.QuestionnaireInProgress, storage.QuestionnaireCompleted:
	default:
		return nil, invalid("unknown status %q", status)
	}
	return s.store.ListQuestionnaires(ctx, tenantID, status)
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (storage.Questionnaire, error) {
	return s.store.GetQuestionnaire(ctx, tenantID, id)
}

func (s *Service) Items(ctx context.Context, tenantID, questionnaireID string) ([]storage.QuestionnaireItem, error) {
	if _, err := s.store.GetQuestionnaire(ctx, tenantID, questionnaireID); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, tenantID, questionnaireID)
}

// CreateItem appends an UNANSWERED item to a questionnaire.
func (s *Service) CreateItem(ctx context.Context, tenantID, questionnaireID, question, responseType string) (storage.QuestionnaireItem, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return storage.QuestionnaireItem{}, invalid("question text is required")
	}
	if _, err := s.store.GetQuestionnaire(ctx, tenantID, questionnaireID); err != nil {
		return storage.QuestionnaireItem{}, err
	}
	idx, err := s.store.NextItemIndex(ctx, tenantID, questionnaireID)
	if err != nil {
		return storage.QuestionnaireItem{}, err
	}
	item, err := s.store.CreateItem(ctx, storage.QuestionnaireItem{
		TenantID:        tenantID,
		QuestionnaireID: questionnaireID,
		Index:           idx,
		QuestionText:    question,
		ResponseType:    responseType,
	})
	if err != nil {
		return storage.QuestionnaireItem{}, err
	}
	if _, err := s.store.RecomputeProgress(ctx, tenantID, questionnaireID); err != nil {
		return storage.QuestionnaireItem{}, err
	}
	return item, nil
}

// item loads an item and checks it belongs to the questionnaire.
func (s *Service) item(ctx context.Context, tenantID, questionnaireID, itemID string) (storage.QuestionnaireItem, error) {
	it, err := s.store.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return storage.QuestionnaireItem{}, err
	}
	if it.QuestionnaireID != questionnaireID {
		return storage.QuestionnaireItem{}, storage.ErrNotFound
	}
	return it, nil
}

// SuggestAnswer asks the retrieval engine for an answer to an item, stores
// the suggestion and moves the item to SUGGESTED.
func (s *Service) SuggestAnswer(ctx context.Context, tenantID, questionnaireID, itemID string) (storage.Suggestion, error) {
	it, err := s.item(ctx, tenantID, questionnaireID, itemID)
	if err != nil {
		return storage.Suggestion{}, err
	}
	ans, err := s.suggester.Suggest(ctx, tenantID, it.QuestionText)
	if err != nil {
		return storage.Suggestion{}, fmt.Errorf("suggesting answer: %w", err)
	}
	sg, err := s.store.CreateSuggestion(ctx, storage.Suggestion{
		TenantID:   tenantID,
		ItemID:     it.ID,
		Provider:   ans.Provider,
		Model:      ans.Model,
		AnswerText: ans.Text,
		Citations:  ans.Citations,
		Confidence: ans.Confidence,
		Coverage:   ans.Coverage,
	})
	if err != nil {
		return storage.Suggestion{}, err
	}
	if err := s.store.SetItemState(ctx, tenantID, it.ID, storage.ItemSuggested); err != nil {
		return storage.Suggestion{}, err
	}
	if _, err := s.store.RecomputeProgress(ctx, tenantID, questionnaireID); err != nil {
		return storage.Suggestion{}, err
	}
	s.logger.Info("answer suggested", "tenant_id", tenantID, "item_id", it.ID,
		"coverage", sg.Coverage, "confidence", sg.Confidence, "citations", len(sg.Citations))
	return sg, nil
}

type ResponseInput struct {
	AnswerText  string
	Explanation string
	Status      storage.ResponseStatus // DRAFT when empty
}

// SaveResponse records an answer. APPROVED responses carry the approver and
// move the item to APPROVED; drafts move it to DRAFTED.
func (s *Service) SaveResponse(ctx context.Context, tenantID, userID, questionnaireID, itemID string, in ResponseInput) (storage.Response, error) {
	switch in.Status {
	case "":
		in.Status = storage.ResponseDraft
	case storage.ResponseDraft, storage.ResponseApproved:
	default:
		return storage.Response{}, invalid("unknown response status %q", in.Status)
	}
	it, err := s.item(ctx, tenantID, questionnaireID, itemID)
	if err != nil {
		return storage.Response{}, err
	}

	r := storage.Response{
		TenantID:    tenantID,
		ItemID:      it.ID,
		AnswerText:  in.AnswerText,
		Explanation: in.Explanation,
		Status:      in.Status,
		CreatedBy:   userID,
	}
	state := storage.ItemDrafted
	if in.Status == storage.ResponseApproved {
		r.ApprovedBy = userID
		r.ApprovedAt = s.now().UTC()
		state = storage.ItemApproved
	}
	r, err = s.store.CreateResponse(ctx, r)
	if err != nil {
		return storage.Response{}, err
	}
	if err := s.store.SetItemState(ctx, tenantID, it.ID, state); err != nil {
		return storage.Response{}, err
	}
	if _, err := s.store.RecomputeProgress(ctx, tenantID, questionnaireID); err != nil {
		return storage.Response{}, err
	}
	return r, nil
}

// Complete marks a questionnaire COMPLETED. With importToLibrary every
// APPROVED response is copied into the answer library; the number of copied
// entries is returned.
func (s *Service) Complete(ctx context.Context, tenantID, userID, questionnaireID string, importToLibrary bool) (int, error) {
	if err := s.store.SetQuestionnaireStatus(ctx, tenantID, questionnaireID, storage.QuestionnaireCompleted); err != nil {
		return 0, err
	}
	if !importToLibrary {
		return 0, nil
	}

	items, err := s.store.ListItems(ctx, tenantID, questionnaireID)
	if err != nil {
		return 0, err
	}
	imported := 0
	for _, it := range items {
		responses, err := s.store.ListResponses(ctx, tenantID, it.ID)
		if err != nil {
			return imported, err
		}
		for _, r := range responses {
			if r.Status != storage.ResponseApproved {
				continue
			}
			if err := s.addToLibrary(ctx, tenantID, userID, it, r); err != nil {
				return imported, err
			}
			imported++
		}
	}
	s.logger.Info("questionnaire completed", "tenant_id", tenantID, "questionnaire_id", questionnaireID, "imported", imported)
	return imported, nil
}

func (s *Service) addToLibrary(ctx context.Context, tenantID, userID string, it storage.QuestionnaireItem, r storage.Response) error {
	_, err := s.store.CreateLibraryEntry(ctx, storage.LibraryEntry{
		TenantID:     tenantID,
		QuestionText: it.QuestionText,
		AnswerText:   r.AnswerText,
		Explanation:  r.Explanation,
		Source:       storage.AnswerImported,
		CreatedBy:    userID,
	})
	return err
}

func (s *Service) SaveFeedback(ctx context.Context, tenantID, userID, suggestionID string, thumb storage.Thumb, comment string) (storage.Feedback, error) {
	if thumb != storage.ThumbUp && thumb != storage.ThumbDown {
		return storage.Feedback{}, invalid("thumb must be UP or DOWN")
	}
	return s.store.CreateFeedback(ctx, storage.Feedback{
		TenantID:     tenantID,
		SuggestionID: suggestionID,
		Thumb:        thumb,
		Comment:      comment,
		CreatedBy:    userID,
	})
}

// PendingAnswer is an approved response whose question is not in the
// answer library yet.
type PendingAnswer struct {
	ResponseID        string
	ItemID            string
	QuestionText      string
	AnswerText        string
	Explanation       string
	QuestionnaireName string
}

func (s *Service) PendingImports(ctx context.Context, tenantID string) ([]PendingAnswer, error) {
	approved, err := s.store.ListResponsesByStatus(ctx, tenantID, storage.ResponseApproved)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	var out []PendingAnswer
	for _, r := range approved {
		it, err := s.store.GetItem(ctx, tenantID, r.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		_, err = s.store.FindLibraryEntry(ctx, tenantID, it.QuestionText)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		name, ok := names[it.QuestionnaireID]
		if !ok {
			name = "Unknown"
			if q, err := s.store.GetQuestionnaire(ctx, tenantID, it.QuestionnaireID); err == nil {
				name = q.Name
			}
			names[it.QuestionnaireID] = name
		}
		out = append(out, PendingAnswer{
			ResponseID:        r.ID,
			ItemID:            it.ID,
			QuestionText:      it.QuestionText,
			AnswerText:        r.AnswerText,
			Explanation:       r.Explanation,
			QuestionnaireName: name,
		})
	}
	return out, nil
}

func (s *Service) CountPendingImports(ctx context.Context, tenantID string) (int, error) {
	pending, err := s.PendingImports(ctx, tenantID)
	return len(pending), err
}

// ImportToLibrary copies the given approved responses into the answer
// library. Unknown, foreign or unapproved responses are skipped.
func (s *Service) ImportToLibrary(ctx context.Context, tenantID, userID string, responseIDs []string) (int, error) {
	imported := 0
	for _, id := range responseIDs {
		r, err := s.store.GetResponse(ctx, tenantID, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return imported, err
		}
		if r.Status != storage.ResponseApproved {
			continue
		}
		it, err := s.store.GetItem(ctx, tenantID, r.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return imported, err
		}
		if err := s.addToLibrary(ctx, tenantID, userID, it, r); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
