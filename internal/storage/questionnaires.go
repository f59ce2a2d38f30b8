package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// --- Questionnaires ---

func (s *Store) CreateQuestionnaire(ctx context.Context, q Questionnaire) (Questionnaire, error) {
	return s.createQuestionnaire(ctx, s.db, q)
}

func (s *Store) createQuestionnaire(ctx context.Context, db querier, q Questionnaire) (Questionnaire, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = QuestionnaireNotStarted
	}
	if q.Type == "" {
		q.Type = QuestionnaireSpreadsheet
	}
	now := s.now().UTC()
	q.CreatedAt, q.UpdatedAt = now, now
	_, err := s.exec(ctx, db, `
		INSERT INTO questionnaires (id, tenant_id, name, type, status, progress_percent, due_date, owner_user_id,
			source_document_version_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TenantID, q.Name, string(q.Type), string(q.Status), q.ProgressPercent, q.DueDate, q.OwnerUserID,
		q.SourceDocumentVersionID, formatTime(now), formatTime(now),
	)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("inserting questionnaire: %w", err)
	}
	return q, nil
}

const questionnaireColumns = `id, tenant_id, name, type, status, progress_percent, due_date, owner_user_id,
	source_document_version_id, created_at, updated_at`

func scanQuestionnaire(sc interface{ Scan(...any) error }) (Questionnaire, error) {
	var q Questionnaire
	var typ, status, createdAt, updatedAt string
	if err := sc.Scan(&q.ID, &q.TenantID, &q.Name, &typ, &status, &q.ProgressPercent, &q.DueDate, &q.OwnerUserID,
		&q.SourceDocumentVersionID, &createdAt, &updatedAt); err != nil {
		return Questionnaire{}, err
	}
	q.Type = QuestionnaireType(typ)
	q.Status = QuestionnaireStatus(status)
	var err error
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return Questionnaire{}, fmt.Errorf("parsing created_at for questionnaire %s: %w", q.ID, err)
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Questionnaire{}, fmt.Errorf("parsing updated_at for questionnaire %s: %w", q.ID, err)
	}
	return q, nil
}

func (s *Store) GetQuestionnaire(ctx context.Context, tenantID, id string) (Questionnaire, error) {
	q, err := scanQuestionnaire(s.queryRow(ctx, s.db, `SELECT `+questionnaireColumns+` FROM questionnaires WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	return q, err
}

// ListQuestionnaires returns the tenant's questionnaires, newest first. An
// empty status lists all of them.
func (s *Store) ListQuestionnaires(ctx context.Context, tenantID string, status QuestionnaireStatus) ([]Questionnaire, error) {
	query := `SELECT ` + questionnaireColumns + ` FROM questionnaires WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying questionnaires: %w", err)
	}
	defer rows.Close()

	var out []Questionnaire
	for rows.Next() {
		q, err := scanQuestionnaire(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning questionnaire: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// FindQuestionnaireBySource returns the questionnaire extracted from a version.
func (s *Store) FindQuestionnaireBySource(ctx context.Context, tenantID, versionID string) (Questionnaire, error) {
	q, err := scanQuestionnaire(s.queryRow(ctx, s.db, `SELECT `+questionnaireColumns+` FROM questionnaires
		WHERE tenant_id = ? AND source_document_version_id = ? ORDER BY created_at DESC LIMIT 1`, tenantID, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	return q, err
}

func (s *Store) SetQuestionnaireStatus(ctx context.Context, tenantID, id string, status QuestionnaireStatus) error {
	res, err := s.exec(ctx, s.db, `UPDATE questionnaires SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(status), s.stamp(), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating questionnaire status: %w", err)
	}
	return expectOne(res)
}

// RecomputeProgress sets progress_percent to the share of DRAFTED or APPROVED
// items, rounded down, and returns it. A questionnaire without items keeps its
// current progress.
func (s *Store) RecomputeProgress(ctx context.Context, tenantID, id string) (int, error) {
	var total, answered int
	if err := s.queryRow(ctx, s.db, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN current_state IN ('DRAFTED', 'APPROVED') THEN 1 ELSE 0 END), 0)
		FROM questionnaire_items WHERE tenant_id = ? AND questionnaire_id = ?`, tenantID, id,
	).Scan(&total, &answered); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	if total == 0 {
		q, err := s.GetQuestionnaire(ctx, tenantID, id)
		if err != nil {
			return 0, err
		}
		return q.ProgressPercent, nil
	}
	progress := answered * 100 / total
	res, err := s.exec(ctx, s.db, `UPDATE questionnaires SET progress_percent = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		progress, s.stamp(), tenantID, id)
	if err != nil {
		return 0, fmt.Errorf("updating progress: %w", err)
	}
	if err := expectOne(res); err != nil {
		return 0, err
	}
	return progress, nil
}

// ReplaceExtractedQuestionnaire removes any questionnaire previously extracted
// from q.SourceDocumentVersionID and stores q with its items in one
// transaction. drafts maps an item's position in items to its draft response.
func (s *Store) ReplaceExtractedQuestionnaire(ctx context.Context, q Questionnaire, items []QuestionnaireItem, drafts map[int]Response) (Questionnaire, error) {
	return s.replaceExtracted(ctx, nil, q, items, drafts)
}

// ReplaceExtractedQuestionnaireForJob is ReplaceExtractedQuestionnaire
// guarded by the claim of the EXTRACT_QUESTIONS job.
func (s *Store) ReplaceExtractedQuestionnaireForJob(ctx context.Context, job *Job, q Questionnaire, items []QuestionnaireItem, drafts map[int]Response) (Questionnaire, error) {
	return s.replaceExtracted(ctx, job, q, items, drafts)
}

func (s *Store) replaceExtracted(ctx context.Context, guard *Job, q Questionnaire, items []QuestionnaireItem, drafts map[int]Response) (Questionnaire, error) {
	var stored Questionnaire
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.holdsLock(ctx, tx, guard); err != nil {
			return err
		}
		if err := s.deleteExtracted(ctx, tx, q.TenantID, q.SourceDocumentVersionID); err != nil {
			return err
		}
		var err error
		stored, err = s.createQuestionnaire(ctx, tx, q)
		if err != nil {
			return err
		}
		for i, item := range items {
			item.TenantID = q.TenantID
			item.QuestionnaireID = stored.ID
			item, err = s.createItem(ctx, tx, item)
			if err != nil {
				return err
			}
			if r, ok := drafts[i]; ok {
				r.TenantID = q.TenantID
				r.ItemID = item.ID
				if _, err := s.createResponse(ctx, tx, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Questionnaire{}, err
	}
	return stored, nil
}

func (s *Store) deleteExtracted(ctx context.Context, tx *sql.Tx, tenantID, versionID string) error {
	if versionID == "" {
		return nil
	}
	const items = `SELECT i.id FROM questionnaire_items i JOIN questionnaires q ON q.id = i.questionnaire_id
		WHERE q.tenant_id = ? AND q.source_document_version_id = ?`
	stmts := []string{
		`DELETE FROM answer_feedback WHERE answer_suggestion_id IN
			(SELECT id FROM answer_suggestions WHERE questionnaire_item_id IN (` + items + `))`,
		`DELETE FROM answer_suggestions WHERE questionnaire_item_id IN (` + items + `)`,
		`DELETE FROM questionnaire_responses WHERE questionnaire_item_id IN (` + items + `)`,
		`DELETE FROM questionnaire_items WHERE questionnaire_id IN
			(SELECT id FROM questionnaires WHERE tenant_id = ? AND source_document_version_id = ?)`,
		`DELETE FROM questionnaires WHERE tenant_id = ? AND source_document_version_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.exec(ctx, tx, stmt, tenantID, versionID); err != nil {
			return fmt.Errorf("removing previous extraction: %w", err)
		}
	}
	return nil
}

// --- Items ---

func (s *Store) CreateItem(ctx context.Context, item QuestionnaireItem) (QuestionnaireItem, error) {
	if _, err := s.GetQuestionnaire(ctx, item.TenantID, item.QuestionnaireID); err != nil {
		return QuestionnaireItem{}, err
	}
	return s.createItem(ctx, s.db, item)
}

func (s *Store) createItem(ctx context.Context, db querier, item QuestionnaireItem) (QuestionnaireItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.State == "" {
		item.State = ItemUnanswered
	}
	if item.ResponseType == "" {
		item.ResponseType = "FREE_TEXT"
	}
	if item.SourceLocation == "" {
		item.SourceLocation = "{}"
	}
	now := s.now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	_, err := s.exec(ctx, db, `
		INSERT INTO questionnaire_items (id, tenant_id, questionnaire_id, item_index, question_text, response_type,
			current_state, source_location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TenantID, item.QuestionnaireID, item.Index, item.QuestionText, item.ResponseType,
		string(item.State), item.SourceLocation, formatTime(now), formatTime(now),
	)
	if err != nil {
		return QuestionnaireItem{}, fmt.Errorf("inserting item %d: %w", item.Index, err)
	}
	return item, nil
}

const itemColumns = `id, tenant_id, questionnaire_id, item_index, question_text, response_type, current_state,
	source_location, created_at, updated_at`

func scanItem(sc interface{ Scan(...any) error }) (QuestionnaireItem, error) {
	var it QuestionnaireItem
	var state, createdAt, updatedAt string
	if err := sc.Scan(&it.ID, &it.TenantID, &it.QuestionnaireID, &it.Index, &it.QuestionText, &it.ResponseType,
		&state, &it.SourceLocation, &createdAt, &updatedAt); err != nil {
		return QuestionnaireItem{}, err
	}
	it.State = ItemState(state)
	var err error
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return QuestionnaireItem{}, err
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return QuestionnaireItem{}, err
	}
	return it, nil
}

func (s *Store) GetItem(ctx context.Context, tenantID, id string) (QuestionnaireItem, error) {
	it, err := scanItem(s.queryRow(ctx, s.db, `SELECT `+itemColumns+` FROM questionnaire_items WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QuestionnaireItem{}, ErrNotFound
	}
	return it, err
}

// ListItems returns a questionnaire's items in index order.
func (s *Store) ListItems(ctx context.Context, tenantID, questionnaireID string) ([]QuestionnaireItem, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+itemColumns+` FROM questionnaire_items
		WHERE tenant_id = ? AND questionnaire_id = ? ORDER BY item_index ASC`, tenantID, questionnaireID)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var out []QuestionnaireItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// NextItemIndex returns one past the highest item index of a questionnaire.
func (s *Store) NextItemIndex(ctx context.Context, tenantID, questionnaireID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COALESCE(MAX(item_index) + 1, 0) FROM questionnaire_items
		WHERE tenant_id = ? AND questionnaire_id = ?`, tenantID, questionnaireID).Scan(&n)
	return n, err
}

func (s *Store) SetItemState(ctx context.Context, tenantID, id string, state ItemState) error {
	res, err := s.exec(ctx, s.db, `UPDATE questionnaire_items SET current_state = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(state), s.stamp(), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating item state: %w", err)
	}
	return expectOne(res)
}

// --- Responses ---

func (s *Store) CreateResponse(ctx context.Context, r Response) (Response, error) {
	return s.createResponse(ctx, s.db, r)
}

func (s *Store) createResponse(ctx context.Context, db querier, r Response) (Response, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = ResponseDraft
	}
	r.CreatedAt = s.now().UTC()
	approvedAt := ""
	if !r.ApprovedAt.IsZero() {
		approvedAt = formatTime(r.ApprovedAt)
	}
	_, err := s.exec(ctx, db, `
		INSERT INTO questionnaire_responses (id, tenant_id, questionnaire_item_id, answer_text, explanation, status,
			created_by, approved_by, approved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.ItemID, r.AnswerText, r.Explanation, string(r.Status),
		r.CreatedBy, r.ApprovedBy, approvedAt, formatTime(r.CreatedAt),
	)
	if err != nil {
		return Response{}, fmt.Errorf("inserting response: %w", err)
	}
	return r, nil
}

const responseColumns = `id, tenant_id, questionnaire_item_id, answer_text, explanation, status, created_by,
	approved_by, approved_at, created_at`

func scanResponse(sc interface{ Scan(...any) error }) (Response, error) {
	var r Response
	var status, approvedAt, createdAt string
	if err := sc.Scan(&r.ID, &r.TenantID, &r.ItemID, &r.AnswerText, &r.Explanation, &status, &r.CreatedBy,
		&r.ApprovedBy, &approvedAt, &createdAt); err != nil {
		return Response{}, err
	}
	r.Status = ResponseStatus(status)
	var err error
	if r.ApprovedAt, err = parseTime(approvedAt); err != nil {
		return Response{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Response{}, err
	}
	return r, nil
}

func (s *Store) GetResponse(ctx context.Context, tenantID, id string) (Response, error) {
	r, err := scanResponse(s.queryRow(ctx, s.db, `SELECT `+responseColumns+` FROM questionnaire_responses WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, ErrNotFound
	}
	return r, err
}

// ListResponses returns responses of an item in creation order.
func (s *Store) ListResponses(ctx context.Context, tenantID, itemID string) ([]Response, error) {
	return s.listResponses(ctx, `WHERE tenant_id = ? AND questionnaire_item_id = ?`, tenantID, itemID)
}

// ListResponsesByStatus returns the tenant's responses with the given status in creation order.
func (s *Store) ListResponsesByStatus(ctx context.Context, tenantID string, status ResponseStatus) ([]Response, error) {
	return s.listResponses(ctx, `WHERE tenant_id = ? AND status = ?`, tenantID, string(status))
}

func (s *Store) listResponses(ctx context.Context, where string, args ...any) ([]Response, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+responseColumns+` FROM questionnaire_responses `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Suggestions and feedback ---

func (s *Store) CreateSuggestion(ctx context.Context, sg Suggestion) (Suggestion, error) {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	sg.CreatedAt = s.now().UTC()
	citations := sg.Citations
	if citations == nil {
		citations = []string{}
	}
	b, err := json.Marshal(citations)
	if err != nil {
		return Suggestion{}, fmt.Errorf("marshalling citations: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO answer_suggestions (id, tenant_id, questionnaire_item_id, provider, model, answer_text, citations,
			confidence, coverage_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.TenantID, sg.ItemID, sg.Provider, sg.Model, sg.AnswerText, string(b),
		sg.Confidence, string(sg.Coverage), formatTime(sg.CreatedAt),
	)
	if err != nil {
		return Suggestion{}, fmt.Errorf("inserting suggestion: %w", err)
	}
	return sg, nil
}

func (s *Store) GetSuggestion(ctx context.Context, tenantID, id string) (Suggestion, error) {
	var sg Suggestion
	var citations, coverage, createdAt string
	err := s.queryRow(ctx, s.db, `SELECT id, tenant_id, questionnaire_item_id, provider, model, answer_text, citations,
			confidence, coverage_status, created_at
		FROM answer_suggestions WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&sg.ID, &sg.TenantID, &sg.ItemID, &sg.Provider, &sg.Model, &sg.AnswerText, &citations,
		&sg.Confidence, &coverage, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Suggestion{}, ErrNotFound
	}
	if err != nil {
		return Suggestion{}, err
	}
	if err := json.Unmarshal([]byte(citations), &sg.Citations); err != nil {
		return Suggestion{}, fmt.Errorf("decoding citations for suggestion %s: %w", sg.ID, err)
	}
	sg.Coverage = Coverage(coverage)
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return Suggestion{}, err
	}
	return sg, nil
}

// CreateFeedback stores feedback on a suggestion of the same tenant.
func (s *Store) CreateFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	if _, err := s.GetSuggestion(ctx, f.TenantID, f.SuggestionID); err != nil {
		return Feedback{}, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = s.now().UTC()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO answer_feedback (id, tenant_id, answer_suggestion_id, thumb, comment, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TenantID, f.SuggestionID, string(f.Thumb), f.Comment, f.CreatedBy, formatTime(f.CreatedAt),
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("inserting feedback: %w", err)
	}
	return f, nil
}

// --- Answer library ---

// NormalizeQuestion is the key under which library entries are matched.
func NormalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func (s *Store) CreateLibraryEntry(ctx context.Context, e LibraryEntry) (LibraryEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Source == "" {
		e.Source = AnswerManual
	}
	e.QuestionNormalized = NormalizeQuestion(e.QuestionText)
	e.CreatedAt = s.now().UTC()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO answer_library_entries (id, tenant_id, question_text, question_normalized, answer_text,
			explanation, source, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.QuestionText, e.QuestionNormalized, e.AnswerText,
		e.Explanation, string(e.Source), e.CreatedBy, formatTime(e.CreatedAt),
	)
	if err != nil {
		return LibraryEntry{}, fmt.Errorf("inserting library entry: %w", err)
	}
	return e, nil
}

// FindLibraryEntry returns the oldest library entry whose normalized question
// equals the normalized form of question.
func (s *Store) FindLibraryEntry(ctx context.Context, tenantID, question string) (LibraryEntry, error) {
	var e LibraryEntry
	var source, createdAt string
	err := s.queryRow(ctx, s.db, `
		SELECT id, tenant_id, question_text, question_normalized, answer_text, explanation, source, created_by, created_at
		FROM answer_library_entries WHERE tenant_id = ? AND question_normalized = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, tenantID, NormalizeQuestion(question),
	).Scan(&e.ID, &e.TenantID, &e.QuestionText, &e.QuestionNormalized, &e.AnswerText, &e.Explanation,
		&source, &e.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LibraryEntry{}, ErrNotFound
	}
	if err != nil {
		return LibraryEntry{}, err
	}
	e.Source = AnswerSource(source)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return LibraryEntry{}, err
	}
	return e, nil
}

// CountLibraryEntries returns the size of the tenant's answer library.
func (s *Store) CountLibraryEntries(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM answer_library_entries WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}
