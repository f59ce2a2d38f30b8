package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReplaceExtractedQuestionnaire(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentQuestionnaire)

	q := Questionnaire{TenantID: "tenant-a", Name: "Vendor SIG", Status: QuestionnaireInProgress, SourceDocumentVersionID: v.ID}
	items := []QuestionnaireItem{
		{Index: 0, QuestionText: "Do you encrypt data at rest?", State: ItemDrafted},
		{Index: 1, QuestionText: "Do you have an incident response plan?"},
	}
	drafts := map[int]Response{0: {AnswerText: "Yes, AES-256."}}

	first, err := s.ReplaceExtractedQuestionnaire(ctx, q, items, drafts)
	if err != nil {
		t.Fatalf("ReplaceExtractedQuestionnaire: %v", err)
	}
	got, err := s.ListItems(ctx, "tenant-a", first.ID)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(got) != 2 || got[1].State != ItemUnanswered {
		t.Fatalf("items = %+v", got)
	}
	rs, _ := s.ListResponses(ctx, "tenant-a", got[0].ID)
	if len(rs) != 1 || rs[0].Status != ResponseDraft || rs[0].AnswerText != "Yes, AES-256." {
		t.Errorf("responses = %+v, want one DRAFT", rs)
	}

	// A suggestion with feedback hangs off the first extraction.
	sg, err := s.CreateSuggestion(ctx, Suggestion{TenantID: "tenant-a", ItemID: got[1].ID, Provider: "ollama", Model: "m", Coverage: CoverageOK})
	if err != nil {
		t.Fatalf("CreateSuggestion: %v", err)
	}
	if _, err := s.CreateFeedback(ctx, Feedback{TenantID: "tenant-a", SuggestionID: sg.ID, Thumb: ThumbUp}); err != nil {
		t.Fatalf("CreateFeedback: %v", err)
	}

	second, err := s.ReplaceExtractedQuestionnaire(ctx, q, items[:1], nil)
	if err != nil {
		t.Fatalf("second ReplaceExtractedQuestionnaire: %v", err)
	}
	all, _ := s.ListQuestionnaires(ctx, "tenant-a", "")
	if len(all) != 1 || all[0].ID != second.ID {
		t.Errorf("questionnaires after re-extraction = %d, want only the new one", len(all))
	}
	if _, err := s.GetQuestionnaire(ctx, "tenant-a", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old questionnaire still present: err = %v", err)
	}
	found, err := s.FindQuestionnaireBySource(ctx, "tenant-a", v.ID)
	if err != nil || found.ID != second.ID {
		t.Errorf("FindQuestionnaireBySource = %v, %v", found.ID, err)
	}
}

func TestRecomputeProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q, err := s.CreateQuestionnaire(ctx, Questionnaire{TenantID: "tenant-a", Name: "CAIQ"})
	if err != nil {
		t.Fatalf("CreateQuestionnaire: %v", err)
	}
	if q.Status != QuestionnaireNotStarted || q.Type != QuestionnaireSpreadsheet {
		t.Errorf("defaults = %q/%q", q.Status, q.Type)
	}

	states := []ItemState{ItemApproved, ItemDrafted, ItemSuggested}
	for i, st := range states {
		if _, err := s.CreateItem(ctx, QuestionnaireItem{TenantID: "tenant-a", QuestionnaireID: q.ID, Index: i, QuestionText: "q", State: st}); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}
	got, err := s.RecomputeProgress(ctx, "tenant-a", q.ID)
	if err != nil {
		t.Fatalf("RecomputeProgress: %v", err)
	}
	if got != 66 {
		t.Errorf("progress = %d, want 66", got)
	}
	n, _ := s.NextItemIndex(ctx, "tenant-a", q.ID)
	if n != 3 {
		t.Errorf("NextItemIndex = %d, want 3", n)
	}
}

func TestCreateItemRejectsForeignQuestionnaire(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q, _ := s.CreateQuestionnaire(ctx, Questionnaire{TenantID: "tenant-a", Name: "x"})
	_, err := s.CreateItem(ctx, QuestionnaireItem{TenantID: "tenant-b", QuestionnaireID: q.ID, QuestionText: "q"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateItem cross-tenant: err = %v, want ErrNotFound", err)
	}
}

func TestSuggestionCitationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q, _ := s.CreateQuestionnaire(ctx, Questionnaire{TenantID: "tenant-a", Name: "x"})
	it, _ := s.CreateItem(ctx, QuestionnaireItem{TenantID: "tenant-a", QuestionnaireID: q.ID, QuestionText: "q"})

	sg, err := s.CreateSuggestion(ctx, Suggestion{
		TenantID: "tenant-a", ItemID: it.ID, Provider: "ollama", Model: "llama3",
		AnswerText: "Yes.", Citations: []string{"kb_chunk:1", "kb_chunk:2"}, Confidence: 0.82, Coverage: CoverageOK,
	})
	if err != nil {
		t.Fatalf("CreateSuggestion: %v", err)
	}
	got, err := s.GetSuggestion(ctx, "tenant-a", sg.ID)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if len(got.Citations) != 2 || got.Citations[1] != "kb_chunk:2" || got.Confidence != 0.82 {
		t.Errorf("suggestion = %+v", got)
	}
	if _, err := s.GetSuggestion(ctx, "tenant-b", sg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSuggestion cross-tenant: err = %v", err)
	}
	if _, err := s.CreateFeedback(ctx, Feedback{TenantID: "tenant-b", SuggestionID: sg.ID, Thumb: ThumbDown}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateFeedback cross-tenant: err = %v", err)
	}
}

func TestResponsesByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q, _ := s.CreateQuestionnaire(ctx, Questionnaire{TenantID: "tenant-a", Name: "x"})
	it, _ := s.CreateItem(ctx, QuestionnaireItem{TenantID: "tenant-a", QuestionnaireID: q.ID, QuestionText: "q"})

	approvedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.CreateResponse(ctx, Response{TenantID: "tenant-a", ItemID: it.ID, AnswerText: "draft"})
	s.CreateResponse(ctx, Response{TenantID: "tenant-a", ItemID: it.ID, AnswerText: "final", Status: ResponseApproved, ApprovedBy: "u1", ApprovedAt: approvedAt})

	got, err := s.ListResponsesByStatus(ctx, "tenant-a", ResponseApproved)
	if err != nil {
		t.Fatalf("ListResponsesByStatus: %v", err)
	}
	if len(got) != 1 || got[0].AnswerText != "final" || !got[0].ApprovedAt.Equal(approvedAt) {
		t.Errorf("approved responses = %+v", got)
	}
}

func TestLibraryLookupNormalizes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e, err := s.CreateLibraryEntry(ctx, LibraryEntry{TenantID: "tenant-a", QuestionText: "  Do you use MFA? ", AnswerText: "Yes"})
	if err != nil {
		t.Fatalf("CreateLibraryEntry: %v", err)
	}
	if e.QuestionNormalized != "do you use mfa?" {
		t.Errorf("QuestionNormalized = %q", e.QuestionNormalized)
	}
	got, err := s.FindLibraryEntry(ctx, "tenant-a", "DO YOU USE MFA?")
	if err != nil {
		t.Fatalf("FindLibraryEntry: %v", err)
	}
	if got.ID != e.ID || got.Source != AnswerManual {
		t.Errorf("FindLibraryEntry = %+v", got)
	}
	if _, err := s.FindLibraryEntry(ctx, "tenant-b", "do you use mfa?"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindLibraryEntry cross-tenant: err = %v", err)
	}
}
