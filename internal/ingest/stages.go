package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/attest/internal/objectstore"
	"github.com/kalambet/attest/internal/parser"
	"github.com/kalambet/attest/internal/storage"
)

// execute runs the handler for job.Stage and reports the stage to enqueue
// next and the version status to set, either of which may be empty.
func (w *Worker) execute(ctx context.Context, job *storage.Job) (storage.Stage, storage.VersionStatus, error) {
	version, err := w.store.GetVersion(ctx, job.TenantID, job.DocumentVersionID)
	if err != nil {
		return "", "", fmt.Errorf("loading version: %w", err)
	}
	doc, err := w.store.GetDocument(ctx, job.TenantID, version.DocumentID)
	if err != nil {
		return "", "", fmt.Errorf("loading document: %w", err)
	}

	switch job.Stage {
	case storage.StageParse:
		if err := w.parse(ctx, doc, version); err != nil {
			return "", "", err
		}
		if doc.Type == storage.DocumentQuestionnaire {
			return storage.StageExtractQuestions, storage.VersionProcessing, nil
		}
		return storage.StageChunk, storage.VersionProcessing, nil
	case storage.StageExtractQuestions:
		return storage.StageChunk, "", w.extractQuestions(ctx, job, doc, version)
	case storage.StageChunk:
		return storage.StageEmbed, "", w.chunk(ctx, job, version)
	case storage.StageEmbed:
		return storage.StageFinalize, "", w.embed(ctx, job, version)
	case storage.StageFinalize:
		return "", storage.VersionReady, nil
	}
	return "", "", fmt.Errorf("unknown stage %q", job.Stage)
}

func (w *Worker) parse(ctx context.Context, doc storage.Document, v storage.DocumentVersion) error {
	data, err := w.objects.Get(ctx, v.ObjectKeyOriginal)
	if err != nil {
		return fmt.Errorf("reading original: %w", err)
	}
	res, err := w.parser.Parse(ctx, parser.Input{Filename: v.OriginalFilename, MimeType: v.MimeType, Data: data})
	if err != nil {
		return err
	}
	structured, err := parser.StructuredJSON(res)
	if err != nil {
		return fmt.Errorf("encoding structured data: %w", err)
	}

	artifacts := []struct {
		kind        storage.ArtifactKind
		contentType string
		data        []byte
	}{
		{storage.ArtifactExtractedText, "text/plain; charset=utf-8", []byte(res.Text)},
		{storage.ArtifactParsedJSON, "application/json", structured},
		{storage.ArtifactRenderedHTML, "text/html; charset=utf-8", []byte(res.HTML)},
	}
	for _, a := range artifacts {
		key := objectstore.ArtifactKey(v.TenantID, doc.ID, v.ID, string(a.kind))
		if err := w.objects.Put(ctx, key, a.data, a.contentType); err != nil {
			return fmt.Errorf("storing %s: %w", a.kind, err)
		}
		if _, err := w.store.UpsertArtifact(ctx, storage.Artifact{
			TenantID:          v.TenantID,
			DocumentVersionID: v.ID,
			Kind:              a.kind,
			ObjectKey:         key,
			ContentType:       a.contentType,
			SizeBytes:         int64(len(a.data)),
		}); err != nil {
			return err
		}
	}
	w.logger.Debug("parsed original", "version_id", v.ID, "parser", res.Parser,
		"tables", len(res.Tables), "text_bytes", len(res.Text))
	return nil
}

func (w *Worker) extractQuestions(ctx context.Context, job *storage.Job, doc storage.Document, v storage.DocumentVersion) error {
	structured, err := w.artifact(ctx, v, storage.ArtifactParsedJSON)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("no structured data, skipping question extraction", "version_id", v.ID)
		return nil
	}
	if err != nil {
		return err
	}

	res, err := w.extractor.Extract(structured)
	if err != nil {
		w.logger.Warn("structured data unreadable, skipping question extraction", "version_id", v.ID, "error", err)
		return nil
	}
	if res == nil {
		w.logger.Info("no question sheet found", "version_id", v.ID)
		return nil
	}

	items := make([]storage.QuestionnaireItem, len(res.Items))
	drafts := make(map[int]storage.Response)
	for i, it := range res.Items {
		state := storage.ItemUnanswered
		if it.Answer != "" {
			state = storage.ItemDrafted
			drafts[i] = storage.Response{AnswerText: it.Answer, Status: storage.ResponseDraft, CreatedBy: v.CreatedBy}
		}
		items[i] = storage.QuestionnaireItem{
			Index:          it.Index,
			QuestionText:   it.QuestionText,
			State:          state,
			SourceLocation: it.SourceLocation,
		}
	}

	q, err := w.store.ReplaceExtractedQuestionnaireForJob(ctx, job, storage.Questionnaire{
		TenantID:                v.TenantID,
		Name:                    doc.Title,
		Type:                    storage.QuestionnaireSpreadsheet,
		Status:                  storage.QuestionnaireInProgress,
		ProgressPercent:         res.Progress(),
		OwnerUserID:             v.CreatedBy,
		SourceDocumentVersionID: v.ID,
	}, items, drafts)
	if err != nil {
		return fmt.Errorf("storing questionnaire: %w", err)
	}
	w.logger.Info("questionnaire extracted", "version_id", v.ID, "questionnaire_id", q.ID,
		"items", len(items), "answered", res.Answered, "sheets", len(res.Sheets))
	return nil
}

func (w *Worker) chunk(ctx context.Context, job *storage.Job, v storage.DocumentVersion) error {
	text, textErr := w.artifact(ctx, v, storage.ArtifactExtractedText)
	if textErr != nil && !errors.Is(textErr, storage.ErrNotFound) {
		return textErr
	}
	structured, jsonErr := w.artifact(ctx, v, storage.ArtifactParsedJSON)
	if jsonErr != nil && !errors.Is(jsonErr, storage.ErrNotFound) {
		return jsonErr
	}
	if textErr != nil && jsonErr != nil {
		return fmt.Errorf("no extracted text or structured data for version %s", v.ID)
	}

	pieces := w.chunker.Chunk(string(text), structured)
	chunks := make([]storage.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = storage.Chunk{Index: p.Index, Text: p.Text, Metadata: p.Metadata}
	}
	if _, err := w.store.ReplaceChunksForJob(ctx, job, chunks); err != nil {
		return err
	}
	w.logger.Debug("version chunked", "version_id", v.ID, "chunks", len(chunks))
	return nil
}

func (w *Worker) embed(ctx context.Context, job *storage.Job, v storage.DocumentVersion) error {
	chunks, err := w.store.ListChunks(ctx, v.TenantID, v.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return w.store.ReplaceEmbeddingsForJob(ctx, job, nil)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors := w.embedder.Embed(ctx, texts)
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	embeddings := make([]storage.Embedding, len(chunks))
	for i, c := range chunks {
		embeddings[i] = storage.Embedding{ChunkID: c.ID, Model: w.embedder.Model(), Vector: vectors[i]}
	}
	if err := w.store.ReplaceEmbeddingsForJob(ctx, job, embeddings); err != nil {
		return err
	}
	w.logger.Debug("version embedded", "version_id", v.ID, "embeddings", len(embeddings), "model", w.embedder.Model())
	return nil
}

// artifact returns the stored bytes of one artifact of v.
func (w *Worker) artifact(ctx context.Context, v storage.DocumentVersion, kind storage.ArtifactKind) ([]byte, error) {
	a, err := w.store.GetArtifact(ctx, v.TenantID, v.ID, kind)
	if err != nil {
		return nil, err
	}
	data, err := w.objects.Get(ctx, a.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", kind, err)
	}
	return data, nil
}
