package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/kalambet/attest/internal/engine"
	"github.com/kalambet/attest/internal/storage"
)

// Sentinel is the token the model emits when the evidence is irrelevant.
const Sentinel = "INSUFFICIENT_EVIDENCE"

const (
	libraryConfidence = 0.95
	maxConfidence     = 0.95
	lowConfidence     = 0.1
)

// NoKnowledgeAnswer is returned when no policy chunk clears the floor.
const NoKnowledgeAnswer = "I don't have enough information in the knowledge base to answer this question. Please upload relevant policies or documents."

const systemPrompt = `You are a security questionnaire answering assistant. Answer based on the provided context.

Rules:
1. If the context contains ANY relevant evidence, provide an answer using that evidence.
   Start with Yes/No/Partial, then explain what the organization does and cite the sources.
2. Only say "INSUFFICIENT_EVIDENCE" if the context contains absolutely nothing relevant to the question.
3. If the context partially covers the question, answer "Partial" or "Yes" based on what IS covered,
   then clearly note which specific aspects are not addressed in the available documentation.
4. Always cite chunk IDs as sources.
5. Be concise. Write a direct answer suitable for a questionnaire response.`

// Store is the read side of storage the retriever needs.
type Store interface {
	FindLibraryEntry(ctx context.Context, tenantID, question string) (storage.LibraryEntry, error)
	ListEmbeddingCandidates(ctx context.Context, tenantID string) ([]storage.EmbeddingCandidate, error)
	GetChunks(ctx context.Context, tenantID string, ids []string) (map[string]storage.Chunk, error)
}

// Answer is a drafted answer with its evidence verdict.
type Answer struct {
	Text       string
	Citations  []string
	Confidence float64
	Coverage   storage.Coverage
	// Provider and Model name the completion that produced Text; both are
	// empty when no model was called.
	Provider string
	Model    string
}

// Hit is one ranked policy chunk.
type Hit struct {
	ChunkID           string
	DocumentID        string
	DocumentVersionID string
	Text              string
	Metadata          string
	Score             float64
}

type Options struct {
	TopK          int
	MinSimilarity float64
}

// Retriever ranks a tenant's policy chunks against a question and drafts
// cited answers from them.
type Retriever struct {
	store     Store
	embedder  engine.Embedder
	completer engine.Completer
	topK      int
	floor     float64
	log       *slog.Logger
}

// New creates a Retriever. Zero options fall back to 5 results and a 0.1 floor.
func New(store Store, embedder engine.Embedder, completer engine.Completer, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = MinSimilarity
	}
	return &Retriever{
		store:     store,
		embedder:  embedder,
		completer: completer,
		topK:      opts.TopK,
		floor:     opts.MinSimilarity,
		log:       slog.Default().With("component", "retrieval"),
	}
}

// Suggest answers question for tenantID. An answer-library entry with the
// same normalized question wins outright; otherwise the best policy chunks
// are handed to the completion provider.
func (r *Retriever) Suggest(ctx context.Context, tenantID, question string) (Answer, error) {
	entry, err := r.store.FindLibraryEntry(ctx, tenantID, question)
	if err == nil {
		return Answer{
			Text:       entry.AnswerText,
			Citations:  []string{"answer_library:" + entry.ID},
			Confidence: libraryConfidence,
			Coverage:   storage.CoverageOK,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Answer{}, fmt.Errorf("looking up answer library: %w", err)
	}

	hits, err := r.Search(ctx, tenantID, question, r.topK)
	if err != nil {
		return Answer{}, err
	}
	if len(hits) == 0 {
		return Answer{
			Text:      NoKnowledgeAnswer,
			Citations: []string{},
			Coverage:  storage.CoverageInsufficientEvidence,
		}, nil
	}

	var sb strings.Builder
	citations := make([]string, len(hits))
	for i, h := range hits {
		fmt.Fprintf(&sb, "---\nSource: chunk %s\n%s\n", h.ChunkID, h.Text)
		citations[i] = "kb_chunk:" + h.ChunkID
	}
	user := "Context:\n" + sb.String() + "\n\nQuestion: " + question

	text := r.completer.Complete(ctx, systemPrompt, user)
	coverage := Classify(text)
	confidence := lowConfidence
	if coverage == storage.CoverageOK {
		confidence = math.Min(maxConfidence, hits[0].Score)
	}
	r.log.Debug("suggested answer", "tenant_id", tenantID, "chunks", len(hits), "top_score", hits[0].Score, "coverage", coverage)

	return Answer{
		Text:       text,
		Citations:  citations,
		Confidence: confidence,
		Coverage:   coverage,
		Provider:   r.completer.Provider(),
		Model:      r.completer.Model(),
	}, nil
}

// Classify reads the coverage verdict out of a model answer. Any output
// that does not carry the sentinel counts as covered.
func Classify(answer string) storage.Coverage {
	lower := strings.ToLower(strings.TrimSpace(answer))
	sentinel := strings.ToLower(Sentinel)
	if strings.HasPrefix(lower, sentinel) {
		return storage.CoverageInsufficientEvidence
	}
	if strings.Contains(lower, sentinel) && !strings.Contains(lower, "yes") && !strings.Contains(lower, "partial") {
		return storage.CoverageInsufficientEvidence
	}
	return storage.CoverageOK
}

// Search embeds query and returns up to limit policy chunks of tenantID,
// best first. It makes no completion call.
func (r *Retriever) Search(ctx context.Context, tenantID, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = r.topK
	}
	vecs := r.embedder.Embed(ctx, []string{query})
	if len(vecs) == 0 {
		return nil, nil
	}

	cands, err := r.store.ListEmbeddingCandidates(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}
	ranked := Rank(vecs[0], PolicyCorpus(cands), limit, r.floor)
	if len(ranked) == 0 {
		r.log.Info("no policy chunks above similarity floor", "tenant_id", tenantID, "candidates", len(cands))
		return nil, nil
	}

	ids := make([]string, len(ranked))
	for i, s := range ranked {
		ids[i] = s.ChunkID
	}
	chunks, err := r.store.GetChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	hits := make([]Hit, 0, len(ranked))
	for _, s := range ranked {
		c, ok := chunks[s.ChunkID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:           s.ChunkID,
			DocumentID:        s.DocumentID,
			DocumentVersionID: s.DocumentVersionID,
			Text:              c.Text,
			Metadata:          c.Metadata,
			Score:             s.Score,
		})
	}
	return hits, nil
}
