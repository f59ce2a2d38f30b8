package retrieval

import (
	"container/heap"
	"math"

	"github.com/kalambet/attest/internal/storage"
)

const (
	// MinSimilarity is the score below which a candidate is never returned.
	MinSimilarity = 0.1
	DefaultTopK   = 5
)

// Scored is a candidate with its cosine similarity to the query.
type Scored struct {
	storage.EmbeddingCandidate
	Score float64
	seq   int
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector has zero norm.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aa, bb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aa += float64(a[i]) * float64(a[i])
		bb += float64(b[i]) * float64(b[i])
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return dot / (math.Sqrt(aa) * math.Sqrt(bb))
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// PolicyCorpus drops candidates whose owning document is a questionnaire.
func PolicyCorpus(cands []storage.EmbeddingCandidate) []storage.EmbeddingCandidate {
	out := make([]storage.EmbeddingCandidate, 0, len(cands))
	for _, c := range cands {
		if c.DocumentType != storage.DocumentQuestionnaire {
			out = append(out, c)
		}
	}
	return out
}

// Rank scores every candidate against query and returns at most topK of
// them, best first. Candidates with a different length, an all-zero vector
// or a score below floor are skipped. Equal scores keep input order.
func Rank(query []float32, cands []storage.EmbeddingCandidate, topK int, floor float64) []Scored {
	if topK <= 0 || len(query) == 0 || isZero(query) {
		return nil
	}

	h := &scoredHeap{}
	for i, c := range cands {
		if len(c.Vector) != len(query) || isZero(c.Vector) {
			continue
		}
		score := Cosine(query, c.Vector)
		if score < floor {
			continue
		}
		s := Scored{EmbeddingCandidate: c, Score: score, seq: i}
		if h.Len() < topK {
			heap.Push(h, s)
		} else if worse((*h)[0], s) {
			(*h)[0] = s
			heap.Fix(h, 0)
		}
	}

	out := make([]Scored, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Scored)
	}
	return out
}

// worse reports whether a ranks below b: a lower score, or an equal score
// seen later.
func worse(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.seq > b.seq
}

// scoredHeap is a min-heap whose root is the worst retained candidate.
type scoredHeap []Scored

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
