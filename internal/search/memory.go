package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemorySearcher is an in-process Searcher using token-frequency cosine
// similarity. It is the default backend when no external vector service is
// configured, and the test double everywhere else.
type MemorySearcher struct {
	mu   sync.RWMutex
	docs []memoryDoc
}

type memoryDoc struct {
	id       string
	text     string
	metadata map[string]string
	vector   map[string]float64
}

// NewMemorySearcher creates an empty in-memory searcher.
func NewMemorySearcher() *MemorySearcher {
	return &MemorySearcher{}
}

// Store indexes one document and returns its ID.
func (m *MemorySearcher) Store(_ context.Context, text string, metadata map[string]string) (string, error) {
	doc := memoryDoc{
		id:       "doc_" + uuid.New().String()[:8],
		text:     text,
		metadata: metadata,
		vector:   vectorize(text),
	}
	m.mu.Lock()
	m.docs = append(m.docs, doc)
	m.mu.Unlock()
	return doc.id, nil
}

// Search returns the topK most similar documents to the query, best first.
// Documents with zero similarity are excluded.
func (m *MemorySearcher) Search(_ context.Context, query string, topK int) ([]Result, error) {
	qv := vectorize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Result
	for _, doc := range m.docs {
		score := cosine(qv, doc.vector)
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			ID:       doc.id,
			Score:    score,
			Text:     doc.text,
			Metadata: doc.metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func vectorize(text string) map[string]float64 {
	v := make(map[string]float64)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) < 3 {
			continue
		}
		v[tok]++
	}
	return v
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, av := range a {
		na += av * av
		if bv, ok := b[k]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
