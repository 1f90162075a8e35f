package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// RetrievedItem is one ranked long-term memory.
type RetrievedItem struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
	Similarity float64 `json:"similarity"`
}

// Retriever looks up long-term memories relevant to a query. Implementations
// return items ranked best-first; TopK and the importance floor come from the
// project's memory policy.
type Retriever interface {
	Retrieve(ctx context.Context, projectID, query string, topK int, minImportance float64) ([]RetrievedItem, error)
}

// StoredMemory is one entry in the keyword retriever.
type StoredMemory struct {
	Content    string
	Category   string
	Importance float64
}

// KeywordRetriever is an in-process Retriever ranking stored memories by
// term overlap with the query, weighted by importance. It stands in where no
// embedding backend is configured.
type KeywordRetriever struct {
	mu       sync.RWMutex
	memories map[string][]StoredMemory
}

// NewKeywordRetriever creates an empty keyword retriever.
func NewKeywordRetriever() *KeywordRetriever {
	return &KeywordRetriever{memories: make(map[string][]StoredMemory)}
}

// Add stores a memory for a project.
func (r *KeywordRetriever) Add(projectID string, memory StoredMemory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memories[projectID] = append(r.memories[projectID], memory)
}

// Retrieve ranks a project's memories against the query.
func (r *KeywordRetriever) Retrieve(_ context.Context, projectID, query string, topK int, minImportance float64) ([]RetrievedItem, error) {
	r.mu.RLock()
	stored := r.memories[projectID]
	r.mu.RUnlock()

	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	var items []RetrievedItem
	for _, m := range stored {
		if m.Importance < minImportance {
			continue
		}
		similarity := overlap(queryTerms, terms(m.Content))
		if similarity == 0 {
			continue
		}
		items = append(items, RetrievedItem{
			Content:    m.Content,
			Category:   m.Category,
			Importance: m.Importance,
			Similarity: similarity,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Similarity*items[i].Importance > items[j].Similarity*items[j].Importance
	})
	if topK > 0 && len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) < 3 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := doc[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
