// Package search defines the semantic search collaborator used to ground
// continuity: prior characters, world facts, and scene summaries are
// stored as they are produced and retrieved by similarity before each
// Writer and Critic call.
package search

import "context"

// Result is one retrieval hit.
type Result struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]string
}

// Searcher is the external search collaborator contract.
type Searcher interface {
	Store(ctx context.Context, text string, metadata map[string]string) (string, error)
	Search(ctx context.Context, query string, topK int) ([]Result, error)
}
