package store

import "time"

// Template is a single enrolled face embedding for an identity. An identity
// may hold several templates captured from different angles; templates are
// never mutated in place.
type Template struct {
	ID        string
	Identity  string
	Embedding []float32
	Quality   float64
	CreatedAt time.Time
}

// Candidate is one result of a similarity query. Candidates are ephemeral:
// they are produced per query and discarded after the matcher decision.
type Candidate struct {
	Identity   string
	TemplateID string
	Similarity float64
}
