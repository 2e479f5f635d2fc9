package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds enrolled face templates and answers nearest-neighbor queries.
//
// Below the crossover cardinality queries scan every template exhaustively;
// above it they use the HNSW graph, which is maintained incrementally on
// every insert so the switch needs no rebuild. The two paths rank identically
// below the crossover; above it the graph may lose bounded recall.
//
// Inserts and queries may interleave freely. A query may transiently miss a
// just-inserted template but never observes a partially written one.
type Store struct {
	mu         sync.RWMutex
	dim        int
	crossover  int
	templates  map[string]*Template // by template ID
	byIdentity map[string][]string  // identity -> template IDs
	index      *hnswIndex
}

// New creates an empty store for embeddings of the given dimension.
// Queries switch from exhaustive scan to the HNSW graph once the template
// count reaches crossover; crossover <= 0 means always use the graph.
func New(dim, crossover int) *Store {
	return &Store{
		dim:        dim,
		crossover:  crossover,
		templates:  make(map[string]*Template),
		byIdentity: make(map[string][]string),
		index:      newHNSWIndex(),
	}
}

// Dim returns the embedding dimension the store enforces.
func (s *Store) Dim() int {
	return s.dim
}

// Insert adds a template for an identity and returns its template ID.
func (s *Store) Insert(identity string, embedding []float32, quality float64) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	if len(embedding) != s.dim {
		return "", fmt.Errorf("embedding has %d components, want %d", len(embedding), s.dim)
	}

	tmpl := &Template{
		ID:        uuid.NewString(),
		Identity:  identity,
		Embedding: embedding,
		Quality:   quality,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[tmpl.ID] = tmpl
	s.byIdentity[identity] = append(s.byIdentity[identity], tmpl.ID)
	s.index.add(tmpl.ID, embedding)

	return tmpl.ID, nil
}

// Restore re-adds a previously persisted template, keeping its ID and
// timestamps. Used to seed the in-memory index from the template repository
// at startup.
func (s *Store) Restore(tmpl Template) error {
	if len(tmpl.Embedding) != s.dim {
		return fmt.Errorf("embedding has %d components, want %d", len(tmpl.Embedding), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := tmpl
	s.templates[copied.ID] = &copied
	s.byIdentity[copied.Identity] = append(s.byIdentity[copied.Identity], copied.ID)
	s.index.add(copied.ID, copied.Embedding)
	return nil
}

// Remove drops all templates for an identity. The HNSW graph keeps the nodes
// (it has no true deletion) but queries filter them out via the template map.
func (s *Store) Remove(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byIdentity[identity]
	for _, id := range ids {
		delete(s.templates, id)
	}
	delete(s.byIdentity, identity)
	return len(ids)
}

// Count returns the number of live templates.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}

// CountIdentity returns the number of templates enrolled for an identity.
func (s *Store) CountIdentity(identity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byIdentity[identity])
}

// Query returns up to k candidates ordered by descending cosine similarity.
func (s *Store) Query(embedding []float32, k int) ([]Candidate, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("query has %d components, want %d", len(embedding), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.templates) == 0 {
		return nil, nil
	}
	if s.crossover > 0 && len(s.templates) < s.crossover {
		return s.queryExhaustive(embedding, k), nil
	}
	return s.queryGraph(embedding, k), nil
}

// queryExhaustive scans every live template. Caller holds the read lock.
func (s *Store) queryExhaustive(embedding []float32, k int) []Candidate {
	candidates := make([]Candidate, 0, len(s.templates))
	for _, tmpl := range s.templates {
		candidates = append(candidates, Candidate{
			Identity:   tmpl.Identity,
			TemplateID: tmpl.ID,
			Similarity: CosineSimilarity(embedding, tmpl.Embedding),
		})
	}
	sortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// queryGraph searches the HNSW graph, over-fetching so that nodes belonging
// to removed templates can be filtered out. Caller holds the read lock.
func (s *Store) queryGraph(embedding []float32, k int) []Candidate {
	fetch := k * hnswSearchMultiplier
	if fetch < hnswMaxNeighbors {
		fetch = hnswMaxNeighbors
	}
	ids, similarities := s.index.search(embedding, fetch)

	candidates := make([]Candidate, 0, k)
	for i, id := range ids {
		tmpl, ok := s.templates[id]
		if !ok {
			continue // removed identity, node still in graph
		}
		candidates = append(candidates, Candidate{
			Identity:   tmpl.Identity,
			TemplateID: id,
			Similarity: similarities[i],
		})
		if len(candidates) == k {
			break
		}
	}
	sortCandidates(candidates)
	return candidates
}

// sortCandidates orders by descending similarity with template ID as a
// deterministic tie-break.
func sortCandidates(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].TemplateID < candidates[j].TemplateID
	})
}
