package store

import (
	"github.com/coder/hnsw"
)

// HNSW index parameters for face embeddings.
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	hnswMaxNeighbors = 16

	// hnswSearchMultiplier over-fetches neighbors so results removed from
	// the template map can be filtered out without losing recall.
	hnswSearchMultiplier = 4
)

// hnswIndex wraps the HNSW graph for template embedding search. Nodes are
// keyed by template ID. The graph does not support true deletion: removed
// templates stay in the graph and are filtered out at query time by the
// owning Store's template map. Callers must hold the Store lock.
type hnswIndex struct {
	graph *hnsw.Graph[string]
}

func newHNSWIndex() *hnswIndex {
	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return &hnswIndex{graph: g}
}

// add inserts a single embedding into the graph without a rebuild.
func (h *hnswIndex) add(templateID string, embedding []float32) {
	if len(embedding) == 0 {
		return
	}
	h.graph.Add(hnsw.MakeNode(templateID, embedding))
}

// search finds the k nearest neighbors to the query embedding and returns
// template IDs with their exact cosine similarities. Distances reported by
// the graph are approximate, so the similarity is recomputed from the node
// embedding.
func (h *hnswIndex) search(query []float32, k int) ([]string, []float64) {
	neighbors := h.graph.Search(query, k)

	ids := make([]string, 0, len(neighbors))
	similarities := make([]float64, 0, len(neighbors))
	for _, n := range neighbors {
		if len(n.Value) == 0 {
			continue
		}
		ids = append(ids, n.Key)
		similarities = append(similarities, CosineSimilarity(query, n.Value))
	}
	return ids, similarities
}
