package match

import (
	"testing"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/store"
)

// fakeQuerier returns canned candidates regardless of the query vector.
type fakeQuerier struct {
	candidates []store.Candidate
}

func (f *fakeQuerier) Query(embedding []float32, k int) ([]store.Candidate, error) {
	if len(f.candidates) > k {
		return f.candidates[:k], nil
	}
	return f.candidates, nil
}

func TestMatch(t *testing.T) {
	cfg := config.MatchConfig{AcceptThreshold: 0.6, SeparationMargin: 0.03}

	tests := []struct {
		name       string
		candidates []store.Candidate
		accepted   bool
		identity   string
		reason     Reason
	}{
		{
			name:       "no candidates",
			candidates: nil,
			reason:     ReasonBelowThreshold,
		},
		{
			name: "top below threshold",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.55},
				{Identity: "bob", TemplateID: "t2", Similarity: 0.40},
			},
			reason: ReasonBelowThreshold,
		},
		{
			name: "clear accept with margin",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.85},
				{Identity: "bob", TemplateID: "t2", Similarity: 0.60},
			},
			accepted: true,
			identity: "alice",
		},
		{
			name: "single candidate above threshold",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.7},
			},
			accepted: true,
			identity: "alice",
		},
		{
			name: "different identities inside margin",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.72},
				{Identity: "bob", TemplateID: "t2", Similarity: 0.70},
			},
			reason: ReasonAmbiguous,
		},
		{
			name: "same identity inside margin still accepted",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.72},
				{Identity: "alice", TemplateID: "t2", Similarity: 0.71},
			},
			accepted: true,
			identity: "alice",
		},
		{
			name: "margin boundary is exclusive",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.73},
				{Identity: "bob", TemplateID: "t2", Similarity: 0.70},
			},
			accepted: true,
			identity: "alice",
		},
		{
			name: "threshold boundary is inclusive",
			candidates: []store.Candidate{
				{Identity: "alice", TemplateID: "t1", Similarity: 0.60},
			},
			accepted: true,
			identity: "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&fakeQuerier{candidates: tt.candidates}, cfg)
			result, err := m.Match(make([]float32, 4))
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if result.Accepted != tt.accepted {
				t.Fatalf("accepted = %t, want %t (result %+v)", result.Accepted, tt.accepted, result)
			}
			if tt.accepted {
				if result.Identity != tt.identity {
					t.Errorf("identity = %s, want %s", result.Identity, tt.identity)
				}
				if result.Similarity != tt.candidates[0].Similarity {
					t.Errorf("similarity = %v, want %v", result.Similarity, tt.candidates[0].Similarity)
				}
			} else if result.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", result.Reason, tt.reason)
			}
		})
	}
}
