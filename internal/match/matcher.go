// Package match decides whether a query embedding belongs to an enrolled
// identity. The policy is top-2 with a separation margin: a high top-1 score
// is not enough when the runner-up is a different identity at nearly the same
// similarity, because near-duplicate identities would otherwise inflate the
// false-accept rate.
package match

import (
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/store"
)

// Reason identifies why a match was rejected.
type Reason string

const (
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonAmbiguous      Reason = "ambiguous"
)

// Result is the matcher decision for one query.
type Result struct {
	Accepted   bool
	Identity   string
	Similarity float64
	Reason     Reason
}

// Querier is the store capability the matcher needs.
type Querier interface {
	Query(embedding []float32, k int) ([]store.Candidate, error)
}

// Matcher applies the acceptance policy over store query results.
type Matcher struct {
	store  Querier
	accept float64
	margin float64
}

func New(s Querier, cfg config.MatchConfig) *Matcher {
	return &Matcher{
		store:  s,
		accept: cfg.AcceptThreshold,
		margin: cfg.SeparationMargin,
	}
}

// Match retrieves the top-2 candidates and applies the acceptance policy.
func (m *Matcher) Match(embedding []float32) (Result, error) {
	candidates, err := m.store.Query(embedding, 2)
	if err != nil {
		return Result{}, err
	}

	if len(candidates) == 0 || candidates[0].Similarity < m.accept {
		return Result{Reason: ReasonBelowThreshold}, nil
	}

	top := candidates[0]
	if len(candidates) > 1 {
		runnerUp := candidates[1]
		if runnerUp.Identity != top.Identity && top.Similarity-runnerUp.Similarity < m.margin {
			return Result{Reason: ReasonAmbiguous}, nil
		}
	}

	return Result{
		Accepted:   true,
		Identity:   top.Identity,
		Similarity: top.Similarity,
	}, nil
}
