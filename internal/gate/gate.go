// Package gate pre-filters observations using externally supplied quality and
// liveness scores before they reach the matcher or the embedding store. It is
// a pure filter: no state, no side effects beyond the verdict.
package gate

import (
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/config"
)

// Purpose selects which quality threshold applies. Enrollment is stricter
// because it seeds ground truth.
type Purpose string

const (
	PurposeEnroll Purpose = "enroll"
	PurposeVerify Purpose = "verify"
)

// Reason identifies why an observation was rejected.
type Reason string

const (
	ReasonLowQuality     Reason = "low_quality"
	ReasonSpoofSuspected Reason = "spoof_suspected"
)

// Observation carries the externally computed scores for a captured face.
// The embedding itself passes through the gate unchanged and is not part of
// the verdict.
type Observation struct {
	Quality            float64 // [0, 1]
	Live               bool    // liveness verdict from the anti-spoof scorer
	LivenessConfidence float64 // [0, 1]
}

// Verdict is the gate decision for one observation.
type Verdict struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

// Gate applies configured quality and liveness thresholds.
type Gate struct {
	cfg config.GateConfig
}

func New(cfg config.GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Check returns the verdict for an observation.
func (g *Gate) Check(obs Observation, purpose Purpose) Verdict {
	minQuality := g.cfg.VerifyQuality
	if purpose == PurposeEnroll {
		minQuality = g.cfg.EnrollQuality
	}

	if obs.Quality < minQuality {
		return Verdict{
			Reason: ReasonLowQuality,
			Detail: fmt.Sprintf("quality %.2f below %s threshold %.2f", obs.Quality, purpose, minQuality),
		}
	}
	if !obs.Live || obs.LivenessConfidence < g.cfg.MinLivenessConfidence {
		return Verdict{
			Reason: ReasonSpoofSuspected,
			Detail: fmt.Sprintf("liveness verdict %t with confidence %.2f", obs.Live, obs.LivenessConfidence),
		}
	}
	return Verdict{Accepted: true}
}
