// Package engine executes enrollment and verification tasks. It is the only
// place where the extractor, quality gate, embedding store, matcher and
// attendance ledger meet.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/gate"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/match"
	"github.com/kozaktomas/face-attendance/internal/store"
	"github.com/kozaktomas/face-attendance/internal/tasks"
)

// EnrollmentInput is the payload of an enrollment task. Images are base64
// encoded captures of the same person.
type EnrollmentInput struct {
	Identity string   `json:"identity"`
	Images   []string `json:"images"`
}

// ImageOutcome reports what happened to one enrollment image.
type ImageOutcome struct {
	Index      int    `json:"index"`
	Enrolled   bool   `json:"enrolled"`
	TemplateID string `json:"template_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// EnrollmentResult is the result payload of a completed enrollment task.
type EnrollmentResult struct {
	Identity string         `json:"identity"`
	Enrolled int            `json:"enrolled"`
	Outcomes []ImageOutcome `json:"outcomes"`
}

// VerificationInput is the payload of a verification task. EventType defaults
// to check_in when empty.
type VerificationInput struct {
	Image     string `json:"image"`
	CameraID  string `json:"camera_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// AttendanceOutcome describes the ledger side effect of an accepted match.
type AttendanceOutcome struct {
	Recorded     bool  `json:"recorded"`
	Deduplicated bool  `json:"deduplicated"`
	RecordID     int64 `json:"record_id,omitempty"`
}

// VerificationResult is the result payload of a completed verification task.
// A rejection by the gate or the matcher completes the task with Matched
// false; only infrastructure trouble fails it.
type VerificationResult struct {
	Matched    bool               `json:"matched"`
	Identity   string             `json:"identity,omitempty"`
	Similarity float64            `json:"similarity,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Attendance *AttendanceOutcome `json:"attendance,omitempty"`
}

// Engine wires the pipeline components together and implements tasks.Handler.
type Engine struct {
	extractor extract.Extractor
	gate      *gate.Gate
	store     *store.Store
	matcher   *match.Matcher
	ledger    *ledger.Ledger
	templates *store.TemplateRepository // optional write-through, may be nil
}

func New(
	extractor extract.Extractor,
	g *gate.Gate,
	s *store.Store,
	m *match.Matcher,
	l *ledger.Ledger,
	templates *store.TemplateRepository,
) *Engine {
	return &Engine{
		extractor: extractor,
		gate:      g,
		store:     s,
		matcher:   m,
		ledger:    l,
		templates: templates,
	}
}

// Handle dispatches a claimed task to the matching pipeline.
func (e *Engine) Handle(ctx context.Context, task *tasks.Task) (json.RawMessage, string, error) {
	switch task.Kind {
	case tasks.KindEnrollment:
		return e.enroll(ctx, task)
	case tasks.KindVerification:
		return e.verify(ctx, task)
	default:
		return nil, tasks.ReasonInternalError, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (e *Engine) enroll(ctx context.Context, task *tasks.Task) (json.RawMessage, string, error) {
	var input EnrollmentInput
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, tasks.ReasonInternalError, fmt.Errorf("decoding enrollment input: %w", err)
	}
	if input.Identity == "" {
		return nil, tasks.ReasonInternalError, errors.New("enrollment input has no identity")
	}
	if len(input.Images) == 0 {
		return nil, tasks.ReasonInternalError, errors.New("enrollment input has no images")
	}

	result := EnrollmentResult{Identity: input.Identity}
	for i, encoded := range input.Images {
		outcome := ImageOutcome{Index: i}

		image, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, tasks.ReasonInternalError, fmt.Errorf("decoding image %d: %w", i, err)
		}

		extracted, err := e.extractor.Extract(ctx, image)
		if err != nil {
			return nil, tasks.ReasonExtractionError, fmt.Errorf("extracting image %d: %w", i, err)
		}

		verdict := e.gate.Check(gate.Observation{
			Quality:            extracted.Quality,
			Live:               extracted.Live,
			LivenessConfidence: extracted.LivenessConfidence,
		}, gate.PurposeEnroll)
		if !verdict.Accepted {
			outcome.Reason = string(verdict.Reason)
			outcome.Detail = verdict.Detail
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		id, err := e.store.Insert(input.Identity, extracted.Embedding, extracted.Quality)
		if err != nil {
			return nil, tasks.ReasonInternalError, fmt.Errorf("storing template for image %d: %w", i, err)
		}

		if e.templates != nil {
			tmpl := store.Template{
				ID:        id,
				Identity:  input.Identity,
				Embedding: extracted.Embedding,
				Quality:   extracted.Quality,
				CreatedAt: time.Now().UTC(),
			}
			if err := e.templates.SaveTemplate(ctx, &tmpl); err != nil {
				return nil, tasks.ReasonInternalError, fmt.Errorf("persisting template for image %d: %w", i, err)
			}
		}

		outcome.Enrolled = true
		outcome.TemplateID = id
		result.Enrolled++
		result.Outcomes = append(result.Outcomes, outcome)
	}

	// Enrollment must seed at least one template; a fully rejected batch is
	// a task failure carrying the first rejection reason.
	if result.Enrolled == 0 {
		first := result.Outcomes[0]
		return nil, first.Reason, fmt.Errorf("all %d enrollment images rejected: %s", len(input.Images), first.Detail)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, tasks.ReasonInternalError, err
	}
	return payload, "", nil
}

func (e *Engine) verify(ctx context.Context, task *tasks.Task) (json.RawMessage, string, error) {
	started := time.Now()

	var input VerificationInput
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, tasks.ReasonInternalError, fmt.Errorf("decoding verification input: %w", err)
	}

	image, err := base64.StdEncoding.DecodeString(input.Image)
	if err != nil {
		return nil, tasks.ReasonInternalError, fmt.Errorf("decoding image: %w", err)
	}

	extracted, err := e.extractor.Extract(ctx, image)
	if err != nil {
		return nil, tasks.ReasonExtractionError, fmt.Errorf("extracting image: %w", err)
	}

	verdict := e.gate.Check(gate.Observation{
		Quality:            extracted.Quality,
		Live:               extracted.Live,
		LivenessConfidence: extracted.LivenessConfidence,
	}, gate.PurposeVerify)
	if !verdict.Accepted {
		return marshalResult(VerificationResult{Reason: string(verdict.Reason)})
	}

	matched, err := e.matcher.Match(extracted.Embedding)
	if err != nil {
		return nil, tasks.ReasonInternalError, fmt.Errorf("matching: %w", err)
	}
	if !matched.Accepted {
		return marshalResult(VerificationResult{
			Similarity: matched.Similarity,
			Reason:     string(matched.Reason),
		})
	}

	eventType := ledger.EventType(input.EventType)
	if input.EventType == "" {
		eventType = ledger.EventCheckIn
	}
	rec, deduplicated, err := e.ledger.Record(ctx, ledger.Record{
		Identity:   matched.Identity,
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		CameraID:   input.CameraID,
		Confidence: matched.Similarity,
		Latency:    time.Since(started).Seconds(),
	})
	if err != nil {
		return nil, tasks.ReasonInternalError, fmt.Errorf("recording attendance: %w", err)
	}

	attendance := &AttendanceOutcome{Deduplicated: deduplicated}
	if !deduplicated {
		attendance.Recorded = true
		attendance.RecordID = rec.ID
	}
	return marshalResult(VerificationResult{
		Matched:    true,
		Identity:   matched.Identity,
		Similarity: matched.Similarity,
		Attendance: attendance,
	})
}

func marshalResult(result VerificationResult) (json.RawMessage, string, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, tasks.ReasonInternalError, err
	}
	return payload, "", nil
}
