// Package tasks turns enrollment and verification requests into asynchronous,
// pollable tasks. Task state lives in SQLite so status survives process
// restarts; the worker pool and the per-subject in-flight guard live in
// memory.
package tasks

import (
	"encoding/json"
	"time"
)

// Kind distinguishes what a task does once a worker claims it.
type Kind string

const (
	KindEnrollment   Kind = "enrollment"
	KindVerification Kind = "verification"
)

// State is the task lifecycle state. Terminal states are immutable.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Failure reasons surfaced verbatim through task status.
const (
	ReasonTimeout         = "timeout"
	ReasonExtractionError = "extraction_error"
	ReasonInterrupted     = "interrupted"
	ReasonInternalError   = "internal_error"
)

// Task is one enrollment or verification request. The subject key is the
// identity for enrollment and the camera/session ID for verification, where
// the identity is not yet known.
type Task struct {
	ID         string
	Kind       Kind
	SubjectKey string
	State      State
	Input      json.RawMessage
	Result     json.RawMessage
	FailReason string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
