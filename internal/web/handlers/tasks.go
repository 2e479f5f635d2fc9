package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/engine"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/tasks"
)

// TasksHandler handles enrollment/verification submission and task polling.
type TasksHandler struct {
	orchestrator *tasks.Orchestrator
}

// NewTasksHandler creates a new tasks handler.
func NewTasksHandler(o *tasks.Orchestrator) *TasksHandler {
	return &TasksHandler{orchestrator: o}
}

// EnrollRequest is the payload for POST /enroll. Images are base64 encoded.
type EnrollRequest struct {
	Identity string   `json:"identity"`
	Images   []string `json:"images"`
}

// VerifyRequest is the payload for POST /verify.
type VerifyRequest struct {
	Image     string `json:"image"`
	CameraID  string `json:"camera_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// TaskResponse is the wire form of a task for submission and polling.
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	Kind       string          `json:"kind"`
	State      string          `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	FailReason string          `json:"fail_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Enroll submits an enrollment task.
func (h *TasksHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Identity == "" {
		respondError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if len(req.Images) == 0 {
		respondError(w, http.StatusBadRequest, "at least one image is required")
		return
	}
	for _, image := range req.Images {
		if !validBase64(image) {
			respondError(w, http.StatusBadRequest, "images must be base64 encoded")
			return
		}
	}

	input, err := json.Marshal(engine.EnrollmentInput{
		Identity: req.Identity,
		Images:   req.Images,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encoding task input")
		return
	}

	h.submit(w, r, tasks.KindEnrollment, "identity:"+req.Identity, input)
}

// Verify submits a verification task. The identity is not known at
// submission time, so the in-flight guard keys on the camera when one is
// given and falls back to a per-request session otherwise.
func (h *TasksHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Image == "" {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}
	if !validBase64(req.Image) {
		respondError(w, http.StatusBadRequest, "image must be base64 encoded")
		return
	}
	if req.EventType != "" && !ledger.EventType(req.EventType).Valid() {
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	input, err := json.Marshal(engine.VerificationInput{
		Image:     req.Image,
		CameraID:  req.CameraID,
		EventType: req.EventType,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encoding task input")
		return
	}

	subject := "session:" + uuid.New().String()
	if req.CameraID != "" {
		subject = "camera:" + req.CameraID
	}
	h.submit(w, r, tasks.KindVerification, subject, input)
}

func (h *TasksHandler) submit(w http.ResponseWriter, r *http.Request, kind tasks.Kind, subject string, input json.RawMessage) {
	id, err := h.orchestrator.Submit(r.Context(), kind, subject, input)
	switch {
	case errors.Is(err, tasks.ErrDuplicateInFlight):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":   "duplicate_in_flight",
			"task_id": id,
		})
		return
	case errors.Is(err, tasks.ErrQueueFull):
		respondError(w, http.StatusServiceUnavailable, "task queue is full")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "submitting task")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"state":   string(tasks.StateQueued),
	})
}

// Status returns the current state of a task. Polling a terminal task keeps
// returning the same result.
func (h *TasksHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing task ID")
		return
	}

	task, err := h.orchestrator.Status(r.Context(), id)
	if errors.Is(err, tasks.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading task")
		return
	}

	respondJSON(w, http.StatusOK, TaskResponse{
		TaskID:     task.ID,
		Kind:       string(task.Kind),
		State:      string(task.State),
		Result:     task.Result,
		FailReason: task.FailReason,
		Error:      task.Error,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	})
}

func validBase64(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}
