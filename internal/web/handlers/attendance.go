package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// AttendanceHandler serves attendance records and daily summaries.
type AttendanceHandler struct {
	ledger *ledger.Ledger
}

// NewAttendanceHandler creates a new attendance handler.
func NewAttendanceHandler(l *ledger.Ledger) *AttendanceHandler {
	return &AttendanceHandler{ledger: l}
}

// RecordResponse is the wire form of one attendance record.
type RecordResponse struct {
	ID         int64   `json:"id"`
	Identity   string  `json:"identity"`
	Timestamp  string  `json:"timestamp"`
	EventType  string  `json:"event_type"`
	CameraID   string  `json:"camera_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Latency    float64 `json:"latency_seconds"`
}

// SummaryResponse is the wire form of one daily summary.
type SummaryResponse struct {
	Identity     string `json:"identity"`
	Date         string `json:"date"`
	FirstCheckIn string `json:"first_check_in,omitempty"`
	LastCheckOut string `json:"last_check_out,omitempty"`
	Present      bool   `json:"present"`
}

// Records returns attendance records for an identity. The time range is
// optional and defaults to the last 24 hours.
func (h *AttendanceHandler) Records(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		respondError(w, http.StatusBadRequest, "identity is required")
		return
	}

	now := time.Now().UTC()
	from, ok := parseTimeParam(w, r, "from", now.Add(-24*time.Hour))
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "to", now)
	if !ok {
		return
	}

	records, err := h.ledger.RecordsByIdentity(r.Context(), identity, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "querying records")
		return
	}

	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordResponse{
			ID:         rec.ID,
			Identity:   rec.Identity,
			Timestamp:  rec.Timestamp.Format(time.RFC3339Nano),
			EventType:  string(rec.EventType),
			CameraID:   rec.CameraID,
			Confidence: rec.Confidence,
			Latency:    rec.Latency,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": out})
}

// Summaries returns daily summaries for an identity. The date range is
// optional and defaults to today.
func (h *AttendanceHandler) Summaries(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		respondError(w, http.StatusBadRequest, "identity is required")
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	fromDate, ok := parseDateParam(w, r, "from", today)
	if !ok {
		return
	}
	toDate, ok := parseDateParam(w, r, "to", today)
	if !ok {
		return
	}

	summaries, err := h.ledger.SummariesByIdentity(r.Context(), identity, fromDate, toDate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "querying summaries")
		return
	}

	out := make([]SummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		resp := SummaryResponse{
			Identity: s.Identity,
			Date:     s.Date,
			Present:  s.Present,
		}
		if s.FirstCheckIn != nil {
			resp.FirstCheckIn = s.FirstCheckIn.Format(time.RFC3339Nano)
		}
		if s.LastCheckOut != nil {
			resp.LastCheckOut = s.LastCheckOut.Format(time.RFC3339Nano)
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, map[string]any{"summaries": out})
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, name string, fallback time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}

func parseDateParam(w http.ResponseWriter, r *http.Request, name, fallback string) (string, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	if _, err := time.Parse("2006-01-02", raw); err != nil {
		respondError(w, http.StatusBadRequest, name+" must be YYYY-MM-DD")
		return "", false
	}
	return raw, true
}
