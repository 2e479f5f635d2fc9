package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

func seedRecords(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	events := []struct {
		offset time.Duration
		typ    ledger.EventType
	}{
		{9 * time.Hour, ledger.EventCheckIn},
		{17 * time.Hour, ledger.EventCheckOut},
	}
	for _, ev := range events {
		if _, dedup, err := l.Record(ctx, ledger.Record{
			Identity:  "alice",
			Timestamp: day.Add(ev.offset),
			EventType: ev.typ,
			CameraID:  "gate-1",
		}); err != nil || dedup {
			t.Fatalf("seed %s: dedup=%v err=%v", ev.typ, dedup, err)
		}
	}
}

func TestAttendanceHandler_Records(t *testing.T) {
	l := newTestLedger(t, time.Second)
	seedRecords(t, l)
	handler := NewAttendanceHandler(l)

	req := httptest.NewRequest("GET",
		"/api/v1/attendance/records?identity=alice&from=2026-03-02T00:00:00Z&to=2026-03-03T00:00:00Z", nil)
	recorder := httptest.NewRecorder()
	handler.Records(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp struct {
		Records []RecordResponse `json:"records"`
	}
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(resp.Records))
	}
	// Newest first.
	if resp.Records[0].EventType != "check_out" || resp.Records[1].EventType != "check_in" {
		t.Errorf("unexpected order: %+v", resp.Records)
	}
	if resp.Records[0].CameraID != "gate-1" {
		t.Errorf("camera_id = %q, want gate-1", resp.Records[0].CameraID)
	}
}

func TestAttendanceHandler_Records_Validation(t *testing.T) {
	handler := NewAttendanceHandler(newTestLedger(t, time.Second))

	recorder := httptest.NewRecorder()
	handler.Records(recorder, httptest.NewRequest("GET", "/api/v1/attendance/records", nil))
	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "identity is required")

	recorder = httptest.NewRecorder()
	handler.Records(recorder, httptest.NewRequest("GET",
		"/api/v1/attendance/records?identity=alice&from=yesterday", nil))
	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "from must be RFC 3339")
}

func TestAttendanceHandler_Summaries(t *testing.T) {
	l := newTestLedger(t, time.Second)
	seedRecords(t, l)
	handler := NewAttendanceHandler(l)

	req := httptest.NewRequest("GET",
		"/api/v1/attendance/summaries?identity=alice&from=2026-03-02&to=2026-03-02", nil)
	recorder := httptest.NewRecorder()
	handler.Summaries(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp struct {
		Summaries []SummaryResponse `json:"summaries"`
	}
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(resp.Summaries))
	}
	s := resp.Summaries[0]
	if !s.Present || s.Date != "2026-03-02" {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.FirstCheckIn == "" || s.LastCheckOut == "" {
		t.Errorf("expected check-in/out bounds: %+v", s)
	}
}

func TestAttendanceHandler_Summaries_Validation(t *testing.T) {
	handler := NewAttendanceHandler(newTestLedger(t, time.Second))

	recorder := httptest.NewRecorder()
	handler.Summaries(recorder, httptest.NewRequest("GET",
		"/api/v1/attendance/summaries?identity=alice&to=03/02/2026", nil))
	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "to must be YYYY-MM-DD")
}

func TestAttendanceHandler_Records_EmptyRange(t *testing.T) {
	l := newTestLedger(t, time.Second)
	seedRecords(t, l)
	handler := NewAttendanceHandler(l)

	req := httptest.NewRequest("GET",
		"/api/v1/attendance/records?identity=alice&from=2027-01-01T00:00:00Z&to=2027-01-02T00:00:00Z", nil)
	recorder := httptest.NewRecorder()
	handler.Records(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp struct {
		Records []RecordResponse `json:"records"`
	}
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Records) != 0 {
		t.Errorf("expected no records outside the range, got %d", len(resp.Records))
	}
}
