package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/tasks"
)

// noopHandler satisfies tasks.Handler for tests that never start the worker
// pool.
type noopHandler struct{}

func (noopHandler) Handle(context.Context, *tasks.Task) (json.RawMessage, string, error) {
	return json.RawMessage(`{}`), "", nil
}

// newTestOrchestrator creates an orchestrator over a temp SQLite store. The
// worker pool is not started, so submitted tasks stay queued and the
// in-flight guard stays armed.
func newTestOrchestrator(t *testing.T) *tasks.Orchestrator {
	t.Helper()
	db, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := tasks.NewStore(db)
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	return tasks.NewOrchestrator(store, noopHandler{}, config.TasksConfig{
		VerifyTimeout: 10 * time.Second,
		EnrollTimeout: 30 * time.Second,
		TerminalTTL:   24 * time.Hour,
		Workers:       1,
	})
}

// newTestLedger creates a ledger over a temp SQLite database.
func newTestLedger(t *testing.T, cooldown time.Duration) *ledger.Ledger {
	t.Helper()
	db, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l, err := ledger.New(db, cooldown)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
