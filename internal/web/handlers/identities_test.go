package handlers

import (
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/store"
)

func newSeededStore(t *testing.T) *store.Store {
	t.Helper()
	const dim = 16
	s := store.New(dim, 10000)
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 3; i++ {
		embedding := make([]float32, dim)
		for j := range embedding {
			embedding[j] = float32(rnd.NormFloat64())
		}
		if _, err := s.Insert("alice", embedding, 0.9); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return s
}

func TestIdentitiesHandler_Faces(t *testing.T) {
	handler := NewIdentitiesHandler(newSeededStore(t), nil)

	req := requestWithChiParams(
		httptest.NewRequest("GET", "/api/v1/identities/alice/faces", nil),
		map[string]string{"id": "alice"},
	)
	recorder := httptest.NewRecorder()
	handler.Faces(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp struct {
		Identity  string `json:"identity"`
		Templates int    `json:"templates"`
	}
	parseJSONResponse(t, recorder, &resp)
	if resp.Identity != "alice" || resp.Templates != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestIdentitiesHandler_Faces_NotFound(t *testing.T) {
	handler := NewIdentitiesHandler(newSeededStore(t), nil)

	req := requestWithChiParams(
		httptest.NewRequest("GET", "/api/v1/identities/bob/faces", nil),
		map[string]string{"id": "bob"},
	)
	recorder := httptest.NewRecorder()
	handler.Faces(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "identity not found")
}

func TestIdentitiesHandler_Delete(t *testing.T) {
	s := newSeededStore(t)
	handler := NewIdentitiesHandler(s, nil)

	req := requestWithChiParams(
		httptest.NewRequest("DELETE", "/api/v1/identities/alice", nil),
		map[string]string{"id": "alice"},
	)
	recorder := httptest.NewRecorder()
	handler.Delete(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp struct {
		Identity string `json:"identity"`
		Removed  int    `json:"removed"`
	}
	parseJSONResponse(t, recorder, &resp)
	if resp.Removed != 3 {
		t.Errorf("removed = %d, want 3", resp.Removed)
	}
	if s.CountIdentity("alice") != 0 {
		t.Error("templates should be gone from the store")
	}

	// Deleting again reports not found.
	recorder = httptest.NewRecorder()
	handler.Delete(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)
}
