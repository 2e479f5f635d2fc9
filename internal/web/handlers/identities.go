package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/store"
)

// IdentitiesHandler serves template counts and identity removal.
type IdentitiesHandler struct {
	store     *store.Store
	templates *store.TemplateRepository // optional, may be nil
}

// NewIdentitiesHandler creates a new identities handler.
func NewIdentitiesHandler(s *store.Store, templates *store.TemplateRepository) *IdentitiesHandler {
	return &IdentitiesHandler{store: s, templates: templates}
}

// Faces returns how many templates are enrolled for an identity.
func (h *IdentitiesHandler) Faces(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "id")
	if identity == "" {
		respondError(w, http.StatusBadRequest, "missing identity")
		return
	}

	count := h.store.CountIdentity(identity)
	if count == 0 {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity":  identity,
		"templates": count,
	})
}

// Delete removes every template for an identity from the in-memory store and
// the durable template table. Attendance history is kept.
func (h *IdentitiesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "id")
	if identity == "" {
		respondError(w, http.StatusBadRequest, "missing identity")
		return
	}

	removed := h.store.Remove(identity)
	if h.templates != nil {
		if _, err := h.templates.DeleteIdentity(r.Context(), identity); err != nil {
			respondError(w, http.StatusInternalServerError, "deleting stored templates")
			return
		}
	}
	if removed == 0 {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"removed":  removed,
	})
}
