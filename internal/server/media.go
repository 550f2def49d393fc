package server

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleMedia serves a rendered chart output by id (spec.md §6,
// GET /media/{id}). render_chart writes files as <uuid>.png under
// MediaRoot (internal/toolservice/chart.go), so the id is validated as
// a UUID before being joined onto MediaRoot — this, not filepath
// cleaning, is what keeps an attacker-supplied id from escaping the
// media directory.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}

	path := filepath.Join(s.mediaRoot, id+".png")
	http.ServeFile(w, r, path)
}
