package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	service "github.com/okian/pitwall/internal/app"
)

// SnapshotHandler serves the committed system snapshot and its parts.
type SnapshotHandler struct {
	deps Dependencies
}

// NewSnapshotHandler creates a new snapshot handler.
func NewSnapshotHandler(deps Dependencies) *SnapshotHandler {
	return &SnapshotHandler{deps: deps}
}

// HandleSnapshot handles GET /snapshot requests.
func (h *SnapshotHandler) HandleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Snapshot())
}

// HandleCar handles GET /snapshot/car requests.
func (h *SnapshotHandler) HandleCar(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Snapshot().Car)
}

// HandleField handles GET /snapshot/field requests.
func (h *SnapshotHandler) HandleField(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Snapshot().Field)
}

// HandleCompetitor handles GET /snapshot/competitors/{id} requests.
func (h *SnapshotHandler) HandleCompetitor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	profile, err := h.deps.Competitor(id)
	switch {
	case errors.Is(err, service.ErrUnknownCar):
		writeError(w, http.StatusNotFound, "not_found", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err)
	default:
		writeJSON(w, http.StatusOK, profile)
	}
}
