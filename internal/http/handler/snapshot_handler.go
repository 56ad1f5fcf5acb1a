package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/your-org/hedge-grid-bot/internal/controller"
)

// SnapshotHandler exposes the controller's live state over HTTP.
type SnapshotHandler struct {
	ctrl *controller.Controller
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(ctrl *controller.Controller) *SnapshotHandler {
	return &SnapshotHandler{ctrl: ctrl}
}

// RegisterRoutes registers the snapshot routes on a chi router.
func (h *SnapshotHandler) RegisterRoutes(r chi.Router) {
	r.Get("/snapshot", h.GetSnapshot)
}

// GetSnapshot returns the current mode, positions, grid state, and
// cumulative PnL as JSON.
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.ctrl.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, "Failed to encode snapshot to JSON", http.StatusInternalServerError)
	}
}
