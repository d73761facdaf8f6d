package api

import (
	"net/http"
	"time"

	"github.com/okian/demandcast/internal/domain/types"
)

// PerformanceHandler reports per-entity accuracy and failure history.
type PerformanceHandler struct {
	deps PerformanceDependencies
}

// NewPerformanceHandler creates a new performance handler.
func NewPerformanceHandler(deps PerformanceDependencies) *PerformanceHandler {
	return &PerformanceHandler{deps: deps}
}

// HandleGetPerformance handles GET /performance?entity=E.
func (h *PerformanceHandler) HandleGetPerformance(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_performance"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	entity, err := entityParam(r)
	if err != nil {
		fail(w, op, err)
		return
	}
	p, err := h.deps.Performance(entity)
	if err != nil {
		fail(w, op, err)
		return
	}

	history := make([]types.Snapshot, len(p.History))
	for i, s := range p.History {
		history[i] = types.SnapshotFromModel(s)
	}
	gaps := make([]types.Gap, len(p.Gaps))
	for i, g := range p.Gaps {
		gaps[i] = types.Gap{After: g.After.Format(time.DateOnly), Missing: g.Missing}
	}
	writeJSON(w, http.StatusOK, types.PerformanceResponse{
		Entity:   p.Entity,
		Kind:     p.Kind,
		Current:  types.SnapshotFromModel(p.Current),
		History:  history,
		Alerts:   p.Alerts,
		Drifted:  p.Drifted,
		Window:   p.Window,
		Buffered: p.Buffered,
		Gaps:     gaps,
	})
}

// HandleGetErrors handles GET /errors?entity=E.
func (h *PerformanceHandler) HandleGetErrors(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_errors"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	entity, err := entityParam(r)
	if err != nil {
		fail(w, op, err)
		return
	}
	rep, err := h.deps.Errors(entity)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
