package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/types"
)

const defaultMaxBatch = 10_000

// ObservationsHandler handles observation submissions.
type ObservationsHandler struct {
	deps     ObservationDependencies
	maxBatch int
}

// NewObservationsHandler creates a new observations handler. maxBatch caps
// the observations accepted per request.
func NewObservationsHandler(deps ObservationDependencies, maxBatch int) *ObservationsHandler {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &ObservationsHandler{deps: deps, maxBatch: maxBatch}
}

// HandlePostObservations handles POST /observations with a JSON array body.
// Entries with an unparseable date count as rejected.
func (h *ObservationsHandler) HandlePostObservations(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_observations"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req []types.Observation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, op, wrapKind("decode", ErrBadRequest, err))
		return
	}
	if len(req) > h.maxBatch {
		fail(w, op, fmt.Errorf("%d observations, limit %d: %w", len(req), h.maxBatch, ErrBatchTooLarge))
		return
	}

	obs := make([]model.Observation, 0, len(req))
	unparsed := 0
	for _, o := range req {
		m, err := o.ToModel()
		if err != nil {
			unparsed++
			continue
		}
		obs = append(obs, m)
	}

	res, err := h.deps.Ingest(r.Context(), obs)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.IngestResponse{
		Accepted:   res.Accepted,
		Duplicates: res.Duplicates,
		Rejected:   res.Rejected + unparsed,
	})
}
