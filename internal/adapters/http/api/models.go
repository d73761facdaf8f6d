package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	service "github.com/okian/demandcast/internal/app"
	"github.com/okian/demandcast/internal/domain/tuning"
	"github.com/okian/demandcast/internal/domain/types"
)

// ModelsHandler tunes, validates, saves and restores entity models.
type ModelsHandler struct {
	deps ModelDependencies
}

// NewModelsHandler creates a new models handler.
func NewModelsHandler(deps ModelDependencies) *ModelsHandler {
	return &ModelsHandler{deps: deps}
}

// HandleTune handles POST /tune.
func (h *ModelsHandler) HandleTune(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_tune"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req types.TuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, op, wrapKind("decode", ErrBadRequest, err))
		return
	}
	req.Entity = strings.TrimSpace(req.Entity)
	if req.Entity == "" {
		fail(w, op, wrapKind("entity", ErrBadRequest, errors.New("missing entity")))
		return
	}
	var grid tuning.Grid
	for _, a := range req.Grid {
		grid = append(grid, tuning.Axis{Name: a.Name, Values: a.Values})
	}

	res, err := h.deps.Tune(r.Context(), req.Entity, req.Kind, grid)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTuneResponse(res))
}

// NewTuneResponse converts a tuning result to its wire form. Candidates that
// failed carry their error and no score.
func NewTuneResponse(res service.TuneResult) types.TuneResponse {
	out := types.TuneResponse{
		Descriptor: res.Descriptor,
		Best:       res.Outcome.Best,
		BestMAPE:   types.Finite(res.Outcome.BestMAPE),
		Candidates: make([]types.Candidate, len(res.Outcome.Results)),
	}
	for i, c := range res.Outcome.Results {
		out.Candidates[i] = types.Candidate{
			Parameters: c.Parameters,
			MAPE:       types.Finite(c.MAPE),
			StdDev:     types.Finite(c.StdDev),
		}
		if c.Err != nil {
			out.Candidates[i].Error = c.Err.Error()
		}
	}
	return out
}

// HandleValidate handles GET /validate?entity=E.
func (h *ModelsHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_validate"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	entity, err := entityParam(r)
	if err != nil {
		fail(w, op, err)
		return
	}
	res, err := h.deps.Validate(r.Context(), entity)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleDescriptors lists descriptors on GET and saves the entity's current
// model on POST.
func (h *ModelsHandler) HandleDescriptors(w http.ResponseWriter, r *http.Request) {
	const op = "api.descriptors"
	switch r.Method {
	case http.MethodGet:
		all, err := h.deps.Descriptors(r.Context())
		if err != nil {
			fail(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, all)
	case http.MethodPost:
		entity, err := decodeEntity(r)
		if err != nil {
			fail(w, op, err)
			return
		}
		d, err := h.deps.Save(r.Context(), entity)
		if err != nil {
			fail(w, op, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	default:
		http.NotFound(w, r)
	}
}

// HandleRestore handles POST /restore.
func (h *ModelsHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_restore"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	entity, err := decodeEntity(r)
	if err != nil {
		fail(w, op, err)
		return
	}
	d, err := h.deps.Restore(r.Context(), entity)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func decodeEntity(r *http.Request) (string, error) {
	var req types.EntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", wrapKind("decode", ErrBadRequest, err)
	}
	entity := strings.TrimSpace(req.Entity)
	if entity == "" {
		return "", wrapKind("entity", ErrBadRequest, errors.New("missing entity"))
	}
	return entity, nil
}
