package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/demandcast/internal/domain/types"
)

const defaultHorizon = 7

// ForecastHandler handles forecast requests.
type ForecastHandler struct {
	deps ForecastDependencies
}

// NewForecastHandler creates a new forecast handler.
func NewForecastHandler(deps ForecastDependencies) *ForecastHandler {
	return &ForecastHandler{deps: deps}
}

// HandleGetForecast handles GET /forecast?entity=E&horizon=N. The horizon
// defaults to seven days.
func (h *ForecastHandler) HandleGetForecast(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_forecast"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	entity, err := entityParam(r)
	if err != nil {
		fail(w, op, err)
		return
	}
	horizon := defaultHorizon
	if s := r.URL.Query().Get("horizon"); s != "" {
		if horizon, err = strconv.Atoi(s); err != nil {
			fail(w, op, wrapKind("horizon", ErrBadRequest, err))
			return
		}
	}

	pts, err := h.deps.Forecast(r.Context(), entity, horizon)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ForecastResponse{Entity: entity, Horizon: horizon, Points: pts})
}

// entityParam reads the required entity query parameter.
func entityParam(r *http.Request) (string, error) {
	entity := strings.TrimSpace(r.URL.Query().Get("entity"))
	if entity == "" {
		return "", wrapKind("entity", ErrBadRequest, errors.New("missing entity"))
	}
	return entity, nil
}
