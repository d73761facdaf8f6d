// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	service "github.com/okian/demandcast/internal/app"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/tuning"
	"github.com/okian/demandcast/internal/domain/types"
)

// Dependencies required by HTTP handlers. *service.Service satisfies it.
type Dependencies interface {
	ObservationDependencies
	ForecastDependencies
	PerformanceDependencies
	ModelDependencies
	StatsProvider
}

// ObservationDependencies accepts observations for async processing.
type ObservationDependencies interface {
	Ingest(ctx context.Context, obs []model.Observation) (service.IngestResult, error)
}

// ForecastDependencies produces forecasts.
type ForecastDependencies interface {
	Forecast(ctx context.Context, entity string, horizon int) ([]model.ForecastPoint, error)
}

// PerformanceDependencies exposes per-entity accuracy and failures.
type PerformanceDependencies interface {
	Performance(entity string) (service.Performance, error)
	Errors(entity string) (service.ErrorReport, error)
}

// ModelDependencies tunes, validates and persists entity models.
type ModelDependencies interface {
	Tune(ctx context.Context, entity, kind string, grid tuning.Grid) (service.TuneResult, error)
	Validate(ctx context.Context, entity string) (model.CrossValidationResult, error)
	Save(ctx context.Context, entity string) (model.Descriptor, error)
	Restore(ctx context.Context, entity string) (model.Descriptor, error)
	Descriptors(ctx context.Context) ([]model.Descriptor, error)
}

var _ Dependencies = (*service.Service)(nil)

// Server wires HTTP routes for the forecasting API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	observationsHandler *ObservationsHandler
	forecastHandler     *ForecastHandler
	performanceHandler  *PerformanceHandler
	modelsHandler       *ModelsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, maxBatch int) *Server {
	return &Server{
		healthHandler:       NewHealthHandler(),
		statsHandler:        NewStatsHandler(deps),
		observationsHandler: NewObservationsHandler(deps, maxBatch),
		forecastHandler:     NewForecastHandler(deps),
		performanceHandler:  NewPerformanceHandler(deps),
		modelsHandler:       NewModelsHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("/metrics", s.healthHandler.MetricsHandler())
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/observations", MetricsMiddleware(s.observationsHandler.HandlePostObservations, "observations"))
	mux.HandleFunc("/forecast", MetricsMiddleware(s.forecastHandler.HandleGetForecast, "forecast"))
	mux.HandleFunc("/performance", MetricsMiddleware(s.performanceHandler.HandleGetPerformance, "performance"))
	mux.HandleFunc("/errors", MetricsMiddleware(s.performanceHandler.HandleGetErrors, "errors"))
	mux.HandleFunc("/tune", MetricsMiddleware(s.modelsHandler.HandleTune, "tune"))
	mux.HandleFunc("/validate", MetricsMiddleware(s.modelsHandler.HandleValidate, "validate"))
	mux.HandleFunc("/descriptors", MetricsMiddleware(s.modelsHandler.HandleDescriptors, "descriptors"))
	mux.HandleFunc("/restore", MetricsMiddleware(s.modelsHandler.HandleRestore, "restore"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, types.ErrorResponse{Code: code, Error: msg})
}

// fail maps err onto a status and writes it.
func fail(w http.ResponseWriter, op string, err error) {
	status, code := classify(err)
	writeError(w, status, code, wrap(op, err))
}
