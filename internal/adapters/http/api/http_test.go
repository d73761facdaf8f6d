package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/demandcast/internal/adapters/http/api"
	"github.com/okian/demandcast/internal/adapters/repository"
	service "github.com/okian/demandcast/internal/app"
	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/tuning"
	"github.com/okian/demandcast/internal/domain/types"
	"github.com/okian/demandcast/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var day0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// mockDependencies records calls and returns canned results.
type mockDependencies struct {
	ingested  []model.Observation
	ingestErr error
	points    []model.ForecastPoint
	err       error
	perf      service.Performance
	tuned     tuning.Grid
	saved     []string
	stats     service.Stats
}

func (m *mockDependencies) Ingest(_ context.Context, obs []model.Observation) (service.IngestResult, error) {
	if m.ingestErr != nil {
		return service.IngestResult{}, m.ingestErr
	}
	m.ingested = append(m.ingested, obs...)
	return service.IngestResult{Accepted: len(obs)}, nil
}

func (m *mockDependencies) Forecast(_ context.Context, _ string, horizon int) ([]model.ForecastPoint, error) {
	if m.err != nil {
		return nil, m.err
	}
	if horizon <= 0 {
		return nil, forecast.ErrInvalidHorizon
	}
	return m.points[:horizon], nil
}

func (m *mockDependencies) Performance(string) (service.Performance, error) { return m.perf, m.err }

func (m *mockDependencies) Errors(entity string) (service.ErrorReport, error) {
	return service.ErrorReport{Entity: entity}, m.err
}

func (m *mockDependencies) Tune(_ context.Context, entity, kind string, grid tuning.Grid) (service.TuneResult, error) {
	if m.err != nil {
		return service.TuneResult{}, m.err
	}
	m.tuned = grid
	return service.TuneResult{
		Descriptor: model.Descriptor{Name: entity, Kind: kind, Version: 1},
		Outcome: tuning.Outcome{
			Best:     model.Parameters{"Alpha": 0.5},
			BestMAPE: 0.1,
			Results: []tuning.Result{
				{Parameters: model.Parameters{"Alpha": 0.5}, MAPE: 0.1},
				{Parameters: model.Parameters{"Alpha": 2}, MAPE: math.Inf(1), Err: forecast.ErrInvalidParameter},
			},
		},
	}, nil
}

func (m *mockDependencies) Validate(context.Context, string) (model.CrossValidationResult, error) {
	return model.CrossValidationResult{MeanError: 0.2, FoldCount: 5}, m.err
}

func (m *mockDependencies) Save(_ context.Context, entity string) (model.Descriptor, error) {
	m.saved = append(m.saved, entity)
	return model.Descriptor{Name: entity, Version: len(m.saved)}, m.err
}

func (m *mockDependencies) Restore(_ context.Context, entity string) (model.Descriptor, error) {
	if m.err != nil {
		return model.Descriptor{}, m.err
	}
	return model.Descriptor{Name: entity, Version: 3}, nil
}

func (m *mockDependencies) Descriptors(context.Context) ([]model.Descriptor, error) {
	return []model.Descriptor{{Name: "a", Version: 1}}, m.err
}

func (m *mockDependencies) GetStats() service.Stats { return m.stats }

func newMux(deps api.Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, 3).Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeError(w *httptest.ResponseRecorder) types.ErrorResponse {
	var e types.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	return e
}

func TestServerRoutes(t *testing.T) {
	_ = logger.Init()

	Convey("Given a registered server", t, func() {
		deps := &mockDependencies{stats: service.Stats{Started: true, Entities: 2}}
		mux := newMux(deps)

		Convey("Then health reports ok", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"status":"ok"`)
		})

		Convey("Then metrics are exposed in the Prometheus format", func() {
			_ = do(mux, http.MethodGet, "/healthz", "")
			w := do(mux, http.MethodGet, "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "http_requests_total")
		})

		Convey("Then stats are served as JSON", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var st service.Stats
			So(json.Unmarshal(w.Body.Bytes(), &st), ShouldBeNil)
			So(st, ShouldResemble, deps.stats)
		})

		Convey("Then wrong methods and unknown paths are not found", func() {
			So(do(mux, http.MethodPost, "/stats", "").Code, ShouldEqual, http.StatusNotFound)
			So(do(mux, http.MethodGet, "/observations", "").Code, ShouldEqual, http.StatusNotFound)
			So(do(mux, http.MethodDelete, "/descriptors", "").Code, ShouldEqual, http.StatusNotFound)
			So(do(mux, http.MethodGet, "/unknown", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestObservationsHandler(t *testing.T) {
	_ = logger.Init()

	Convey("Given the observations endpoint", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When posting valid observations", func() {
			w := do(mux, http.MethodPost, "/observations",
				`[{"entity_id":"a","date":"2024-06-01","value":3},{"entity_id":"a","date":"2024-06-02T18:00:00+02:00","value":4}]`)

			Convey("Then they are accepted with parsed dates", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				var ack types.IngestResponse
				So(json.Unmarshal(w.Body.Bytes(), &ack), ShouldBeNil)
				So(ack, ShouldResemble, types.IngestResponse{Accepted: 2})
				So(deps.ingested, ShouldHaveLength, 2)
				So(deps.ingested[1].Date, ShouldEqual, day0.AddDate(0, 0, 1))
			})
		})

		Convey("When a date cannot be parsed", func() {
			w := do(mux, http.MethodPost, "/observations",
				`[{"entity_id":"a","date":"yesterday","value":3},{"entity_id":"a","date":"2024-06-01","value":4}]`)

			Convey("Then it is counted as rejected", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				var ack types.IngestResponse
				So(json.Unmarshal(w.Body.Bytes(), &ack), ShouldBeNil)
				So(ack, ShouldResemble, types.IngestResponse{Accepted: 1, Rejected: 1})
			})
		})

		Convey("When the body is not a JSON array", func() {
			w := do(mux, http.MethodPost, "/observations", `{"entity_id":"a"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeError(w).Code, ShouldEqual, "bad_request")
		})

		Convey("When the batch exceeds the limit", func() {
			w := do(mux, http.MethodPost, "/observations", `[{},{},{},{}]`)
			So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
		})

		Convey("When the queue is full", func() {
			deps.ingestErr = fmt.Errorf("a: %w", service.ErrBackpressure)
			w := do(mux, http.MethodPost, "/observations", `[{"entity_id":"a","date":"2024-06-01","value":3}]`)
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(decodeError(w).Code, ShouldEqual, "unavailable")
		})
	})
}

func TestForecastHandler(t *testing.T) {
	_ = logger.Init()

	Convey("Given the forecast endpoint", t, func() {
		pts := make([]model.ForecastPoint, 10)
		for i := range pts {
			pts[i] = model.ForecastPoint{Date: day0.AddDate(0, 0, i), Value: 5, Lower: 4, Upper: 6}
		}
		deps := &mockDependencies{points: pts}
		mux := newMux(deps)

		Convey("When asking for three days", func() {
			w := do(mux, http.MethodGet, "/forecast?entity=a&horizon=3", "")

			Convey("Then three points are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var res types.ForecastResponse
				So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
				So(res.Entity, ShouldEqual, "a")
				So(res.Horizon, ShouldEqual, 3)
				So(res.Points, ShouldHaveLength, 3)
			})
		})

		Convey("When the horizon is omitted", func() {
			var res types.ForecastResponse
			w := do(mux, http.MethodGet, "/forecast?entity=a", "")
			So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
			So(res.Points, ShouldHaveLength, 7)
		})

		Convey("When the request is malformed", func() {
			So(do(mux, http.MethodGet, "/forecast?horizon=3", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/forecast?entity=a&horizon=x", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/forecast?entity=a&horizon=0", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the entity is unknown", func() {
			deps.err = fmt.Errorf(`"a": %w`, service.ErrUnknownEntity)
			w := do(mux, http.MethodGet, "/forecast?entity=a", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(decodeError(w).Error, ShouldContainSubstring, "unknown entity")
		})

		Convey("When the window is still filling", func() {
			deps.err = forecast.ErrInsufficientData
			w := do(mux, http.MethodGet, "/forecast?entity=a", "")
			So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(decodeError(w).Code, ShouldEqual, "insufficient_data")
		})

		Convey("When recovery gives up", func() {
			deps.err = fmt.Errorf("boom")
			So(do(mux, http.MethodGet, "/forecast?entity=a", "").Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestPerformanceHandler(t *testing.T) {
	_ = logger.Init()

	Convey("Given an entity whose drift is unbounded", t, func() {
		snap := model.PerformanceSnapshot{Timestamp: day0, MeanError: 0.3, Drift: math.Inf(1), Samples: 20}
		deps := &mockDependencies{perf: service.Performance{
			Entity:  "a",
			Kind:    "ssa",
			Current: snap,
			History: []model.PerformanceSnapshot{snap},
			Drifted: true,
			Window:  30,
			Gaps:    []forecast.Gap{{After: day0, Missing: 2}},
		}}
		mux := newMux(deps)

		Convey("Then performance encodes it as null", func() {
			w := do(mux, http.MethodGet, "/performance?entity=a", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var res types.PerformanceResponse
			So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
			So(res.Current.Drift, ShouldBeNil)
			So(res.Current.MeanError, ShouldEqual, 0.3)
			So(res.History, ShouldHaveLength, 1)
			So(res.Drifted, ShouldBeTrue)
			So(res.Gaps, ShouldResemble, []types.Gap{{After: "2024-06-01", Missing: 2}})
		})

		Convey("Then the error history is served", func() {
			w := do(mux, http.MethodGet, "/errors?entity=a", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"entity":"a"`)
		})

		Convey("Then a missing entity parameter is a bad request", func() {
			So(do(mux, http.MethodGet, "/performance", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/errors?entity=%20", "").Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestModelsHandler(t *testing.T) {
	_ = logger.Init()

	Convey("Given the model endpoints", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When tuning with an explicit grid", func() {
			w := do(mux, http.MethodPost, "/tune", `{"entity":"a","kind":"holt","grid":[{"name":"Alpha","values":[0.5,2]}]}`)

			Convey("Then every candidate is reported and failures have no score", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.tuned, ShouldResemble, tuning.Grid{{Name: "Alpha", Values: []float64{0.5, 2}}})
				var res types.TuneResponse
				So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
				So(res.Descriptor.Version, ShouldEqual, 1)
				So(*res.BestMAPE, ShouldEqual, 0.1)
				So(res.Candidates, ShouldHaveLength, 2)
				So(res.Candidates[1].MAPE, ShouldBeNil)
				So(res.Candidates[1].Error, ShouldContainSubstring, "invalid")
			})
		})

		Convey("When tuning without a grid", func() {
			w := do(mux, http.MethodPost, "/tune", `{"entity":"a"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.tuned, ShouldBeNil)
		})

		Convey("When the tune request is incomplete", func() {
			So(do(mux, http.MethodPost, "/tune", `{"kind":"holt"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodPost, "/tune", `nope`).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When validating", func() {
			w := do(mux, http.MethodGet, "/validate?entity=a", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"fold_count":5`)
		})

		Convey("When saving and listing descriptors", func() {
			w := do(mux, http.MethodPost, "/descriptors", `{"entity":"a"}`)
			So(w.Code, ShouldEqual, http.StatusCreated)
			So(deps.saved, ShouldResemble, []string{"a"})

			w = do(mux, http.MethodGet, "/descriptors", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var all []model.Descriptor
			So(json.Unmarshal(w.Body.Bytes(), &all), ShouldBeNil)
			So(all, ShouldHaveLength, 1)
		})

		Convey("When restoring", func() {
			w := do(mux, http.MethodPost, "/restore", `{"entity":"a"}`)
			So(w.Code, ShouldEqual, http.StatusOK)

			deps.err = fmt.Errorf("a: %w", repository.ErrNotFound)
			So(do(mux, http.MethodPost, "/restore", `{"entity":"a"}`).Code, ShouldEqual, http.StatusNotFound)
			So(do(mux, http.MethodPost, "/restore", `{}`).Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}
