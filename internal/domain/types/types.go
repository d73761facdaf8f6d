// Package types contains the wire types shared by the HTTP API and its clients.
package types

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/demandcast/internal/domain/model"
)

// ErrInvalidDate is returned for a date that is neither YYYY-MM-DD nor RFC 3339.
var ErrInvalidDate = errors.New("invalid date")

// Observation is one submitted demand measurement.
type Observation struct {
	EntityID   string            `json:"entity_id"`
	Date       string            `json:"date"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ToModel parses the date and converts to the domain type.
func (o Observation) ToModel() (model.Observation, error) {
	d, err := ParseDate(o.Date)
	if err != nil {
		return model.Observation{}, err
	}
	return model.Observation{EntityID: o.EntityID, Date: d, Value: o.Value, Attributes: o.Attributes}, nil
}

// FromModel converts a domain observation to its wire form.
func FromModel(o model.Observation) Observation {
	return Observation{EntityID: o.EntityID, Date: o.Date.Format(time.DateOnly), Value: o.Value, Attributes: o.Attributes}
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns the UTC day.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return model.Truncate(t), nil
}

// IngestResponse acknowledges POST /observations.
type IngestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// ForecastResponse answers GET /forecast.
type ForecastResponse struct {
	Entity  string                `json:"entity"`
	Horizon int                   `json:"horizon"`
	Points  []model.ForecastPoint `json:"points"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Finite returns nil for NaN and infinities so they encode as JSON null.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Snapshot is one point of an entity's error history.
type Snapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	MeanError   float64   `json:"mean_error"`
	StdDevError float64   `json:"stddev_error"`
	Drift       *float64  `json:"drift"`
	Samples     int       `json:"samples"`
}

// SnapshotFromModel converts a performance snapshot to its wire form.
func SnapshotFromModel(s model.PerformanceSnapshot) Snapshot {
	return Snapshot{
		Timestamp:   s.Timestamp,
		MeanError:   s.MeanError,
		StdDevError: s.StdDevError,
		Drift:       Finite(s.Drift),
		Samples:     s.Samples,
	}
}

// PerformanceResponse answers GET /performance.
type PerformanceResponse struct {
	Entity   string     `json:"entity"`
	Kind     string     `json:"kind"`
	Current  Snapshot   `json:"current"`
	History  []Snapshot `json:"history"`
	Alerts   int        `json:"alerts"`
	Drifted  bool       `json:"drifted"`
	Window   int        `json:"window"`
	Buffered int        `json:"buffered"`
	Gaps     []Gap      `json:"gaps"`
}

// Gap is a run of missing days in an entity's history.
type Gap struct {
	After   string `json:"after"`
	Missing int    `json:"missing"`
}

// TuneRequest is the body of POST /tune. An empty grid uses the kind's default.
type TuneRequest struct {
	Entity string `json:"entity"`
	Kind   string `json:"kind"`
	Grid   []Axis `json:"grid,omitempty"`
}

// Axis is one tuned parameter and its candidate values.
type Axis struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Candidate is one evaluated grid point.
type Candidate struct {
	Parameters model.Parameters `json:"parameters"`
	MAPE       *float64         `json:"mape"`
	StdDev     *float64         `json:"stddev"`
	Error      string           `json:"error,omitempty"`
}

// TuneResponse answers POST /tune.
type TuneResponse struct {
	Descriptor model.Descriptor `json:"descriptor"`
	Best       model.Parameters `json:"best"`
	BestMAPE   *float64         `json:"best_mape"`
	Candidates []Candidate      `json:"candidates"`
}

// EntityRequest names the entity of POST /descriptors and POST /restore.
type EntityRequest struct {
	Entity string `json:"entity"`
}
