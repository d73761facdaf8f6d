// Package model contains domain models passed between layers.
package model

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// Day is the unit between consecutive observations.
const Day = 24 * time.Hour

// Observation is one dated demand measurement for an entity.
type Observation struct {
	EntityID   string            // product/store identifier
	Date       time.Time         // observation day
	Value      float64           // target value (units sold)
	Attributes map[string]string // exogenous flags and categoricals
}

// ForecastPoint is one step of a forecast horizon.
// Invariant: Lower <= Value <= Upper and Lower >= 0.
type ForecastPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// Parameters maps a hyperparameter name to its scalar value.
type Parameters map[string]float64

// Clone returns an independent copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	return maps.Clone(p)
}

// Get returns the named value or def when absent.
func (p Parameters) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Keys returns parameter names in sorted order.
func (p Parameters) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// CrossValidationResult aggregates per-fold errors of one validation run.
type CrossValidationResult struct {
	MeanError     float64   `json:"mean_error"`
	StdDevError   float64   `json:"stddev_error"`
	PerFoldErrors []float64 `json:"per_fold_errors"`
	FoldCount     int       `json:"fold_count"`
	FoldSizes     []int     `json:"fold_sizes"`
}

// PerformanceSnapshot is one point of a model's rolling error history.
type PerformanceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	MeanError   float64   `json:"mean_error"`
	StdDevError float64   `json:"stddev_error"`
	Drift       float64   `json:"drift"`
	Samples     int       `json:"samples"`
}

// Operation names the model call that failed.
type Operation string

// Operations.
const (
	OperationTraining   Operation = "training"
	OperationPrediction Operation = "prediction"
)

// ErrorRecord is one entry of a model's failure history.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Operation Operation `json:"operation"`
	Message   string    `json:"message"`
}

// Values extracts target values in slice order.
func Values(obs []Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Value
	}
	return out
}

// SortByDate returns a copy of obs ordered by date (stable).
func SortByDate(obs []Observation) []Observation {
	out := slices.Clone(obs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Truncate returns the calendar day of t in UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Truncate(b).Sub(Truncate(a)) / Day)
}
