// Package monitor tracks realised forecast errors for one model and raises
// throttled alerts when they degrade.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
	"github.com/okian/demandcast/pkg/ring"
)

const (
	defaultMaxHistory = 1000
	defaultThreshold  = 0.2
	defaultCooldown   = 24 * time.Hour

	snapshotCapacity = 30
	metricsWindow    = 30
	minDriftSamples  = 15
)

// ErrUndefinedError is returned when the percentage error of a pair cannot
// be computed because the actual value is zero.
var ErrUndefinedError = errors.New("percentage error undefined for zero actual")

// Record is one tracked prediction.
type Record struct {
	Date      time.Time `json:"date"`
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
	Error     float64   `json:"error"`
}

// Alert reports a degraded model.
type Alert struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
	MeanError float64   `json:"mean_error"`
	Threshold float64   `json:"threshold"`
}

// AlertHandler receives alerts outside the monitor's lock.
type AlertHandler func(ctx context.Context, a Alert)

// Monitor is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	name      string
	records   *ring.Buffer[Record]
	snapshots *ring.Buffer[model.PerformanceSnapshot]
	threshold float64
	cooldown  time.Duration
	lastAlert time.Time
	alerts    int
	handler   AlertHandler
	now       func() time.Time
	logger    logger.Logger
}

// Option applies a configuration option to the Monitor.
type Option func(*Monitor)

// WithMaxHistory sets how many prediction records are kept.
func WithMaxHistory(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.records = ring.New[Record](n)
		}
	}
}

// WithThreshold sets the mean error above which the model is degraded.
func WithThreshold(t float64) Option {
	return func(m *Monitor) {
		if t > 0 {
			m.threshold = t
		}
	}
}

// WithCooldown sets the minimum time between alerts.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithAlertHandler registers a callback for alerts.
func WithAlertHandler(h AlertHandler) Option {
	return func(m *Monitor) {
		m.handler = h
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a monitor for the named model.
func New(name string, opts ...Option) *Monitor {
	m := &Monitor{
		name:      name,
		records:   ring.New[Record](defaultMaxHistory),
		snapshots: ring.New[model.PerformanceSnapshot](snapshotCapacity),
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		now:       time.Now,
		logger:    logger.Default().Named("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TrackPrediction records a realised prediction, refreshes the performance
// snapshot and raises an alert when the model is degraded and the cooldown
// has elapsed.
func (m *Monitor) TrackPrediction(ctx context.Context, date time.Time, predicted, actual float64) (model.PerformanceSnapshot, error) {
	ape, ok := forecast.APE(actual, predicted)
	if !ok {
		if actual == 0 {
			return model.PerformanceSnapshot{}, ErrUndefinedError
		}
		return model.PerformanceSnapshot{}, fmt.Errorf("monitor: predicted %v actual %v: %w", predicted, actual, forecast.ErrMalformedInput)
	}

	m.mu.Lock()
	m.records.Push(Record{Date: date, Predicted: predicted, Actual: actual, Error: ape})
	snap := m.performance()
	m.snapshots.Push(snap)
	alert, raised := m.checkDegradation(snap)
	handler := m.handler
	m.mu.Unlock()

	metrics.UpdateModelPerformance(m.name, snap.MeanError, snap.Drift)
	if raised {
		metrics.RecordMonitorAlert(m.name)
		m.logger.Warn(ctx, "model performance degraded",
			logger.String("model", m.name),
			logger.String("alert_id", alert.ID),
			logger.Float64("mean_error", alert.MeanError),
			logger.Float64("threshold", alert.Threshold),
		)
		if handler != nil {
			handler(ctx, alert)
		}
	}
	return snap, nil
}

// GetPerformanceMetrics summarises the most recent records.
func (m *Monitor) GetPerformanceMetrics() model.PerformanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.performance()
}

// History returns the retained snapshots, oldest first.
func (m *Monitor) History() []model.PerformanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots.Slice()
}

// Records returns the retained prediction records, oldest first.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records.Slice()
}

// AlertCount returns how many alerts were raised.
func (m *Monitor) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts
}

// performance must be called with mu held.
func (m *Monitor) performance() model.PerformanceSnapshot {
	recent := m.records.Tail(metricsWindow)
	errs := make([]float64, len(recent))
	for i, r := range recent {
		errs[i] = r.Error
	}
	mean, std := forecast.MeanStdDev(errs)
	snap := model.PerformanceSnapshot{
		Timestamp:   m.now(),
		MeanError:   mean,
		StdDevError: std,
		Samples:     len(errs),
	}
	if len(errs) >= minDriftSamples {
		snap.Drift = forecast.HalfDrift(errs)
	}
	return snap
}

// checkDegradation must be called with mu held.
func (m *Monitor) checkDegradation(snap model.PerformanceSnapshot) (Alert, bool) {
	if snap.MeanError <= m.threshold {
		return Alert{}, false
	}
	now := m.now()
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.cooldown {
		return Alert{}, false
	}
	m.lastAlert = now
	m.alerts++
	return Alert{
		ID:        uuid.NewString(),
		Model:     m.name,
		Timestamp: now,
		MeanError: snap.MeanError,
		Threshold: m.threshold,
	}, true
}
