// Package online keeps a forecaster current over a sliding window of the
// latest observations.
package online

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
	"github.com/okian/demandcast/pkg/ring"
)

// Window bounds.
const (
	MinWindowSize = 7
	MaxWindowSize = 90
)

const (
	defaultWindowSize     = 30
	defaultDriftThreshold = 0.2
)

// Sentinel errors.
var (
	// ErrOutOfOrder is returned for an observation not dated after the last update.
	ErrOutOfOrder = errors.New("observation is not newer than the last update")
	// ErrRetrainFailed wraps the model error when a full window fails to train.
	// The observation itself was accepted.
	ErrRetrainFailed = errors.New("retrain failed")
)

// Reweighter is a model whose member weights can be rescored on recent data.
type Reweighter interface {
	UpdateWeights(ctx context.Context, validation []model.Observation) []float64
}

// Learner wraps one forecaster. It is safe for concurrent use.
type Learner struct {
	mu             sync.Mutex
	name           string
	model          forecast.Forecaster
	window         *ring.Buffer[model.Observation]
	errs           *ring.Buffer[float64]
	lastUpdate     time.Time
	lastPrediction float64
	hasPrediction  bool
	driftThreshold float64
	drifted        bool
	logger         logger.Logger
}

// Option applies a configuration option to the Learner.
type Option func(*Learner)

// WithWindowSize sets the window capacity, clamped to [MinWindowSize, MaxWindowSize].
func WithWindowSize(w int) Option {
	return func(l *Learner) {
		if w > 0 {
			w = min(max(w, MinWindowSize), MaxWindowSize)
			l.window = ring.New[model.Observation](w)
			l.errs = ring.New[float64](w)
		}
	}
}

// WithDriftThreshold sets the relative error increase treated as drift.
func WithDriftThreshold(t float64) Option {
	return func(l *Learner) {
		if t > 0 {
			l.driftThreshold = t
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(lg logger.Logger) Option {
	return func(l *Learner) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New wraps m under name.
func New(name string, m forecast.Forecaster, opts ...Option) *Learner {
	l := &Learner{
		name:           name,
		model:          m,
		window:         ring.New[model.Observation](defaultWindowSize),
		errs:           ring.New[float64](defaultWindowSize),
		driftThreshold: defaultDriftThreshold,
		logger:         logger.Default().Named("online"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UpdateModel appends obs to the window. When a prediction is pending and
// obs is dated exactly one day after the previous update, the realised error
// is recorded. Once the window is full the model is retrained on it, and a
// Reweighter model is rescored on the window when drift sets in.
func (l *Learner) UpdateModel(ctx context.Context, obs model.Observation) error {
	if !forecast.ValidValue(obs.Value) {
		metrics.RecordOnlineUpdate(metrics.StatusFailed)
		return fmt.Errorf("online %s: value %v: %w", l.name, obs.Value, forecast.ErrMalformedInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lastUpdate.IsZero() {
		days := model.DaysBetween(l.lastUpdate, obs.Date)
		if days < 1 {
			metrics.RecordOnlineUpdate(metrics.StatusFailed)
			return fmt.Errorf("online %s: %s after %s: %w", l.name, obs.Date.Format(time.DateOnly), l.lastUpdate.Format(time.DateOnly), ErrOutOfOrder)
		}
		if days == 1 && l.hasPrediction {
			if ape, ok := forecast.APE(obs.Value, l.lastPrediction); ok {
				l.errs.Push(ape)
			}
		}
		if days > 1 {
			metrics.RecordDateGap(l.name)
			l.logger.Warn(ctx, "gap in observations",
				logger.String("model", l.name),
				logger.Time("after", l.lastUpdate),
				logger.Int("missing_days", days-1),
			)
		}
	}
	l.hasPrediction = false

	l.window.Push(obs)
	l.lastUpdate = obs.Date

	if l.window.Full() {
		if err := l.model.Train(ctx, l.window.Slice()); err != nil {
			metrics.RecordOnlineRetrain(metrics.StatusFailed)
			metrics.RecordOnlineUpdate(metrics.StatusFailed)
			return fmt.Errorf("online %s: %w: %w", l.name, ErrRetrainFailed, err)
		}
		metrics.RecordOnlineRetrain(metrics.StatusOK)
		l.adapt(ctx)
	}
	metrics.RecordOnlineUpdate(metrics.StatusOK)
	return nil
}

// Predict forecasts horizon days from the current window and remembers the
// first point for error tracking.
func (l *Learner) Predict(ctx context.Context, horizon int) ([]model.ForecastPoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.window.Full() {
		return nil, fmt.Errorf("online %s: %d of %d observations buffered: %w", l.name, l.window.Len(), l.window.Cap(), forecast.ErrInsufficientData)
	}
	pts, err := l.model.Predict(ctx, l.window.Slice(), horizon)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, forecast.ErrNoForecast
	}
	l.lastPrediction = pts[0].Value
	l.hasPrediction = true
	return pts, nil
}

// HasModelDrifted reports whether the newer half of the error buffer is
// worse than the older half by more than the drift threshold. It is false
// until the buffer holds a full window of errors.
func (l *Learner) HasModelDrifted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasDrifted()
}

// hasDrifted must be called with mu held.
func (l *Learner) hasDrifted() bool {
	if l.errs.Len() < l.window.Cap() {
		return false
	}
	return forecast.HalfDrift(l.errs.Slice()) > l.driftThreshold
}

// adapt rescores a Reweighter model once per drift episode. Must hold mu.
func (l *Learner) adapt(ctx context.Context) {
	drifted := l.hasDrifted()
	onset := drifted && !l.drifted
	l.drifted = drifted
	if !onset {
		return
	}
	rw, ok := l.model.(Reweighter)
	if !ok {
		return
	}
	weights := rw.UpdateWeights(ctx, l.window.Slice())
	metrics.RecordEnsembleReweight()
	l.logger.Info(ctx, "weights updated after drift",
		logger.String("model", l.name),
		logger.Any("weights", weights),
	)
}

// Model returns the wrapped forecaster.
func (l *Learner) Model() forecast.Forecaster {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model
}

// SetModel replaces the wrapped forecaster, e.g. with a recovered clone.
func (l *Learner) SetModel(m forecast.Forecaster) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.model = m
}

// Window returns the buffered observations, oldest first.
func (l *Learner) Window() []model.Observation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window.Slice()
}

// Errors returns the realised one-step errors, oldest first.
func (l *Learner) Errors() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs.Slice()
}

// WindowSize returns the window capacity.
func (l *Learner) WindowSize() int { return l.window.Cap() }
