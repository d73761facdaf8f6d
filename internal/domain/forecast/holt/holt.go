// Package holt implements double exponential smoothing (level plus trend).
package holt

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
)

// Parameter names.
const (
	ParamAlpha = "Alpha"
	ParamBeta  = "Beta"
)

const (
	defaultAlpha         = 0.5
	defaultBeta          = 0.3
	defaultIntervalFloor = 1.0
	minObservations      = 2
)

// Forecaster smooths level and trend and extrapolates linearly.
type Forecaster struct {
	alpha         float64
	beta          float64
	intervalFloor float64
	logger        logger.Logger

	trained  bool
	level    float64
	trend    float64
	stdDev   float64
	lastDate time.Time
}

// Option applies a configuration option to the Forecaster.
type Option func(*Forecaster)

// WithAlpha sets the level smoothing factor in (0,1].
func WithAlpha(a float64) Option {
	return func(f *Forecaster) {
		if a > 0 && a <= 1 {
			f.alpha = a
		}
	}
}

// WithBeta sets the trend smoothing factor in (0,1].
func WithBeta(b float64) Option {
	return func(f *Forecaster) {
		if b > 0 && b <= 1 {
			f.beta = b
		}
	}
}

// WithIntervalFloor sets the minimum deviation used for forecast bands.
func WithIntervalFloor(floor float64) Option {
	return func(f *Forecaster) {
		if floor >= 0 {
			f.intervalFloor = floor
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Forecaster) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates an untrained Holt forecaster.
func New(opts ...Option) *Forecaster {
	f := &Forecaster{
		alpha:         defaultAlpha,
		beta:          defaultBeta,
		intervalFloor: defaultIntervalFloor,
		logger:        logger.Default().Named("holt"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forecaster) Kind() forecast.Kind { return forecast.KindHolt }
func (f *Forecaster) IsTrained() bool     { return f.trained }

// Train fits level, trend and the residual deviation of one-step fits.
func (f *Forecaster) Train(ctx context.Context, data []model.Observation) error {
	start := time.Now()
	err := f.train(ctx, data)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
		f.logger.Debug(ctx, "training failed", logger.Error(err))
	}
	metrics.RecordTraining(string(forecast.KindHolt), status, float64(time.Since(start).Microseconds())/1000)
	return err
}

func (f *Forecaster) train(ctx context.Context, data []model.Observation) error {
	if len(data) < minObservations {
		return fmt.Errorf("holt: %d observations, need %d: %w", len(data), minObservations, forecast.ErrInsufficientData)
	}
	values := model.Values(data)
	if err := forecast.CheckFinite(values); err != nil {
		return fmt.Errorf("holt: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	level, trend := values[0], values[1]-values[0]
	residuals := make([]float64, 0, len(values)-1)
	for _, y := range values[1:] {
		residuals = append(residuals, y-(level+trend))
		level, trend = f.step(level, trend, y)
	}
	_, std := forecast.MeanStdDev(residuals)

	f.level, f.trend = level, trend
	f.stdDev = std
	f.lastDate = data[len(data)-1].Date
	f.trained = true
	return nil
}

func (f *Forecaster) step(level, trend, y float64) (float64, float64) {
	next := f.alpha*y + (1-f.alpha)*(level+trend)
	return next, f.beta*(next-level) + (1-f.beta)*trend
}

// Predict extrapolates horizon days. A non-empty recent series restarts the
// level at its first value, keeps the trained trend as prior, and smooths
// through the rest before extrapolating.
func (f *Forecaster) Predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	out, err := f.predict(ctx, recent, horizon)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
	}
	metrics.RecordPrediction(string(forecast.KindHolt), status)
	return out, err
}

func (f *Forecaster) predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	if !f.trained {
		return nil, forecast.ErrNotTrained
	}
	if horizon <= 0 {
		return nil, forecast.ErrInvalidHorizon
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values := model.Values(recent)
	if err := forecast.CheckFinite(values); err != nil {
		return nil, fmt.Errorf("holt: %w", err)
	}

	level, trend, last := f.level, f.trend, f.lastDate
	if len(values) > 0 {
		level = values[0]
		for _, y := range values[1:] {
			level, trend = f.step(level, trend, y)
		}
		last = recent[len(recent)-1].Date
	}

	out := make([]model.ForecastPoint, horizon)
	for h := 1; h <= horizon; h++ {
		out[h-1] = forecast.Band(forecast.StepDate(last, h), level+float64(h)*trend, f.stdDev, f.intervalFloor)
	}
	return out, nil
}

// Evaluate forecasts each position of test from its full prefix.
func (f *Forecaster) Evaluate(ctx context.Context, test []model.Observation) float64 {
	return forecast.OneStepMAPE(ctx, f, test, 1, 0)
}

func (f *Forecaster) Parameters() model.Parameters {
	return model.Parameters{ParamAlpha: f.alpha, ParamBeta: f.beta}
}

func (f *Forecaster) DefaultParameters() model.Parameters {
	return model.Parameters{ParamAlpha: defaultAlpha, ParamBeta: defaultBeta}
}

// SetParameters applies p; factors must lie in (0,1]. Any accepted change
// discards trained state.
func (f *Forecaster) SetParameters(p model.Parameters) error {
	a, b := f.alpha, f.beta
	for _, name := range p.Keys() {
		v := p[name]
		if !(v > 0 && v <= 1) {
			return fmt.Errorf("holt: %s=%v outside (0,1]: %w", name, v, forecast.ErrInvalidParameter)
		}
		switch name {
		case ParamAlpha:
			a = v
		case ParamBeta:
			b = v
		default:
			return fmt.Errorf("holt: unknown parameter %q: %w", name, forecast.ErrInvalidParameter)
		}
	}
	if a != f.alpha || b != f.beta {
		f.alpha, f.beta = a, b
		f.trained = false
	}
	return nil
}

func (f *Forecaster) Clone() forecast.Forecaster {
	return &Forecaster{
		alpha:         f.alpha,
		beta:          f.beta,
		intervalFloor: f.intervalFloor,
		logger:        f.logger,
	}
}
