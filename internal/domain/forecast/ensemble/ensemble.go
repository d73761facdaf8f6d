// Package ensemble combines several forecasters into one weighted forecast.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
)

// weightParamPrefix names member weights in Parameters: Weight0, Weight1, ...
const weightParamPrefix = "Weight"

// ErrNoMembers is returned when training an ensemble without members.
var ErrNoMembers = errors.New("ensemble has no members")

// Forecaster holds members and an index-aligned weight vector.
type Forecaster struct {
	members []forecast.Forecaster
	weights []float64
	trained bool
	logger  logger.Logger
}

// Option applies a configuration option to the Forecaster.
type Option func(*Forecaster)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Forecaster) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an empty ensemble.
func New(opts ...Option) *Forecaster {
	e := &Forecaster{logger: logger.Default().Named("ensemble")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddModel appends m with the given weight and marks the ensemble untrained.
func (e *Forecaster) AddModel(m forecast.Forecaster, weight float64) error {
	if m == nil {
		return fmt.Errorf("ensemble: nil member: %w", forecast.ErrInvalidParameter)
	}
	if !(weight > 0) || math.IsInf(weight, 0) {
		return fmt.Errorf("ensemble: weight %v: %w", weight, forecast.ErrInvalidParameter)
	}
	e.members = append(e.members, m)
	e.weights = append(e.weights, weight)
	e.trained = false
	return nil
}

func (e *Forecaster) Kind() forecast.Kind { return forecast.KindEnsemble }
func (e *Forecaster) IsTrained() bool     { return e.trained }

// Len returns the number of members.
func (e *Forecaster) Len() int { return len(e.members) }

// Weights returns a copy of the weight vector.
func (e *Forecaster) Weights() []float64 { return slices.Clone(e.weights) }

// Train trains a clone of every member. The clones replace the members only
// when all succeed; otherwise the previous state is kept and member failures
// are joined into the returned error.
func (e *Forecaster) Train(ctx context.Context, data []model.Observation) error {
	start := time.Now()
	err := e.train(ctx, data)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
	}
	metrics.RecordTraining(string(forecast.KindEnsemble), status, float64(time.Since(start).Microseconds())/1000)
	return err
}

func (e *Forecaster) train(ctx context.Context, data []model.Observation) error {
	if len(e.members) == 0 {
		return fmt.Errorf("ensemble: %w: %w", ErrNoMembers, forecast.ErrInvalidParameter)
	}
	next := make([]forecast.Forecaster, len(e.members))
	var errs []error
	for i, m := range e.members {
		c := m.Clone()
		if err := c.Train(ctx, data); err != nil {
			e.logger.Warn(ctx, "member training failed",
				logger.Int("member", i),
				logger.String("kind", m.Kind().String()),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("member %d (%s): %w", i, m.Kind(), err))
			continue
		}
		next[i] = c
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	e.members = next
	e.trained = true
	return nil
}

// Predict combines the forecasts of every member that produces one. Weights
// are renormalised over the surviving members for this call only.
func (e *Forecaster) Predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	out, err := e.predict(ctx, recent, horizon)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
	}
	metrics.RecordPrediction(string(forecast.KindEnsemble), status)
	return out, err
}

func (e *Forecaster) predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	if !e.trained {
		return nil, forecast.ErrNotTrained
	}
	if horizon <= 0 {
		return nil, forecast.ErrInvalidHorizon
	}

	var (
		forecasts [][]model.ForecastPoint
		weights   []float64
		total     float64
	)
	for i, m := range e.members {
		if !m.IsTrained() {
			continue
		}
		pts, err := m.Predict(ctx, recent, horizon)
		if err != nil || len(pts) != horizon {
			e.logger.Debug(ctx, "member dropped from forecast",
				logger.Int("member", i),
				logger.Error(err),
			)
			continue
		}
		forecasts = append(forecasts, pts)
		weights = append(weights, e.weights[i])
		total += e.weights[i]
	}
	if len(forecasts) == 0 {
		return nil, fmt.Errorf("ensemble: %w", forecast.ErrNoForecast)
	}

	// Survivors may all carry zero weight after UpdateWeights.
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}
	var sum float64
	for i := range weights {
		weights[i] /= total
		sum += weights[i]
	}
	metrics.RecordEnsembleForecast(len(e.members)-len(forecasts), sum)

	out := make([]model.ForecastPoint, horizon)
	for h := range out {
		p := model.ForecastPoint{Date: forecasts[0][h].Date}
		for i, pts := range forecasts {
			p.Value += weights[i] * pts[h].Value
			p.Lower += weights[i] * pts[h].Lower
			p.Upper += weights[i] * pts[h].Upper
		}
		out[h] = p
	}
	return out, nil
}

// Evaluate forecasts each position of test from its full prefix.
func (e *Forecaster) Evaluate(ctx context.Context, test []model.Observation) float64 {
	return forecast.OneStepMAPE(ctx, e, test, 1, 0)
}

// UpdateWeights re-scores members on validation data. A member scores
// 1/(1+MAPE), or 0 when its MAPE is NaN; scores normalised to sum to one
// become the new weights. Nothing changes when every score is zero.
func (e *Forecaster) UpdateWeights(ctx context.Context, validation []model.Observation) []float64 {
	scores := make([]float64, len(e.members))
	var total float64
	for i, m := range e.members {
		mape := m.Evaluate(ctx, validation)
		if math.IsNaN(mape) {
			continue
		}
		scores[i] = 1 / (1 + mape)
		total += scores[i]
	}
	if total == 0 {
		e.logger.Info(ctx, "weights unchanged, no member could be scored")
		return e.Weights()
	}
	for i := range scores {
		e.weights[i] = scores[i] / total
	}
	return e.Weights()
}

// Parameters exposes member weights as Weight0..WeightN-1.
func (e *Forecaster) Parameters() model.Parameters {
	p := make(model.Parameters, len(e.weights))
	for i, w := range e.weights {
		p[weightParamPrefix+strconv.Itoa(i)] = w
	}
	return p
}

// DefaultParameters gives every member weight one.
func (e *Forecaster) DefaultParameters() model.Parameters {
	p := make(model.Parameters, len(e.weights))
	for i := range e.weights {
		p[weightParamPrefix+strconv.Itoa(i)] = 1
	}
	return p
}

// SetParameters updates member weights. A weight may be zero, as
// UpdateWeights leaves unscorable members, but at least one must stay
// positive. Weights do not affect trained state.
func (e *Forecaster) SetParameters(p model.Parameters) error {
	next := slices.Clone(e.weights)
	for _, name := range p.Keys() {
		idx, err := strconv.Atoi(strings.TrimPrefix(name, weightParamPrefix))
		if !strings.HasPrefix(name, weightParamPrefix) || err != nil || idx < 0 || idx >= len(next) {
			return fmt.Errorf("ensemble: unknown parameter %q: %w", name, forecast.ErrInvalidParameter)
		}
		w := p[name]
		if !(w >= 0) || math.IsInf(w, 0) {
			return fmt.Errorf("ensemble: %s=%v: %w", name, w, forecast.ErrInvalidParameter)
		}
		next[idx] = w
	}
	if len(next) > 0 && !slices.ContainsFunc(next, func(w float64) bool { return w > 0 }) {
		return fmt.Errorf("ensemble: every weight is zero: %w", forecast.ErrInvalidParameter)
	}
	e.weights = next
	return nil
}

// Clone returns an untrained ensemble of cloned members with the same weights.
func (e *Forecaster) Clone() forecast.Forecaster {
	c := &Forecaster{
		members: make([]forecast.Forecaster, len(e.members)),
		weights: slices.Clone(e.weights),
		logger:  e.logger,
	}
	for i, m := range e.members {
		c.members[i] = m.Clone()
	}
	return c
}
