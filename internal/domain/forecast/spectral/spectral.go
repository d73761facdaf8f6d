// Package spectral implements singular spectrum style forecasting: the series
// is embedded into a trajectory matrix, its leading temporal components are
// extracted with power iteration, and forecasts are produced by projecting
// the sliding window onto those components one step at a time.
package spectral

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
)

// Window bounds and parameter names.
const (
	MinWindowSize = 2
	MaxWindowSize = 30

	ParamWindowSize    = "WindowSize"
	ParamNumComponents = "NumComponents"
)

const (
	defaultWindowSize    = 7
	defaultComponents    = 3
	defaultIntervalFloor = 1.0

	maxIterations = 100
	tolerance     = 1e-7
	seed          = 42
)

// Forecaster is the spectral model. The zero value is not usable; use New.
type Forecaster struct {
	windowSize    int
	components    int
	intervalFloor float64
	logger        logger.Logger

	trained  bool
	means    []float64
	vectors  [][]float64
	history  []float64
	lastDate time.Time
	stdDev   float64
}

// New creates an untrained spectral forecaster.
func New(opts ...Option) *Forecaster {
	f := &Forecaster{
		windowSize:    defaultWindowSize,
		components:    defaultComponents,
		intervalFloor: defaultIntervalFloor,
		logger:        logger.Default().Named("ssa"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Kind implements forecast.Forecaster.
func (f *Forecaster) Kind() forecast.Kind { return forecast.KindSpectral }

// IsTrained implements forecast.Forecaster.
func (f *Forecaster) IsTrained() bool { return f.trained }

// WindowSize returns the embedding window length.
func (f *Forecaster) WindowSize() int { return f.windowSize }

// Eigenvectors returns a copy of the extracted components.
func (f *Forecaster) Eigenvectors() [][]float64 {
	out := make([][]float64, len(f.vectors))
	for i, v := range f.vectors {
		out[i] = slices.Clone(v)
	}
	return out
}

// Train fits the model on data ordered by date.
func (f *Forecaster) Train(ctx context.Context, data []model.Observation) error {
	start := time.Now()
	err := f.train(ctx, data)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
	}
	metrics.RecordTraining(string(forecast.KindSpectral), status, float64(time.Since(start).Microseconds())/1000)
	return err
}

func (f *Forecaster) train(ctx context.Context, data []model.Observation) error {
	w := f.windowSize
	n := len(data)
	if n < 2*w {
		return fmt.Errorf("ssa: %d observations for window %d, need %d: %w", n, w, 2*w, forecast.ErrInsufficientData)
	}
	values := model.Values(data)
	if err := forecast.CheckFinite(values); err != nil {
		return fmt.Errorf("ssa: %w", err)
	}

	// Trajectory matrix: K overlapping windows of length W.
	k := n - w + 1
	traj := mat.NewDense(k, w, nil)
	for i := 0; i < k; i++ {
		traj.SetRow(i, values[i:i+w])
	}

	means := make([]float64, w)
	col := make([]float64, k)
	for j := 0; j < w; j++ {
		mat.Col(col, j, traj)
		means[j] = stat.Mean(col, nil)
		for i := 0; i < k; i++ {
			traj.Set(i, j, col[i]-means[j])
		}
	}

	cov := mat.NewSymDense(w, nil)
	cov.SymOuterK(1/float64(k-1), traj.T())

	r := min(f.components, w)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible seed, not security sensitive
	vectors := make([][]float64, 0, r)
	for c := 0; c < r; c++ {
		v, lambda, converged, err := powerIteration(ctx, cov, rng)
		if err != nil {
			return fmt.Errorf("ssa: component %d: %w", c, err)
		}
		if !converged {
			metrics.RecordPowerIterationStalled()
			f.logger.Warn(ctx, "power iteration did not converge",
				logger.Int("component", c),
				logger.Int("iterations", maxIterations),
			)
		}
		vectors = append(vectors, v)
		cov.SymRankOne(cov, -lambda, mat.NewVecDense(w, slices.Clone(v)))
	}

	_, std := forecast.MeanStdDev(values)

	f.means = means
	f.vectors = vectors
	f.history = values
	f.lastDate = data[n-1].Date
	f.stdDev = std
	f.trained = true
	return nil
}

// powerIteration returns the dominant unit eigenvector of cov and its
// eigenvalue. A fully deflated matrix yields the normalised seed with a zero
// eigenvalue.
func powerIteration(ctx context.Context, cov *mat.SymDense, rng *rand.Rand) ([]float64, float64, bool, error) {
	w, _ := cov.Dims()
	v := mat.NewVecDense(w, nil)
	for i := 0; i < w; i++ {
		v.SetVec(i, rng.NormFloat64())
	}
	if norm := mat.Norm(v, 2); norm > 0 {
		v.ScaleVec(1/norm, v)
	} else {
		v.SetVec(0, 1)
	}

	next := mat.NewVecDense(w, nil)
	converged := false
	for iter := 0; iter < maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, false, err
		}
		next.MulVec(cov, v)
		norm := mat.Norm(next, 2)
		if norm == 0 {
			return slices.Clone(v.RawVector().Data), 0, true, nil
		}
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			return nil, 0, false, forecast.ErrNumericInstability
		}
		next.ScaleVec(1/norm, next)
		change := floats.Distance(next.RawVector().Data, v.RawVector().Data, 1)
		v.CopyVec(next)
		if change < tolerance {
			converged = true
			break
		}
	}

	lambda := mat.Inner(v, cov, v)
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return nil, 0, false, forecast.ErrNumericInstability
	}
	return slices.Clone(v.RawVector().Data), lambda, converged, nil
}

// Predict forecasts horizon days after recent. When recent holds fewer than
// WindowSize values the window is padded from the end of the training series.
func (f *Forecaster) Predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	out, err := f.predict(ctx, recent, horizon)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusFailed
	}
	metrics.RecordPrediction(string(forecast.KindSpectral), status)
	return out, err
}

func (f *Forecaster) predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	if !f.trained {
		return nil, forecast.ErrNotTrained
	}
	if horizon <= 0 {
		return nil, forecast.ErrInvalidHorizon
	}
	values := model.Values(recent)
	if err := forecast.CheckFinite(values); err != nil {
		return nil, fmt.Errorf("ssa: %w", err)
	}

	w := f.windowSize
	window := make([]float64, 0, w)
	if len(values) < w {
		pad := w - len(values)
		window = append(window, f.history[len(f.history)-pad:]...)
		window = append(window, values...)
	} else {
		window = append(window, values[len(values)-w:]...)
	}

	last := f.lastDate
	if len(recent) > 0 {
		last = recent[len(recent)-1].Date
	}

	centered := make([]float64, w)
	out := make([]model.ForecastPoint, 0, horizon)
	for h := 1; h <= horizon; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		floats.SubTo(centered, window, f.means)
		next := f.means[w-1]
		for _, v := range f.vectors {
			next += floats.Dot(centered, v) * v[w-1]
		}
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return nil, fmt.Errorf("ssa: step %d: %w", h, forecast.ErrNumericInstability)
		}
		out = append(out, forecast.Band(forecast.StepDate(last, h), next, f.stdDev, f.intervalFloor))

		copy(window, window[1:])
		window[w-1] = next
	}
	return out, nil
}

// Evaluate slides a window of WindowSize over test and returns the MAPE of
// the one-step forecasts.
func (f *Forecaster) Evaluate(ctx context.Context, test []model.Observation) float64 {
	return forecast.OneStepMAPE(ctx, f, test, f.windowSize, f.windowSize)
}

// Parameters implements forecast.Forecaster.
func (f *Forecaster) Parameters() model.Parameters {
	return model.Parameters{
		ParamWindowSize:    float64(f.windowSize),
		ParamNumComponents: float64(f.components),
	}
}

// DefaultParameters implements forecast.Forecaster.
func (f *Forecaster) DefaultParameters() model.Parameters {
	return model.Parameters{
		ParamWindowSize:    defaultWindowSize,
		ParamNumComponents: defaultComponents,
	}
}

// SetParameters applies p. Unknown names, fractional values and values out
// of range are rejected and leave the model unchanged. Any accepted change
// discards trained state.
func (f *Forecaster) SetParameters(p model.Parameters) error {
	w, r := f.windowSize, f.components
	for _, name := range p.Keys() {
		v := p[name]
		if v != math.Trunc(v) {
			return fmt.Errorf("ssa: %s=%v is not an integer: %w", name, v, forecast.ErrInvalidParameter)
		}
		switch name {
		case ParamWindowSize:
			w = int(v)
		case ParamNumComponents:
			r = int(v)
		default:
			return fmt.Errorf("ssa: unknown parameter %q: %w", name, forecast.ErrInvalidParameter)
		}
	}
	if w < MinWindowSize || w > MaxWindowSize {
		return fmt.Errorf("ssa: %s=%d outside [%d,%d]: %w", ParamWindowSize, w, MinWindowSize, MaxWindowSize, forecast.ErrInvalidParameter)
	}
	if r < 1 || r > w {
		return fmt.Errorf("ssa: %s=%d outside [1,%d]: %w", ParamNumComponents, r, w, forecast.ErrInvalidParameter)
	}
	if w != f.windowSize || r != f.components {
		f.windowSize, f.components = w, r
		f.reset()
	}
	return nil
}

// Clone implements forecast.Forecaster.
func (f *Forecaster) Clone() forecast.Forecaster {
	return &Forecaster{
		windowSize:    f.windowSize,
		components:    f.components,
		intervalFloor: f.intervalFloor,
		logger:        f.logger,
	}
}

func (f *Forecaster) reset() {
	f.trained = false
	f.means = nil
	f.vectors = nil
	f.history = nil
	f.stdDev = 0
}
