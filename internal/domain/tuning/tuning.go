// Package tuning searches a hyperparameter grid for the candidate with the
// lowest cross-validated error.
package tuning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/demandcast/internal/adapters/mq/worker"
	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/registry"
	"github.com/okian/demandcast/internal/domain/validation"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
)

// Sentinel kinds for tuning errors.
var (
	ErrEmptyGrid         = errors.New("parameter grid has no candidates")
	ErrInvalidGrid       = errors.New("invalid parameter grid")
	ErrNoViableCandidate = errors.New("no candidate could be validated")
)

// Result is the outcome of one candidate.
type Result struct {
	Parameters model.Parameters `json:"parameters"`
	MAPE       float64          `json:"mape"`
	StdDev     float64          `json:"stddev"`
	Err        error            `json:"-"`
}

// Outcome is the best candidate plus every candidate's result in
// enumeration order.
type Outcome struct {
	Best     model.Parameters `json:"best"`
	BestMAPE float64          `json:"best_mape"`
	Results  []Result         `json:"results"`
}

// Optimizer evaluates grid candidates concurrently on the worker pool.
type Optimizer struct {
	validator   *validation.CrossValidator
	parallelism int
	timeout     time.Duration
	logger      logger.Logger
}

// Option applies a configuration option to the Optimizer.
type Option func(*Optimizer)

// WithParallelism bounds concurrent candidates; zero or less uses GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(o *Optimizer) {
		o.parallelism = n
	}
}

// WithTimeout bounds the whole search; zero means none.
func WithTimeout(d time.Duration) Option {
	return func(o *Optimizer) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Optimizer scoring candidates with v.
func New(v *validation.CrossValidator, opts ...Option) *Optimizer {
	o := &Optimizer{
		validator: v,
		logger:    logger.Default().Named("tuning"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OptimizeParameters validates every candidate of grid on a fresh model from
// newModel and returns the lowest mean error, ties going to the earliest
// candidate. Insufficient data aborts the search.
func (o *Optimizer) OptimizeParameters(ctx context.Context, newModel registry.Constructor, data []model.Observation, grid Grid) (Outcome, error) {
	candidates := grid.Candidates()
	if len(candidates) == 0 {
		return Outcome{}, ErrEmptyGrid
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	start := time.Now()

	results := make([]Result, len(candidates))
	tasks := make([]func(context.Context) error, len(candidates))
	for i, params := range candidates {
		tasks[i] = func(ctx context.Context) error {
			results[i] = o.evaluate(ctx, newModel, data, params)
			return nil
		}
	}
	errs := worker.RunAll(ctx, o.parallelism, tasks)
	if err := ctx.Err(); err != nil {
		return Outcome{Results: results}, fmt.Errorf("tuning interrupted: %w", err)
	}

	out := Outcome{BestMAPE: math.Inf(1), Results: results}
	bestIdx := -1
	for i, r := range results {
		if errs[i] != nil {
			results[i].Err = errs[i]
			results[i].MAPE = math.Inf(1)
			continue
		}
		if errors.Is(r.Err, forecast.ErrInsufficientData) {
			return out, fmt.Errorf("candidate %v: %w", r.Parameters, r.Err)
		}
		if r.Err == nil && r.MAPE < out.BestMAPE {
			out.BestMAPE = r.MAPE
			bestIdx = i
		}
	}

	metrics.RecordTuningRun(float64(time.Since(start).Milliseconds()), out.BestMAPE)
	if bestIdx < 0 {
		return out, ErrNoViableCandidate
	}
	out.Best = results[bestIdx].Parameters.Clone()
	o.logger.Info(ctx, "grid search finished",
		logger.Int("candidates", len(candidates)),
		logger.Float64("best_mape", out.BestMAPE),
		logger.Any("best", out.Best),
		logger.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (o *Optimizer) evaluate(ctx context.Context, newModel registry.Constructor, data []model.Observation, params model.Parameters) Result {
	r := Result{Parameters: params, MAPE: math.Inf(1)}
	m := newModel()
	if err := m.SetParameters(params); err != nil {
		r.Err = err
		metrics.RecordTuningCandidate(metrics.StatusFailed)
		return r
	}
	res, err := o.validator.ValidateModel(ctx, m, data)
	if err != nil {
		r.Err = err
		metrics.RecordTuningCandidate(metrics.StatusFailed)
		return r
	}
	r.MAPE, r.StdDev = res.MeanError, res.StdDevError
	metrics.RecordTuningCandidate(metrics.StatusOK)
	return r
}
