// Package validation scores forecasters with k-fold cross-validation.
package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/okian/demandcast/internal/adapters/mq/worker"
	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
)

// Fold count bounds.
const (
	MinFolds = 2
	MaxFolds = 10
)

const (
	defaultFolds = 5
	defaultSeed  = 42
)

// ErrNoValidResults is returned when no fold yields a usable error.
var ErrNoValidResults = errors.New("no fold produced a valid result")

// CrossValidator partitions data into folds and scores a fresh clone of the
// model on each one.
type CrossValidator struct {
	folds       int
	shuffle     bool
	seed        int64
	parallelism int
	logger      logger.Logger
}

// Option applies a configuration option to the CrossValidator.
type Option func(*CrossValidator)

// WithFolds sets the fold count, clamped to [MinFolds, MaxFolds].
func WithFolds(k int) Option {
	return func(cv *CrossValidator) {
		if k > 0 {
			cv.folds = min(max(k, MinFolds), MaxFolds)
		}
	}
}

// WithShuffle enables a seeded shuffle before partitioning.
func WithShuffle(shuffle bool) Option {
	return func(cv *CrossValidator) {
		cv.shuffle = shuffle
	}
}

// WithSeed sets the shuffle seed.
func WithSeed(seed int64) Option {
	return func(cv *CrossValidator) {
		cv.seed = seed
	}
}

// WithParallelism bounds how many folds run at once. One runs folds
// sequentially; zero or less uses GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(cv *CrossValidator) {
		cv.parallelism = n
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(cv *CrossValidator) {
		if l != nil {
			cv.logger = l
		}
	}
}

// New creates a CrossValidator.
func New(opts ...Option) *CrossValidator {
	cv := &CrossValidator{
		folds:       defaultFolds,
		seed:        defaultSeed,
		parallelism: 1,
		logger:      logger.Default().Named("cross-validation"),
	}
	for _, opt := range opts {
		opt(cv)
	}
	return cv
}

// FoldCount returns k.
func (cv *CrossValidator) FoldCount() int { return cv.folds }

// Folds splits n positions into k contiguous folds of n/k elements, the
// first n%k folds taking one more.
func Folds(n, k int) [][]int {
	if k < 1 || n < 0 {
		return nil
	}
	out := make([][]int, k)
	size, extra := n/k, n%k
	next := 0
	for i := range out {
		m := size
		if i < extra {
			m++
		}
		fold := make([]int, m)
		for j := range fold {
			fold[j] = next
			next++
		}
		out[i] = fold
	}
	return out
}

type foldResult struct {
	mape  float64
	valid bool
}

// ValidateModel trains a clone of m on every fold complement and evaluates it
// on the fold. Folds whose training fails or whose error is NaN are excluded.
func (cv *CrossValidator) ValidateModel(ctx context.Context, m forecast.Forecaster, data []model.Observation) (model.CrossValidationResult, error) {
	k := cv.folds
	n := len(data)
	if n < 2*k {
		return model.CrossValidationResult{}, fmt.Errorf("cross-validation: %d records for %d folds, need %d: %w", n, k, 2*k, forecast.ErrInsufficientData)
	}

	records := slices.Clone(data)
	if cv.shuffle {
		rng := rand.New(rand.NewSource(cv.seed)) //nolint:gosec // reproducible shuffle
		rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
	}

	folds := Folds(n, k)
	results := make([]foldResult, k)
	tasks := make([]func(context.Context) error, k)
	for i := range folds {
		train, test := split(records, folds, i)
		tasks[i] = func(ctx context.Context) error {
			fresh := m.Clone()
			if err := fresh.Train(ctx, train); err != nil {
				return fmt.Errorf("fold %d: %w", i, err)
			}
			mape := fresh.Evaluate(ctx, test)
			results[i] = foldResult{mape: mape, valid: !math.IsNaN(mape)}
			return nil
		}
	}
	errs := worker.RunAll(ctx, cv.parallelism, tasks)
	if err := ctx.Err(); err != nil {
		return model.CrossValidationResult{}, err
	}

	var (
		perFold []float64
		lastErr error
		failed  int
	)
	for i, r := range results {
		if errs[i] != nil {
			lastErr = errs[i]
			failed++
			cv.logger.Debug(ctx, "fold skipped",
				logger.Int("fold", i),
				logger.Error(errs[i]),
			)
			continue
		}
		if !r.valid {
			failed++
			continue
		}
		perFold = append(perFold, r.mape)
	}
	metrics.RecordCrossValidation(failed)

	sizes := make([]int, k)
	for i, f := range folds {
		sizes[i] = len(f)
	}
	if len(perFold) == 0 {
		if lastErr != nil {
			return model.CrossValidationResult{FoldSizes: sizes}, fmt.Errorf("%w: %d folds, last error: %v", ErrNoValidResults, k, lastErr)
		}
		return model.CrossValidationResult{FoldSizes: sizes}, fmt.Errorf("%w: %d folds", ErrNoValidResults, k)
	}

	mean, std := forecast.MeanStdDev(perFold)
	cv.logger.Debug(ctx, "cross-validation finished",
		logger.String("kind", m.Kind().String()),
		logger.Float64("mean_mape", mean),
		logger.Int("valid_folds", len(perFold)),
	)
	return model.CrossValidationResult{
		MeanError:     mean,
		StdDevError:   std,
		PerFoldErrors: perFold,
		FoldCount:     len(perFold),
		FoldSizes:     sizes,
	}, nil
}

// split returns the complement of fold i and fold i itself.
func split(records []model.Observation, folds [][]int, i int) (train, test []model.Observation) {
	for j, fold := range folds {
		for _, idx := range fold {
			if j == i {
				test = append(test, records[idx])
			} else {
				train = append(train, records[idx])
			}
		}
	}
	return train, test
}

