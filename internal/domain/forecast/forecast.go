// Package forecast defines the contract shared by every forecasting model,
// the failure taxonomy, and the error metrics models are scored with.
package forecast

import (
	"context"

	"github.com/okian/demandcast/internal/domain/model"
)

// Kind identifies a model family.
type Kind string

// Known model kinds.
const (
	KindSpectral Kind = "ssa"
	KindHolt     Kind = "holt"
	KindEnsemble Kind = "ensemble"
)

func (k Kind) String() string { return string(k) }

// Forecaster is implemented by every model variant.
//
// A Forecaster is untrained at construction and becomes trained only after
// a successful Train. Predict and Evaluate never mutate trained state. An
// instance is single-writer: callers serialize Train/Predict on one value.
type Forecaster interface {
	Kind() Kind

	// Train fits the model. On failure the previous trained state is kept.
	Train(ctx context.Context, data []model.Observation) error

	// Predict forecasts horizon steps after recent. A nil error implies
	// exactly horizon points.
	Predict(ctx context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error)

	// Evaluate returns the one-step MAPE over test, NaN when no position
	// qualifies.
	Evaluate(ctx context.Context, test []model.Observation) float64

	Parameters() model.Parameters
	SetParameters(p model.Parameters) error
	DefaultParameters() model.Parameters

	// Clone returns an untrained copy with the same parameters.
	Clone() Forecaster

	IsTrained() bool
}

// TrainAsync trains f on a separate goroutine. The channel receives exactly
// one value and is closed. The caller must not use f until it does.
func TrainAsync(ctx context.Context, f Forecaster, data []model.Observation) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- f.Train(ctx, data)
	}()
	return done
}
