// Package recovery classifies model failures and retries them with a
// strategy chosen per error kind, within a bounded budget.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
	"github.com/okian/demandcast/pkg/ring"
)

const (
	defaultMaxRetries      = 3
	defaultRetryDelay      = 5 * time.Second
	defaultMaxErrorHistory = 100

	maxInvalidFraction = 0.1
	resourceTail       = 1000
	predictionTail     = 30
)

// Strategy names the recovery applied.
type Strategy string

// Strategies.
const (
	StrategyNone         Strategy = "none"
	StrategyClean        Strategy = "clean"
	StrategyResetDefault Strategy = "reset_defaults"
	StrategyRecentSubset Strategy = "recent_subset"
	StrategyDelayedRetry Strategy = "delayed_retry"
)

// Outcome reports a recovery attempt. Model is the instance the caller
// should use from now on; it is a clone whenever recovery retrained.
type Outcome struct {
	Recovered bool
	Kind      forecast.ErrorKind
	Strategy  Strategy
	Model     forecast.Forecaster
	Forecast  []model.ForecastPoint
}

// Statistics is a snapshot of retry counters and history composition.
type Statistics struct {
	RetryCounts   map[string]int `json:"retry_counts"`
	HistoryByKind map[string]int `json:"history_by_kind"`
	HistorySize   int            `json:"history_size"`
}

// Handler owns the retry budget of one model. It never mutates the models it
// is given. It is safe for concurrent use.
type Handler struct {
	mu         sync.Mutex
	name       string
	maxRetries int
	newBackOff func() backoff.BackOff
	backoffs   map[forecast.ErrorKind]backoff.BackOff
	counters   map[forecast.ErrorKind]int
	history    *ring.Buffer[model.ErrorRecord]
	now        func() time.Time
	logger     logger.Logger
}

// New creates a handler for the named model.
func New(name string, opts ...Option) *Handler {
	h := &Handler{
		name:       name,
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(defaultRetryDelay) },
		backoffs:   make(map[forecast.ErrorKind]backoff.BackOff),
		counters:   make(map[forecast.ErrorKind]int),
		history:    ring.New[model.ErrorRecord](defaultMaxErrorHistory),
		now:        time.Now,
		logger:     logger.Default().Named("recovery"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleTrainingError records cause and, within budget, retrains a clone of
// m with the strategy for the cause's kind. Insufficient data is recorded
// but never retried.
func (h *Handler) HandleTrainingError(ctx context.Context, cause error, m forecast.Forecaster, data []model.Observation) (Outcome, error) {
	kind, err := h.admit(ctx, cause, model.OperationTraining)
	out := Outcome{Kind: kind, Strategy: StrategyNone}
	if err != nil {
		return out, err
	}

	clone := m.Clone()
	switch kind {
	case forecast.ErrorKindMalformedInput:
		out.Strategy = StrategyClean
		var cleaned []model.Observation
		if cleaned, err = clean(data); err == nil {
			err = clone.Train(ctx, cleaned)
		}
	case forecast.ErrorKindInvalidState:
		out.Strategy = StrategyResetDefault
		if err = clone.SetParameters(clone.DefaultParameters()); err == nil {
			err = clone.Train(ctx, data)
		}
	case forecast.ErrorKindResourceExhaustion:
		out.Strategy = StrategyRecentSubset
		err = clone.Train(ctx, recent(data, resourceTail))
	default:
		out.Strategy = StrategyDelayedRetry
		if err = h.wait(ctx, kind); err == nil {
			err = clone.Train(ctx, data)
		}
	}
	if err != nil {
		h.finish(ctx, kind, model.OperationTraining, out.Strategy, err)
		return out, fmt.Errorf("recover %s training (%s): %w", h.name, out.Strategy, err)
	}

	h.finish(ctx, kind, model.OperationTraining, out.Strategy, nil)
	out.Recovered = true
	out.Model = clone
	return out, nil
}

// HandlePredictionError records cause and, within budget, retries the
// prediction: cleaning the input, retraining a clone on the latest
// observations, or waiting and asking again.
func (h *Handler) HandlePredictionError(ctx context.Context, cause error, m forecast.Forecaster, data []model.Observation, horizon int) (Outcome, error) {
	kind, err := h.admit(ctx, cause, model.OperationPrediction)
	out := Outcome{Kind: kind, Strategy: StrategyNone}
	if err != nil {
		return out, err
	}

	var pts []model.ForecastPoint
	current := m
	switch kind {
	case forecast.ErrorKindMalformedInput:
		out.Strategy = StrategyClean
		var cleaned []model.Observation
		if cleaned, err = clean(data); err == nil {
			pts, err = m.Predict(ctx, cleaned, horizon)
		}
	case forecast.ErrorKindInvalidState, forecast.ErrorKindResourceExhaustion:
		out.Strategy = StrategyRecentSubset
		current = m.Clone()
		tail := recent(data, predictionTail)
		if err = current.Train(ctx, tail); err == nil {
			pts, err = current.Predict(ctx, tail, horizon)
		}
	default:
		out.Strategy = StrategyDelayedRetry
		if err = h.wait(ctx, kind); err == nil {
			pts, err = m.Predict(ctx, data, horizon)
		}
	}
	if err == nil && len(pts) == 0 {
		err = ErrEmptyForecast
	}
	if err != nil {
		h.finish(ctx, kind, model.OperationPrediction, out.Strategy, err)
		return out, fmt.Errorf("recover %s prediction (%s): %w", h.name, out.Strategy, err)
	}

	h.finish(ctx, kind, model.OperationPrediction, out.Strategy, nil)
	out.Recovered = true
	out.Model = current
	out.Forecast = pts
	return out, nil
}

// admit classifies and records cause, then spends one unit of the kind's
// budget. An exhausted budget is reported without touching the counter.
// Insufficient data spends nothing: the same data would fail again.
func (h *Handler) admit(ctx context.Context, cause error, op model.Operation) (forecast.ErrorKind, error) {
	kind := forecast.Classify(cause)
	msg := "<nil>"
	if cause != nil {
		msg = cause.Error()
	}

	h.mu.Lock()
	h.history.Push(model.ErrorRecord{
		ID:        uuid.NewString(),
		Timestamp: h.now(),
		Kind:      kind.String(),
		Operation: op,
		Message:   msg,
	})
	size := h.history.Len()
	permanent := kind == forecast.ErrorKindInsufficientData
	attempts := h.counters[kind]
	exhausted := attempts >= h.maxRetries
	if !exhausted && !permanent {
		h.counters[kind] = attempts + 1
	}
	h.mu.Unlock()

	metrics.UpdateErrorHistorySize(h.name, size)
	h.logger.Warn(ctx, "model operation failed",
		logger.String("model", h.name),
		logger.String("operation", string(op)),
		logger.String("kind", kind.String()),
		logger.Int("attempt", attempts+1),
		logger.Error(cause),
	)
	if permanent {
		metrics.RecordRecoveryAttempt(kind.String(), string(op), "unrecoverable")
		return kind, fmt.Errorf("%s %s: %w: %w", h.name, kind, ErrUnrecoverable, cause)
	}
	if exhausted {
		metrics.RecordRecoveryAttempt(kind.String(), string(op), "exhausted")
		h.logger.Error(ctx, "retry budget exhausted",
			logger.String("model", h.name),
			logger.String("kind", kind.String()),
			logger.Int("max_retries", h.maxRetries),
		)
		return kind, fmt.Errorf("%s %s after %d attempts: %w", h.name, kind, attempts, ErrRetriesExhausted)
	}
	return kind, nil
}

func (h *Handler) finish(ctx context.Context, kind forecast.ErrorKind, op model.Operation, s Strategy, err error) {
	if err != nil {
		metrics.RecordRecoveryAttempt(kind.String(), string(op), "failed")
		h.logger.Warn(ctx, "recovery failed",
			logger.String("model", h.name),
			logger.String("strategy", string(s)),
			logger.Error(err),
		)
		return
	}
	h.mu.Lock()
	h.counters[kind] = 0
	if b, ok := h.backoffs[kind]; ok {
		b.Reset()
	}
	h.mu.Unlock()
	metrics.RecordRecoveryAttempt(kind.String(), string(op), "recovered")
	h.logger.Info(ctx, "recovered",
		logger.String("model", h.name),
		logger.String("operation", string(op)),
		logger.String("strategy", string(s)),
	)
}

// wait sleeps for the next delay of kind's policy. The policy lives until a
// recovery of that kind succeeds, so growing policies grow across retries.
func (h *Handler) wait(ctx context.Context, kind forecast.ErrorKind) error {
	h.mu.Lock()
	b, ok := h.backoffs[kind]
	if !ok {
		b = h.newBackOff()
		h.backoffs[kind] = b
	}
	d := b.NextBackOff()
	h.mu.Unlock()
	if d == backoff.Stop {
		return fmt.Errorf("%s %s: backoff policy stopped: %w", h.name, kind, ErrRetriesExhausted)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetErrorHistory returns the retained error records, oldest first.
func (h *Handler) GetErrorHistory() []model.ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Slice()
}

// GetErrorStatistics returns retry counters and history counts per kind.
func (h *Handler) GetErrorStatistics() Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Statistics{
		RetryCounts:   make(map[string]int, len(h.counters)),
		HistoryByKind: make(map[string]int),
		HistorySize:   h.history.Len(),
	}
	for k, n := range h.counters {
		s.RetryCounts[k.String()] = n
	}
	for _, r := range h.history.Slice() {
		s.HistoryByKind[r.Kind]++
	}
	return s
}

// clean drops observations whose value is not a finite non-negative number.
// It refuses when more than a tenth of data would go.
func clean(data []model.Observation) ([]model.Observation, error) {
	cleaned := make([]model.Observation, 0, len(data))
	for _, o := range data {
		if forecast.ValidValue(o.Value) {
			cleaned = append(cleaned, o)
		}
	}
	dropped := len(data) - len(cleaned)
	if float64(dropped) > maxInvalidFraction*float64(len(data)) {
		return nil, fmt.Errorf("%d of %d invalid: %w", dropped, len(data), ErrTooMuchInvalidData)
	}
	return cleaned, nil
}

// recent returns the newest n observations in date order.
func recent(data []model.Observation, n int) []model.Observation {
	sorted := model.SortByDate(data)
	if len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted
}
