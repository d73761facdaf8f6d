package recovery

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/ring"
)

// Option applies a configuration option to the Handler.
type Option func(*Handler)

// WithMaxRetries sets the retry budget per error kind.
func WithMaxRetries(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxRetries = n
		}
	}
}

// WithRetryDelay sets a constant delay before unmodified retries; zero
// retries immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(h *Handler) {
		if d >= 0 {
			h.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
		}
	}
}

// WithBackOff replaces the delay policy. One policy is built per error kind
// and reset when a recovery of that kind succeeds.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(h *Handler) {
		if newBackOff != nil {
			h.newBackOff = newBackOff
		}
	}
}

// WithMaxErrorHistory sets how many error records are kept.
func WithMaxErrorHistory(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.history = ring.New[model.ErrorRecord](n)
		}
	}
}

// WithClock replaces time.Now for error timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}
