package spectral

import (
	"github.com/okian/demandcast/pkg/logger"
)

// Option applies a configuration option to the Forecaster.
type Option func(*Forecaster)

// WithWindowSize sets the embedding window, clamped to [MinWindowSize, MaxWindowSize].
func WithWindowSize(w int) Option {
	return func(f *Forecaster) {
		if w > 0 {
			f.windowSize = clamp(w, MinWindowSize, MaxWindowSize)
		}
	}
}

// WithComponents sets how many principal components are extracted.
func WithComponents(r int) Option {
	return func(f *Forecaster) {
		if r > 0 {
			f.components = r
		}
	}
}

// WithIntervalFloor sets the minimum deviation used for forecast bands.
// Zero disables the floor.
func WithIntervalFloor(floor float64) Option {
	return func(f *Forecaster) {
		if floor >= 0 {
			f.intervalFloor = floor
		}
	}
}

// WithLogger sets a custom logger for the forecaster.
func WithLogger(l logger.Logger) Option {
	return func(f *Forecaster) {
		if l != nil {
			f.logger = l
		}
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
