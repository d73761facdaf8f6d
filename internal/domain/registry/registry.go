// Package registry maps model-kind names to constructors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/forecast/ensemble"
	"github.com/okian/demandcast/internal/domain/forecast/holt"
	"github.com/okian/demandcast/internal/domain/forecast/spectral"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
)

// ErrUnknownKind is returned when a descriptor names a kind that is not registered.
var ErrUnknownKind = errors.New("unknown model kind")

// Constructor builds a fresh, untrained forecaster.
type Constructor func() forecast.Forecaster

// Settings carries the construction defaults of the built-in kinds.
type Settings struct {
	WindowSize    int
	Components    int
	IntervalFloor float64
	Alpha         float64
	Beta          float64
}

type alias struct {
	token string
	kind  forecast.Kind
}

// Registry resolves names case-insensitively: exact kind or alias first,
// then the first alias contained in the name, then the fallback kind.
type Registry struct {
	mu           sync.RWMutex
	constructors map[forecast.Kind]Constructor
	aliases      []alias
	fallback     forecast.Kind
	logger       logger.Logger
}

// Option applies a configuration option to the Registry.
type Option func(*Registry)

// WithFallback sets the kind returned for unrecognised names.
func WithFallback(k forecast.Kind) Option {
	return func(r *Registry) {
		if k != "" {
			r.fallback = k
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a registry holding the ssa, holt and ensemble kinds built
// from s. The fallback kind is ssa.
func New(s Settings, opts ...Option) *Registry {
	r := &Registry{
		constructors: make(map[forecast.Kind]Constructor),
		fallback:     forecast.KindSpectral,
		logger:       logger.Default().Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	newSpectral := func() forecast.Forecaster {
		return spectral.New(
			spectral.WithWindowSize(s.WindowSize),
			spectral.WithComponents(s.Components),
			spectral.WithIntervalFloor(s.IntervalFloor),
		)
	}
	newHolt := func() forecast.Forecaster {
		return holt.New(
			holt.WithAlpha(s.Alpha),
			holt.WithBeta(s.Beta),
			holt.WithIntervalFloor(s.IntervalFloor),
		)
	}
	// Ensemble is listed first so "ensemble-ssa" does not resolve to ssa.
	r.Register(forecast.KindEnsemble, func() forecast.Forecaster {
		e := ensemble.New()
		_ = e.AddModel(newSpectral(), 1)
		_ = e.AddModel(newHolt(), 1)
		return e
	}, "combined")
	r.Register(forecast.KindHolt, newHolt, "smoothing", "exponential")
	r.Register(forecast.KindSpectral, newSpectral, "spectral", "singular")
	return r
}

// Register adds or replaces a kind. Aliases are matched in registration order.
func (r *Registry) Register(kind forecast.Kind, ctor Constructor, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.constructors[kind] = ctor
	r.aliases = slices.DeleteFunc(r.aliases, func(a alias) bool { return a.kind == kind })
	r.aliases = append(r.aliases, alias{token: strings.ToLower(string(kind)), kind: kind})
	for _, a := range aliases {
		r.aliases = append(r.aliases, alias{token: strings.ToLower(a), kind: kind})
	}
}

// Kinds lists registered kinds in resolution order.
func (r *Registry) Kinds() []forecast.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []forecast.Kind
	for _, a := range r.aliases {
		if !slices.Contains(out, a.kind) {
			out = append(out, a.kind)
		}
	}
	return out
}

// Resolve maps name onto a registered kind.
func (r *Registry) Resolve(name string) forecast.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(name)
}

func (r *Registry) resolve(name string) forecast.Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return r.fallback
	}
	for _, a := range r.aliases {
		if a.token == name {
			return a.kind
		}
	}
	for _, a := range r.aliases {
		if strings.Contains(name, a.token) {
			return a.kind
		}
	}
	return r.fallback
}

// Create returns a fresh forecaster for name.
func (r *Registry) Create(name string) forecast.Forecaster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind := r.resolve(name)
	ctor, ok := r.constructors[kind]
	if !ok {
		r.logger.Warn(context.Background(), "fallback kind not registered", logger.String("kind", kind.String()))
		ctor = r.constructors[forecast.KindSpectral]
	}
	return ctor()
}

// Factory returns a constructor bound to name.
func (r *Registry) Factory(name string) Constructor {
	return func() forecast.Forecaster { return r.Create(name) }
}

// Restore rebuilds the forecaster a descriptor describes. The kind must match
// a registered kind exactly.
func (r *Registry) Restore(d model.Descriptor) (forecast.Forecaster, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[forecast.Kind(strings.ToLower(d.Kind))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("restore %s v%d: %q: %w", d.Name, d.Version, d.Kind, ErrUnknownKind)
	}
	f := ctor()
	if err := f.SetParameters(d.Parameters); err != nil {
		return nil, fmt.Errorf("restore %s v%d: %w", d.Name, d.Version, err)
	}
	return f, nil
}
