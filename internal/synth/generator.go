// Package synth generates synthetic daily demand: a linear trend, a weekly
// cycle and Gaussian noise, reproducible from a seed.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/okian/demandcast/internal/domain/model"
)

// Config describes the generated series. Zero fields take defaults.
type Config struct {
	Entities  int       // number of series
	Days      int       // observations per series
	Start     time.Time // first day
	Base      float64   // level on the first day
	Trend     float64   // change per day
	Amplitude float64   // weekly cycle amplitude
	Noise     float64   // noise standard deviation
	Seed      int64
}

const (
	defaultEntities  = 1
	defaultDays      = 120
	defaultBase      = 100
	defaultAmplitude = 15
	defaultNoise     = 3
	weekDays         = 7
	// levelSpread scales each series' level by up to ±this fraction.
	levelSpread = 0.3
)

var defaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (c Config) withDefaults() Config {
	if c.Entities <= 0 {
		c.Entities = defaultEntities
	}
	if c.Days <= 0 {
		c.Days = defaultDays
	}
	if c.Start.IsZero() {
		c.Start = defaultStart
	}
	c.Start = model.Truncate(c.Start)
	if c.Base <= 0 {
		c.Base = defaultBase
	}
	c.Noise = math.Abs(c.Noise)
	return c
}

// DefaultConfig returns a single four-month series with a visible weekly cycle.
func DefaultConfig() Config {
	return Config{
		Entities:  defaultEntities,
		Days:      defaultDays,
		Start:     defaultStart,
		Base:      defaultBase,
		Trend:     0.2,
		Amplitude: defaultAmplitude,
		Noise:     defaultNoise,
		Seed:      42,
	}
}

// Series is one generated entity.
type Series struct {
	EntityID     string
	Observations []model.Observation
}

// Generate builds the configured series. The same Config always yields the
// same entity IDs and values. Values are floored at zero.
func Generate(cfg Config) []Series {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // reproducible test data

	out := make([]Series, cfg.Entities)
	for e := range out {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			// rand.Rand reads never fail
			panic(fmt.Sprintf("synth: entity id: %v", err))
		}
		entity := "sku-" + id.String()[:8]
		level := cfg.Base * (1 + levelSpread*(2*rng.Float64()-1))
		phase := rng.Float64() * 2 * math.Pi

		obs := make([]model.Observation, cfg.Days)
		for d := range obs {
			t := float64(d)
			v := level + cfg.Trend*t + cfg.Amplitude*math.Sin(2*math.Pi*t/weekDays+phase) + cfg.Noise*rng.NormFloat64()
			obs[d] = model.Observation{
				EntityID: entity,
				Date:     cfg.Start.AddDate(0, 0, d),
				Value:    math.Max(0, v),
				Attributes: map[string]string{
					"weekday": cfg.Start.AddDate(0, 0, d).Weekday().String(),
				},
			}
		}
		out[e] = Series{EntityID: entity, Observations: obs}
	}
	return out
}

// Flatten interleaves series day by day, the order a live feed would deliver them.
func Flatten(series []Series) []model.Observation {
	var out []model.Observation
	for d := 0; ; d++ {
		added := false
		for _, s := range series {
			if d < len(s.Observations) {
				out = append(out, s.Observations[d])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}
