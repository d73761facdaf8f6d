package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/okian/demandcast/internal/domain/model"
)

// IntervalZ is the two-sided 95% normal quantile used for forecast bands.
const IntervalZ = 1.96

// APE returns the absolute percentage error |actual-predicted|/|actual| as
// a fraction. ok is false when actual is zero or either value is not finite.
func APE(actual, predicted float64) (ape float64, ok bool) {
	if actual == 0 || !finite(actual) || !finite(predicted) {
		return 0, false
	}
	return math.Abs(actual-predicted) / math.Abs(actual), true
}

// MAPE averages APE over positions whose actual value is positive.
// It returns NaN when none qualifies.
func MAPE(actual, predicted []float64) float64 {
	var sum float64
	var n int
	for i := range actual {
		if i >= len(predicted) || actual[i] <= 0 {
			continue
		}
		if ape, ok := APE(actual[i], predicted[i]); ok {
			sum += ape
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// MeanStdDev returns the mean and sample standard deviation of xs. The
// deviation is 0 for fewer than two values; both are 0 for none.
func MeanStdDev(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// HalfDrift compares the mean of the newer half of xs with the mean of the
// older half and returns the relative change. For odd lengths the newer half
// holds the extra element. An older mean of zero yields 0 when the newer mean
// is also zero and +Inf otherwise.
func HalfDrift(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mid := len(xs) / 2
	older := stat.Mean(xs[:mid], nil)
	recent := stat.Mean(xs[mid:], nil)
	if older == 0 {
		if recent == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (recent - older) / older
}

// Band builds a forecast point with a symmetric interval of half-width
// IntervalZ*max(std, floor). Value and Lower are floored at zero.
func Band(date time.Time, value, std, floor float64) model.ForecastPoint {
	half := IntervalZ * math.Max(std, floor)
	value = math.Max(0, value)
	return model.ForecastPoint{
		Date:  date,
		Value: value,
		Lower: math.Max(0, value-half),
		Upper: value + half,
	}
}

// StepDate returns the date of forecast step i (1-based) after last.
func StepDate(last time.Time, i int) time.Time {
	return last.AddDate(0, 0, i)
}

// CheckFinite returns ErrMalformedInput when any value is NaN or infinite.
func CheckFinite(values []float64) error {
	for i, v := range values {
		if !finite(v) {
			return fmt.Errorf("value %v at position %d: %w", v, i, ErrMalformedInput)
		}
	}
	return nil
}

// ValidValue reports whether v is usable as a demand target.
func ValidValue(v float64) bool {
	return finite(v) && v >= 0
}

// OneStepMAPE slides over test and, for every position t >= start, forecasts
// one step from the preceding window (the whole prefix when window <= 0) and
// compares it with test[t]. Failed forecasts are skipped.
func OneStepMAPE(ctx context.Context, f Forecaster, test []model.Observation, start, window int) float64 {
	if start < 1 {
		start = 1
	}
	var actual, predicted []float64
	for t := start; t < len(test); t++ {
		if ctx.Err() != nil {
			break
		}
		from := 0
		if window > 0 {
			from = max(0, t-window)
		}
		pts, err := f.Predict(ctx, test[from:t], 1)
		if err != nil || len(pts) == 0 {
			continue
		}
		actual = append(actual, test[t].Value)
		predicted = append(predicted, pts[0].Value)
	}
	return MAPE(actual, predicted)
}

// Gap is a hole in a daily series.
type Gap struct {
	After   time.Time `json:"after"`   // last date before the hole
	Missing int       `json:"missing"` // whole days missing
}

// DateGaps lists holes longer than one day in date-ordered observations.
func DateGaps(obs []model.Observation) []Gap {
	var gaps []Gap
	for i := 1; i < len(obs); i++ {
		if d := model.DaysBetween(obs[i-1].Date, obs[i].Date); d > 1 {
			gaps = append(gaps, Gap{After: obs[i-1].Date, Missing: d - 1})
		}
	}
	return gaps
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
