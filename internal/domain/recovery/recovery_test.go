package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/recovery"
	"github.com/okian/demandcast/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var day0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

// stub shares its call counters with every clone.
type stub struct {
	trains   *atomic.Int32
	predicts *atomic.Int32
	trainErr error
	seen     *[]int
	params   model.Parameters
	trained  bool
}

func newStub(trainErr error) *stub {
	return &stub{trains: new(atomic.Int32), predicts: new(atomic.Int32), trainErr: trainErr, seen: new([]int)}
}

func (s *stub) Kind() forecast.Kind { return "stub" }
func (s *stub) Train(_ context.Context, data []model.Observation) error {
	s.trains.Add(1)
	*s.seen = append(*s.seen, len(data))
	s.trained = s.trainErr == nil
	return s.trainErr
}

func (s *stub) Predict(_ context.Context, recent []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	s.predicts.Add(1)
	out := make([]model.ForecastPoint, horizon)
	for i := range out {
		out[i] = model.ForecastPoint{Date: day0.AddDate(0, 0, i), Value: float64(len(recent))}
	}
	return out, nil
}
func (s *stub) Evaluate(context.Context, []model.Observation) float64 { return math.NaN() }
func (s *stub) Parameters() model.Parameters                          { return s.params }
func (s *stub) DefaultParameters() model.Parameters                   { return model.Parameters{"P": 1} }
func (s *stub) IsTrained() bool                                       { return s.trained }

func (s *stub) SetParameters(p model.Parameters) error {
	s.params = p.Clone()
	return nil
}

func (s *stub) Clone() forecast.Forecaster {
	c := *s
	c.trained = false
	return &c
}

func history(n int) []model.Observation {
	out := make([]model.Observation, n)
	for i := range out {
		out[i] = model.Observation{Date: day0.AddDate(0, 0, i), Value: float64(10 + i%7)}
	}
	return out
}

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRetryBudget(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()

	Convey("Given a handler allowing two retries and a model that keeps exhausting resources", t, func() {
		h := recovery.New("demand", recovery.WithMaxRetries(2), recovery.WithBackOff(noDelay))
		m := newStub(forecast.ErrResourceExhaustion)
		data := history(20)

		Convey("When the same kind of error arrives three times", func() {
			_, err1 := h.HandleTrainingError(ctx, forecast.ErrResourceExhaustion, m, data)
			_, err2 := h.HandleTrainingError(ctx, forecast.ErrResourceExhaustion, m, data)
			out, err3 := h.HandleTrainingError(ctx, forecast.ErrResourceExhaustion, m, data)

			Convey("Then the third fails without attempting recovery", func() {
				So(errors.Is(err1, forecast.ErrResourceExhaustion), ShouldBeTrue)
				So(errors.Is(err2, forecast.ErrResourceExhaustion), ShouldBeTrue)
				So(errors.Is(err3, recovery.ErrRetriesExhausted), ShouldBeTrue)
				So(out.Recovered, ShouldBeFalse)
				So(m.trains.Load(), ShouldEqual, 2)
				So(m.IsTrained(), ShouldBeFalse)
			})

			Convey("Then every failure is in the history", func() {
				hist := h.GetErrorHistory()
				So(hist, ShouldHaveLength, 3)
				So(hist[0].ID, ShouldNotBeBlank)
				So(hist[0].ID, ShouldNotEqual, hist[1].ID)
				So(hist[2].Kind, ShouldEqual, "resource_exhaustion")
				So(hist[2].Operation, ShouldEqual, model.OperationTraining)

				stats := h.GetErrorStatistics()
				So(stats.RetryCounts["resource_exhaustion"], ShouldEqual, 2)
				So(stats.HistoryByKind["resource_exhaustion"], ShouldEqual, 3)
			})
		})
	})

	Convey("Given a successful recovery", t, func() {
		h := recovery.New("demand", recovery.WithMaxRetries(1), recovery.WithBackOff(noDelay))
		m := newStub(nil)

		Convey("Then the budget for that kind is reset", func() {
			for range 3 {
				out, err := h.HandleTrainingError(ctx, errors.New("flaky"), m, history(10))
				So(err, ShouldBeNil)
				So(out.Recovered, ShouldBeTrue)
				So(out.Strategy, ShouldEqual, recovery.StrategyDelayedRetry)
			}
			So(h.GetErrorStatistics().RetryCounts["unknown"], ShouldEqual, 0)
		})
	})
}

func TestBackOffPolicy(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()
	oneTry := func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1) }

	Convey("Given a policy allowing a single delay and a model that keeps failing", t, func() {
		h := recovery.New("demand", recovery.WithMaxRetries(5), recovery.WithBackOff(oneTry))
		m := newStub(errors.New("flaky"))

		Convey("When two delayed retries are needed", func() {
			_, err1 := h.HandleTrainingError(ctx, errors.New("flaky"), m, history(10))
			_, err2 := h.HandleTrainingError(ctx, errors.New("flaky"), m, history(10))

			Convey("Then the policy carries over and stops the second", func() {
				So(errors.Is(err1, recovery.ErrRetriesExhausted), ShouldBeFalse)
				So(errors.Is(err2, recovery.ErrRetriesExhausted), ShouldBeTrue)
				So(m.trains.Load(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given the same policy and a model that recovers", t, func() {
		h := recovery.New("demand", recovery.WithMaxRetries(5), recovery.WithBackOff(oneTry))
		m := newStub(nil)

		Convey("Then each success resets the policy", func() {
			for range 3 {
				out, err := h.HandleTrainingError(ctx, errors.New("flaky"), m, history(10))
				So(err, ShouldBeNil)
				So(out.Recovered, ShouldBeTrue)
			}
			So(m.trains.Load(), ShouldEqual, 3)
		})
	})
}

func TestInsufficientData(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()
	cause := fmt.Errorf("ssa: 10 observations for window 7, need 14: %w", forecast.ErrInsufficientData)

	Convey("Given a handler with a long retry delay", t, func() {
		h := recovery.New("demand", recovery.WithMaxRetries(2), recovery.WithRetryDelay(time.Hour))
		m := newStub(nil)

		Convey("When training fails for lack of data more often than the budget", func() {
			var errs []error
			for range 4 {
				out, err := h.HandleTrainingError(ctx, cause, m, history(10))
				So(out.Recovered, ShouldBeFalse)
				So(out.Strategy, ShouldEqual, recovery.StrategyNone)
				errs = append(errs, err)
			}

			Convey("Then each is reported at once without a retry or a spent budget", func() {
				for _, err := range errs {
					So(errors.Is(err, recovery.ErrUnrecoverable), ShouldBeTrue)
					So(errors.Is(err, forecast.ErrInsufficientData), ShouldBeTrue)
					So(errors.Is(err, recovery.ErrRetriesExhausted), ShouldBeFalse)
				}
				So(m.trains.Load(), ShouldEqual, 0)
				stats := h.GetErrorStatistics()
				So(stats.RetryCounts["insufficient_data"], ShouldEqual, 0)
				So(stats.HistoryByKind["insufficient_data"], ShouldEqual, 4)
			})
		})

		Convey("When a prediction fails for lack of data", func() {
			_, err := h.HandlePredictionError(ctx, cause, m, history(10), 3)

			Convey("Then it is not retried either", func() {
				So(errors.Is(err, recovery.ErrUnrecoverable), ShouldBeTrue)
				So(m.predicts.Load(), ShouldEqual, 0)
			})
		})
	})
}

func TestTrainingStrategies(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()
	h := recovery.New("demand", recovery.WithBackOff(noDelay))

	Convey("Given malformed input with a few bad values", t, func() {
		m := newStub(nil)
		data := history(20)
		data[4].Value = math.NaN()
		data[9].Value = -2

		out, err := h.HandleTrainingError(ctx, forecast.ErrMalformedInput, m, data)

		Convey("Then a clone is trained on the cleaned series", func() {
			So(err, ShouldBeNil)
			So(out.Recovered, ShouldBeTrue)
			So(out.Strategy, ShouldEqual, recovery.StrategyClean)
			So(out.Model.IsTrained(), ShouldBeTrue)
			So(m.IsTrained(), ShouldBeFalse)
			So(*m.seen, ShouldResemble, []int{18})
		})
	})

	Convey("Given mostly invalid input", t, func() {
		m := newStub(nil)
		data := history(10)
		data[0].Value = math.Inf(1)
		data[1].Value = math.NaN()

		_, err := h.HandleTrainingError(ctx, forecast.ErrMalformedInput, m, data)

		Convey("Then cleaning is refused", func() {
			So(errors.Is(err, recovery.ErrTooMuchInvalidData), ShouldBeTrue)
			So(m.trains.Load(), ShouldEqual, 0)
		})
	})

	Convey("Given an invalid-state failure", t, func() {
		m := newStub(nil)
		m.params = model.Parameters{"P": 9}

		out, err := h.HandleTrainingError(ctx, forecast.ErrNumericInstability, m, history(10))

		Convey("Then the clone retrains with default parameters", func() {
			So(err, ShouldBeNil)
			So(out.Strategy, ShouldEqual, recovery.StrategyResetDefault)
			So(out.Model.Parameters(), ShouldResemble, model.Parameters{"P": 1})
			So(m.Parameters(), ShouldResemble, model.Parameters{"P": 9})
		})
	})

	Convey("Given a resource failure on a long history", t, func() {
		m := newStub(nil)

		out, err := h.HandleTrainingError(ctx, forecast.ErrResourceExhaustion, m, history(1500))

		Convey("Then only the newest thousand observations are used", func() {
			So(err, ShouldBeNil)
			So(out.Strategy, ShouldEqual, recovery.StrategyRecentSubset)
			So(*m.seen, ShouldResemble, []int{1000})
		})
	})

	Convey("Given a cancelled context during a delayed retry", t, func() {
		slow := recovery.New("demand", recovery.WithRetryDelay(time.Hour))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := slow.HandleTrainingError(cctx, errors.New("flaky"), newStub(nil), history(10))
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
	})
}

func TestPredictionStrategies(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()
	h := recovery.New("demand", recovery.WithBackOff(noDelay))

	Convey("Given an invalid-state prediction failure", t, func() {
		m := newStub(nil)

		out, err := h.HandlePredictionError(ctx, forecast.ErrNotTrained, m, history(60), 5)

		Convey("Then a clone retrains on the last thirty days and forecasts", func() {
			So(err, ShouldBeNil)
			So(out.Recovered, ShouldBeTrue)
			So(out.Forecast, ShouldHaveLength, 5)
			So(out.Forecast[0].Value, ShouldEqual, 30)
			So(*m.seen, ShouldResemble, []int{30})
			So(m.IsTrained(), ShouldBeFalse)
		})
	})

	Convey("Given malformed recent values", t, func() {
		m := newStub(nil)
		data := history(20)
		data[3].Value = math.NaN()

		out, err := h.HandlePredictionError(ctx, forecast.ErrMalformedInput, m, data, 2)

		Convey("Then the model predicts from the cleaned series", func() {
			So(err, ShouldBeNil)
			So(out.Strategy, ShouldEqual, recovery.StrategyClean)
			So(out.Forecast[0].Value, ShouldEqual, 19)
			So(m.trains.Load(), ShouldEqual, 0)
		})
	})

	Convey("Given an unclassified prediction failure", t, func() {
		m := newStub(nil)

		out, err := h.HandlePredictionError(ctx, errors.New("timeout"), m, history(5), 3)
		So(err, ShouldBeNil)
		So(out.Strategy, ShouldEqual, recovery.StrategyDelayedRetry)
		So(m.predicts.Load(), ShouldEqual, 1)
	})
}
