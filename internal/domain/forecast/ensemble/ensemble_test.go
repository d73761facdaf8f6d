package ensemble_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/forecast/ensemble"
	"github.com/okian/demandcast/internal/domain/forecast/holt"
	"github.com/okian/demandcast/internal/domain/forecast/spectral"
	"github.com/okian/demandcast/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

var day0 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

// fixed returns the same values on every call.
type fixed struct {
	values   []float64
	trainErr error
	predErr  error
	mape     float64
	trained  bool
}

func (f *fixed) Kind() forecast.Kind { return "fixed" }
func (f *fixed) Train(context.Context, []model.Observation) error {
	f.trained = f.trainErr == nil
	return f.trainErr
}

func (f *fixed) Predict(_ context.Context, _ []model.Observation, horizon int) ([]model.ForecastPoint, error) {
	if f.predErr != nil {
		return nil, f.predErr
	}
	out := make([]model.ForecastPoint, horizon)
	for i := range out {
		v := f.values[i%len(f.values)]
		out[i] = model.ForecastPoint{Date: day0.AddDate(0, 0, i+1), Value: v, Lower: v - 1, Upper: v + 1}
	}
	return out, nil
}
func (f *fixed) Evaluate(context.Context, []model.Observation) float64 { return f.mape }
func (f *fixed) Parameters() model.Parameters                          { return model.Parameters{} }
func (f *fixed) SetParameters(model.Parameters) error                  { return nil }
func (f *fixed) DefaultParameters() model.Parameters                   { return model.Parameters{} }
func (f *fixed) IsTrained() bool                                       { return f.trained }

func (f *fixed) Clone() forecast.Forecaster {
	c := *f
	c.trained = false
	return &c
}

func observations(n int) []model.Observation {
	out := make([]model.Observation, n)
	for i := range out {
		out[i] = model.Observation{Date: day0.AddDate(0, 0, i), Value: 20 + 5*math.Sin(float64(i))}
	}
	return out
}

func TestEnsemblePredict(t *testing.T) {
	ctx := context.Background()

	Convey("Given two members weighted 0.6 and 0.4", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{10, 20}}, 0.6), ShouldBeNil)
		So(e.AddModel(&fixed{values: []float64{20, 30}}, 0.4), ShouldBeNil)
		So(e.Train(ctx, observations(10)), ShouldBeNil)

		Convey("When predicting two steps", func() {
			pts, err := e.Predict(ctx, nil, 2)

			Convey("Then the weighted sums are returned", func() {
				So(err, ShouldBeNil)
				So(pts, ShouldHaveLength, 2)
				So(pts[0].Value, ShouldAlmostEqual, 14, 1e-9)
				So(pts[1].Value, ShouldAlmostEqual, 24, 1e-9)
				So(pts[0].Lower, ShouldAlmostEqual, 13, 1e-9)
				So(pts[1].Upper, ShouldAlmostEqual, 25, 1e-9)
			})
		})
	})

	Convey("Given weights that do not sum to one", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{10, 20}}, 3), ShouldBeNil)
		So(e.AddModel(&fixed{values: []float64{20, 30}}, 2), ShouldBeNil)
		So(e.Train(ctx, observations(10)), ShouldBeNil)

		Convey("Then they are normalised for the call", func() {
			pts, err := e.Predict(ctx, nil, 2)
			So(err, ShouldBeNil)
			So(pts[0].Value, ShouldAlmostEqual, 14, 1e-9)
			So(pts[1].Value, ShouldAlmostEqual, 24, 1e-9)
		})
	})

	Convey("Given a member that fails to forecast", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{10}}, 0.5), ShouldBeNil)
		So(e.AddModel(&fixed{values: []float64{99}, predErr: forecast.ErrNumericInstability}, 0.5), ShouldBeNil)
		So(e.Train(ctx, observations(10)), ShouldBeNil)

		Convey("Then the survivor carries the full weight", func() {
			pts, err := e.Predict(ctx, nil, 3)
			So(err, ShouldBeNil)
			So(pts, ShouldHaveLength, 3)
			for _, p := range pts {
				So(p.Value, ShouldAlmostEqual, 10, 1e-9)
			}
			So(e.Weights(), ShouldResemble, []float64{0.5, 0.5})
		})
	})

	Convey("Given no member can forecast", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{1}, predErr: errors.New("boom")}, 1), ShouldBeNil)
		So(e.Train(ctx, observations(10)), ShouldBeNil)

		_, err := e.Predict(ctx, nil, 2)
		So(errors.Is(err, forecast.ErrNoForecast), ShouldBeTrue)
	})

	Convey("Given real members", t, func() {
		e := ensemble.New()
		So(e.AddModel(spectral.New(spectral.WithWindowSize(5)), 1), ShouldBeNil)
		So(e.AddModel(holt.New(), 1), ShouldBeNil)
		data := observations(60)
		So(e.Train(ctx, data), ShouldBeNil)

		Convey("Then the horizon length and band invariant hold", func() {
			pts, err := e.Predict(ctx, data, 7)
			So(err, ShouldBeNil)
			So(pts, ShouldHaveLength, 7)
			for _, p := range pts {
				So(p.Lower, ShouldBeGreaterThanOrEqualTo, 0)
				So(p.Lower, ShouldBeLessThanOrEqualTo, p.Value)
				So(p.Value, ShouldBeLessThanOrEqualTo, p.Upper)
			}
			So(math.IsNaN(e.Evaluate(ctx, data[40:])), ShouldBeFalse)
		})
	})
}

func TestEnsembleTraining(t *testing.T) {
	ctx := context.Background()

	Convey("Given one member that cannot train", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{1}}, 1), ShouldBeNil)
		So(e.AddModel(&fixed{values: []float64{1}, trainErr: forecast.ErrInsufficientData}, 1), ShouldBeNil)

		Convey("When training", func() {
			err := e.Train(ctx, observations(5))

			Convey("Then the ensemble stays untrained and reports the cause", func() {
				So(errors.Is(err, forecast.ErrInsufficientData), ShouldBeTrue)
				So(e.IsTrained(), ShouldBeFalse)
				_, perr := e.Predict(ctx, nil, 1)
				So(errors.Is(perr, forecast.ErrNotTrained), ShouldBeTrue)
			})
		})
	})

	Convey("Given a trained ensemble", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{1}}, 1), ShouldBeNil)
		So(e.Train(ctx, observations(5)), ShouldBeNil)

		Convey("When a member is added", func() {
			So(e.AddModel(&fixed{values: []float64{2}}, 1), ShouldBeNil)
			So(e.IsTrained(), ShouldBeFalse)
		})

		Convey("When adding invalid members", func() {
			So(errors.Is(e.AddModel(nil, 1), forecast.ErrInvalidParameter), ShouldBeTrue)
			So(errors.Is(e.AddModel(&fixed{}, 0), forecast.ErrInvalidParameter), ShouldBeTrue)
			So(errors.Is(e.AddModel(&fixed{}, math.NaN()), forecast.ErrInvalidParameter), ShouldBeTrue)
		})
	})

	Convey("Given an ensemble trained on a long history", t, func() {
		e := ensemble.New()
		So(e.AddModel(spectral.New(spectral.WithWindowSize(5)), 1), ShouldBeNil)
		So(e.AddModel(holt.New(), 1), ShouldBeNil)
		data := observations(60)
		So(e.Train(ctx, data), ShouldBeNil)
		before, err := e.Predict(ctx, data, 3)
		So(err, ShouldBeNil)

		Convey("When retraining on too little data fails", func() {
			err := e.Train(ctx, observations(6))

			Convey("Then the previous members and trained state are kept", func() {
				So(errors.Is(err, forecast.ErrInsufficientData), ShouldBeTrue)
				So(e.IsTrained(), ShouldBeTrue)
				after, perr := e.Predict(ctx, data, 3)
				So(perr, ShouldBeNil)
				So(after, ShouldResemble, before)
			})
		})
	})

	Convey("Given members that track whether they were trained", t, func() {
		first := &fixed{values: []float64{1}}
		second := &fixed{values: []float64{2}}
		e := ensemble.New()
		So(e.AddModel(first, 1), ShouldBeNil)
		So(e.AddModel(second, 1), ShouldBeNil)

		Convey("When the ensemble trains", func() {
			So(e.Train(ctx, observations(5)), ShouldBeNil)

			Convey("Then clones were trained and the originals are untouched", func() {
				So(e.IsTrained(), ShouldBeTrue)
				So(first.trained, ShouldBeFalse)
				So(second.trained, ShouldBeFalse)
			})
		})
	})

	Convey("Given an empty ensemble", t, func() {
		err := ensemble.New().Train(ctx, observations(5))
		So(errors.Is(err, ensemble.ErrNoMembers), ShouldBeTrue)
	})
}

func TestEnsembleWeights(t *testing.T) {
	ctx := context.Background()

	Convey("Given members with known validation errors", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{values: []float64{1}, mape: 0}, 1), ShouldBeNil)
		So(e.AddModel(&fixed{values: []float64{1}, mape: 1}, 1), ShouldBeNil)
		So(e.AddModel(&fixed{values: []float64{1}, mape: math.NaN()}, 1), ShouldBeNil)

		Convey("When updating weights", func() {
			w := e.UpdateWeights(ctx, observations(10))

			Convey("Then scores 1/(1+MAPE) are normalised", func() {
				// scores 1, 0.5, 0
				So(w[0], ShouldAlmostEqual, 2.0/3, 1e-12)
				So(w[1], ShouldAlmostEqual, 1.0/3, 1e-12)
				So(w[2], ShouldEqual, 0)
			})
		})
	})

	Convey("Given no member can be scored", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{mape: math.NaN()}, 2), ShouldBeNil)
		So(e.AddModel(&fixed{mape: math.NaN()}, 3), ShouldBeNil)

		Convey("Then the weights are unchanged", func() {
			So(e.UpdateWeights(ctx, observations(10)), ShouldResemble, []float64{2, 3})
		})
	})

	Convey("Given a member that cannot be scored", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{mape: 0.1}, 1), ShouldBeNil)
		So(e.AddModel(&fixed{mape: math.NaN()}, 1), ShouldBeNil)
		So(e.UpdateWeights(ctx, observations(10)), ShouldResemble, []float64{1, 0})

		Convey("Then its zero weight survives a parameter round trip", func() {
			p := e.Parameters()
			So(p, ShouldResemble, model.Parameters{"Weight0": 1, "Weight1": 0})
			So(e.SetParameters(p), ShouldBeNil)
			So(e.Weights(), ShouldResemble, []float64{1, 0})

			c := e.Clone()
			So(c.SetParameters(p), ShouldBeNil)
			So(c.Parameters(), ShouldResemble, p)
		})

		Convey("Then zeroing the last positive weight is rejected", func() {
			err := e.SetParameters(model.Parameters{"Weight0": 0})
			So(errors.Is(err, forecast.ErrInvalidParameter), ShouldBeTrue)
			So(e.Weights(), ShouldResemble, []float64{1, 0})
		})
	})

	Convey("Given weight parameters", t, func() {
		e := ensemble.New()
		So(e.AddModel(&fixed{}, 1), ShouldBeNil)
		So(e.AddModel(&fixed{}, 1), ShouldBeNil)

		So(e.SetParameters(model.Parameters{"Weight1": 4}), ShouldBeNil)
		So(e.Parameters(), ShouldResemble, model.Parameters{"Weight0": 1, "Weight1": 4})
		So(errors.Is(e.SetParameters(model.Parameters{"Weight2": 1}), forecast.ErrInvalidParameter), ShouldBeTrue)
		So(errors.Is(e.SetParameters(model.Parameters{"Weight0": -1}), forecast.ErrInvalidParameter), ShouldBeTrue)
		So(e.DefaultParameters(), ShouldResemble, model.Parameters{"Weight0": 1, "Weight1": 1})

		c := e.Clone()
		So(c.Parameters(), ShouldResemble, e.Parameters())
		So(c.IsTrained(), ShouldBeFalse)
	})
}
