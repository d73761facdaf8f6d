package holt_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/forecast/holt"
	"github.com/okian/demandcast/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func linear(n int, start, slope float64) []model.Observation {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Observation, n)
	for i := range out {
		out[i] = model.Observation{Date: day.AddDate(0, 0, i), Value: start + slope*float64(i)}
	}
	return out
}

func TestHoltForecaster(t *testing.T) {
	ctx := context.Background()

	Convey("Given a Holt forecaster on a straight line", t, func() {
		data := linear(30, 10, 2)
		f := holt.New(holt.WithIntervalFloor(0))
		So(f.Train(ctx, data), ShouldBeNil)

		Convey("When extrapolating", func() {
			pts, err := f.Predict(ctx, nil, 3)

			Convey("Then the line continues exactly", func() {
				So(err, ShouldBeNil)
				So(pts, ShouldHaveLength, 3)
				for i, p := range pts {
					So(p.Value, ShouldAlmostEqual, 10+2*float64(30+i), 1e-9)
					So(p.Upper-p.Lower, ShouldAlmostEqual, 0, 1e-9)
					So(p.Date, ShouldEqual, data[29].Date.AddDate(0, 0, i+1))
				}
			})
		})

		Convey("When evaluating on more of the line", func() {
			So(f.Evaluate(ctx, linear(10, 70, 2)), ShouldAlmostEqual, 0, 1e-9)
		})
	})

	Convey("Given a falling series", t, func() {
		f := holt.New()
		So(f.Train(ctx, linear(10, 20, -3)), ShouldBeNil)

		Convey("Then forecasts never drop below zero", func() {
			pts, err := f.Predict(ctx, nil, 20)
			So(err, ShouldBeNil)
			for _, p := range pts {
				So(p.Lower, ShouldBeGreaterThanOrEqualTo, 0)
				So(p.Lower, ShouldBeLessThanOrEqualTo, p.Value)
				So(p.Value, ShouldBeLessThanOrEqualTo, p.Upper)
			}
		})
	})

	Convey("Given bad input", t, func() {
		f := holt.New()
		So(errors.Is(f.Train(ctx, linear(1, 1, 0)), forecast.ErrInsufficientData), ShouldBeTrue)

		bad := linear(5, 1, 1)
		bad[2].Value = math.Inf(1)
		So(errors.Is(f.Train(ctx, bad), forecast.ErrMalformedInput), ShouldBeTrue)

		_, err := f.Predict(ctx, nil, 1)
		So(errors.Is(err, forecast.ErrNotTrained), ShouldBeTrue)
	})

	Convey("Given parameter updates", t, func() {
		f := holt.New()
		So(f.SetParameters(model.Parameters{"Alpha": 0.8, "Beta": 0.1}), ShouldBeNil)
		So(f.Parameters(), ShouldResemble, model.Parameters{"Alpha": 0.8, "Beta": 0.1})
		So(f.Clone().Parameters(), ShouldResemble, f.Parameters())

		So(errors.Is(f.SetParameters(model.Parameters{"Alpha": 0}), forecast.ErrInvalidParameter), ShouldBeTrue)
		So(errors.Is(f.SetParameters(model.Parameters{"Gamma": 0.5}), forecast.ErrInvalidParameter), ShouldBeTrue)
		So(f.DefaultParameters(), ShouldResemble, model.Parameters{"Alpha": 0.5, "Beta": 0.3})
	})
}
