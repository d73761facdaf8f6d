package monitor_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/monitor"
	"github.com/okian/demandcast/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMonitorAlerts(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()

	Convey("Given a monitor with a 24h cooldown", t, func() {
		c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		var alerts []monitor.Alert
		m := monitor.New("sku-1",
			monitor.WithClock(c.now),
			monitor.WithAlertHandler(func(_ context.Context, a monitor.Alert) { alerts = append(alerts, a) }),
		)

		Convey("When the error stays above threshold for 60 hours", func() {
			for h := 0; h < 60; h++ {
				_, err := m.TrackPrediction(ctx, c.t, 50, 100)
				So(err, ShouldBeNil)
				c.t = c.t.Add(time.Hour)
			}

			Convey("Then one alert is raised per cooldown window", func() {
				// hours 0, 24 and 48
				So(alerts, ShouldHaveLength, 3)
				So(m.AlertCount(), ShouldEqual, 3)
				So(alerts[1].Timestamp.Sub(alerts[0].Timestamp), ShouldEqual, 24*time.Hour)
				So(alerts[0].ID, ShouldNotEqual, alerts[1].ID)
				So(alerts[0].Model, ShouldEqual, "sku-1")
			})
		})

		Convey("When the error stays below threshold", func() {
			for h := 0; h < 10; h++ {
				_, err := m.TrackPrediction(ctx, c.t, 95, 100)
				So(err, ShouldBeNil)
			}
			So(alerts, ShouldBeEmpty)
		})
	})
}

func TestMonitorMetrics(t *testing.T) {
	_ = logger.Init()
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	Convey("Given a monitor", t, func() {
		m := monitor.New("sku-2", monitor.WithMaxHistory(40), monitor.WithThreshold(10))

		Convey("When fewer than 15 samples exist", func() {
			for i := 0; i < 14; i++ {
				_, _ = m.TrackPrediction(ctx, day.AddDate(0, 0, i), 90, 100)
			}
			snap := m.GetPerformanceMetrics()

			Convey("Then drift is not reported", func() {
				So(snap.Samples, ShouldEqual, 14)
				So(snap.MeanError, ShouldAlmostEqual, 0.1, 1e-12)
				So(snap.Drift, ShouldEqual, 0)
			})
		})

		Convey("When errors double in the recent half", func() {
			for i := 0; i < 15; i++ {
				_, _ = m.TrackPrediction(ctx, day.AddDate(0, 0, i), 90, 100)
			}
			for i := 15; i < 30; i++ {
				_, _ = m.TrackPrediction(ctx, day.AddDate(0, 0, i), 80, 100)
			}
			snap := m.GetPerformanceMetrics()

			Convey("Then drift is the relative change of the halves", func() {
				So(snap.Samples, ShouldEqual, 30)
				So(snap.Drift, ShouldAlmostEqual, 1.0, 1e-9)
				So(snap.StdDevError, ShouldBeGreaterThan, 0)
			})
		})

		Convey("When more records arrive than the history holds", func() {
			for i := 0; i < 100; i++ {
				_, _ = m.TrackPrediction(ctx, day.AddDate(0, 0, i), 90, 100)
			}

			Convey("Then only the newest are kept", func() {
				records := m.Records()
				So(records, ShouldHaveLength, 40)
				So(records[0].Date, ShouldEqual, day.AddDate(0, 0, 60))
				So(m.History(), ShouldHaveLength, 30)
				So(m.GetPerformanceMetrics().Samples, ShouldEqual, 30)
			})
		})

		Convey("When the actual value is zero or invalid", func() {
			_, err := m.TrackPrediction(ctx, day, 5, 0)
			So(errors.Is(err, monitor.ErrUndefinedError), ShouldBeTrue)
			_, err = m.TrackPrediction(ctx, day, math.NaN(), 3)
			So(errors.Is(err, forecast.ErrMalformedInput), ShouldBeTrue)
			So(m.Records(), ShouldBeEmpty)
		})
	})
}
