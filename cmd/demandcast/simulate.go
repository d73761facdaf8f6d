package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/okian/demandcast/internal/adapters/http/api"
	service "github.com/okian/demandcast/internal/app"
	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/types"
	"github.com/okian/demandcast/internal/synth"
	"github.com/okian/demandcast/pkg/logger"
)

// SynthFlags describe the generated demand.
type SynthFlags struct {
	Entities  int     `help:"Number of generated entities." default:"3"`
	Days      int     `help:"Days of history per entity." default:"120"`
	Seed      int64   `help:"Generator seed." default:"42"`
	Trend     float64 `help:"Daily trend." default:"0.2"`
	Amplitude float64 `help:"Weekly cycle amplitude." default:"15"`
	Noise     float64 `help:"Noise standard deviation." default:"3"`
}

func (f SynthFlags) generate() []synth.Series {
	cfg := synth.DefaultConfig()
	cfg.Entities = f.Entities
	cfg.Days = f.Days
	cfg.Seed = f.Seed
	cfg.Trend = f.Trend
	cfg.Amplitude = f.Amplitude
	cfg.Noise = f.Noise
	return synth.Generate(cfg)
}

// SimulateCmd feeds synthetic demand to an in-process service, or to a
// running one when --url is set, and prints a forecast per entity.
type SimulateCmd struct {
	SynthFlags `embed:""`

	Horizon int           `help:"Days to forecast." default:"7"`
	URL     string        `help:"Base URL of a running service; in-process when empty." name:"url"`
	Wait    time.Duration `help:"How long a remote service may take to process the feed." default:"30s"`
}

// Run executes the simulation.
func (c *SimulateCmd) Run(rt *env) error {
	series := c.generate()
	if c.URL != "" {
		return c.remote(rt, series)
	}

	svc, err := startLoaded(rt, series)
	if err != nil {
		return err
	}
	defer stopQuietly(rt, svc)

	out := make([]types.ForecastResponse, 0, len(series))
	for _, s := range series {
		pts, err := svc.Forecast(rt.ctx, s.EntityID, c.Horizon)
		if err != nil {
			return fmt.Errorf("forecast %s: %w", s.EntityID, err)
		}
		out = append(out, types.ForecastResponse{Entity: s.EntityID, Horizon: c.Horizon, Points: pts})
	}
	return rt.writeJSON(struct {
		Stats     service.Stats            `json:"stats"`
		Forecasts []types.ForecastResponse `json:"forecasts"`
	}{svc.GetStats(), out})
}

func (c *SimulateCmd) remote(rt *env, series []synth.Series) error {
	client := synth.NewClient(c.URL, synth.WithClientLogger(rt.logger.Named("synth-client")))
	if err := client.Health(rt.ctx); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	ack, err := client.Submit(rt.ctx, synth.Flatten(series))
	if err != nil {
		return err
	}
	rt.logger.Info(rt.ctx, "feed submitted",
		logger.Int("accepted", ack.Accepted),
		logger.Int("duplicates", ack.Duplicates),
		logger.Int("rejected", ack.Rejected),
	)

	// The service processes ingestion asynchronously.
	ctx, cancel := context.WithTimeout(rt.ctx, c.Wait)
	defer cancel()
	out := make([]types.ForecastResponse, 0, len(series))
	for _, s := range series {
		res, err := pollForecast(ctx, client, s.EntityID, c.Horizon)
		if err != nil {
			return fmt.Errorf("forecast %s: %w", s.EntityID, err)
		}
		out = append(out, res)
	}
	return rt.writeJSON(struct {
		Ingest    types.IngestResponse     `json:"ingest"`
		Forecasts []types.ForecastResponse `json:"forecasts"`
	}{ack, out})
}

const pollInterval = 250 * time.Millisecond

func pollForecast(ctx context.Context, client *synth.Client, entity string, horizon int) (types.ForecastResponse, error) {
	for {
		res, err := client.Forecast(ctx, entity, horizon)
		if err == nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, errors.Join(err, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// TuneCmd grid-searches every generated entity with the kind's default grid
// and saves the winning descriptors to the configured store.
type TuneCmd struct {
	SynthFlags `embed:""`

	Kind string `help:"Model kind or alias; default_kind when empty."`
}

// Run executes the search.
func (c *TuneCmd) Run(rt *env) error {
	series := c.generate()
	svc, err := startLoaded(rt, series)
	if err != nil {
		return err
	}
	defer stopQuietly(rt, svc)

	out := make(map[string]types.TuneResponse, len(series))
	for _, s := range series {
		res, err := svc.Tune(rt.ctx, s.EntityID, c.Kind, nil)
		if err != nil {
			return err
		}
		out[s.EntityID] = api.NewTuneResponse(res)
	}
	return rt.writeJSON(out)
}

// ValidateCmd cross-validates the default model of every generated entity.
type ValidateCmd struct {
	SynthFlags `embed:""`
}

// Run executes the validation. Entities that cannot be validated are
// reported with their error.
func (c *ValidateCmd) Run(rt *env) error {
	series := c.generate()
	svc, err := startLoaded(rt, series)
	if err != nil {
		return err
	}
	defer stopQuietly(rt, svc)

	type entry struct {
		MeanError     *float64  `json:"mean_error,omitempty"`
		StdDevError   *float64  `json:"stddev_error,omitempty"`
		PerFoldErrors []float64 `json:"per_fold_errors,omitempty"`
		Error         string    `json:"error,omitempty"`
	}
	out := make(map[string]entry, len(series))
	for _, s := range series {
		res, err := svc.Validate(rt.ctx, s.EntityID)
		if err != nil {
			if !errors.Is(err, forecast.ErrInsufficientData) {
				rt.logger.Warn(rt.ctx, "validation failed", logger.String("entity", s.EntityID), logger.Error(err))
			}
			out[s.EntityID] = entry{Error: err.Error()}
			continue
		}
		out[s.EntityID] = entry{
			MeanError:     types.Finite(res.MeanError),
			StdDevError:   types.Finite(res.StdDevError),
			PerFoldErrors: res.PerFoldErrors,
		}
	}
	return rt.writeJSON(out)
}

// startLoaded starts an in-process service and ingests series.
func startLoaded(rt *env, series []synth.Series) (*service.Service, error) {
	svc := service.New(rt.cfg, service.WithLogger(rt.logger.Named("service")))
	if err := svc.Start(rt.ctx); err != nil {
		return nil, err
	}
	if _, err := svc.Ingest(rt.ctx, synth.Flatten(series)); err != nil {
		stopQuietly(rt, svc)
		return nil, err
	}
	if err := svc.Flush(rt.ctx); err != nil {
		stopQuietly(rt, svc)
		return nil, err
	}
	return svc, nil
}

func stopQuietly(rt *env, svc *service.Service) {
	if err := svc.Stop(context.WithoutCancel(rt.ctx)); err != nil {
		rt.logger.Warn(rt.ctx, "service stop failed", logger.Error(err))
	}
}

func (rt *env) writeJSON(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
