// Package service wires the forecasting components into per-entity
// pipelines and exposes the operations the HTTP API and CLI need.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/demandcast/internal/adapters/mq/queue"
	"github.com/okian/demandcast/internal/adapters/mq/worker"
	"github.com/okian/demandcast/internal/adapters/repository"
	"github.com/okian/demandcast/internal/config"
	"github.com/okian/demandcast/internal/domain/dedupe"
	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/internal/domain/monitor"
	"github.com/okian/demandcast/internal/domain/online"
	"github.com/okian/demandcast/internal/domain/recovery"
	"github.com/okian/demandcast/internal/domain/registry"
	"github.com/okian/demandcast/internal/domain/tuning"
	"github.com/okian/demandcast/internal/domain/validation"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
	"github.com/okian/demandcast/pkg/ring"
)

// MaxHorizon caps a single forecast request.
const MaxHorizon = 365

const flushPollInterval = 5 * time.Millisecond

// IngestResult counts what happened to a submitted batch.
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// TuneResult is a finished tuning run and the descriptor it saved.
type TuneResult struct {
	Descriptor model.Descriptor `json:"descriptor"`
	Outcome    tuning.Outcome   `json:"outcome"`
}

// Performance summarises one entity's realised accuracy.
type Performance struct {
	Entity   string                      `json:"entity"`
	Kind     string                      `json:"kind"`
	Current  model.PerformanceSnapshot   `json:"current"`
	History  []model.PerformanceSnapshot `json:"history"`
	Alerts   int                         `json:"alerts"`
	Drifted  bool                        `json:"drifted"`
	Window   int                         `json:"window"`
	Buffered int                         `json:"buffered"`
	Gaps     []forecast.Gap              `json:"gaps"`
}

// ErrorReport is one entity's failure history.
type ErrorReport struct {
	Entity     string              `json:"entity"`
	History    []model.ErrorRecord `json:"history"`
	Statistics recovery.Statistics `json:"statistics"`
}

// Stats is a service-wide snapshot.
type Stats struct {
	Started     bool   `json:"started"`
	Entities    int    `json:"entities"`
	Workers     int    `json:"workers"`
	QueueLength int    `json:"queue_length"`
	DedupeSize  int64  `json:"dedupe_size"`
	Accepted    int64  `json:"accepted"`
	Duplicates  int64  `json:"duplicates"`
	Rejected    int64  `json:"rejected"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	Forecasts   int64  `json:"forecasts"`
	Alerts      int    `json:"alerts"`
	DefaultKind string `json:"default_kind"`
}

// Service owns every entity pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.RWMutex

	cfg          *config.Config
	registry     *registry.Registry
	validator    *validation.CrossValidator
	optimizer    *tuning.Optimizer
	store        repository.Store
	deduper      dedupe.Deduper
	queue        queue.Queue
	pool         *worker.Pool
	alertHandler monitor.AlertHandler
	now          func() time.Time

	pipelines map[string]*pipeline

	started bool
	cancel  context.CancelFunc

	inflight   atomic.Int64
	accepted   atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	forecasts  atomic.Int64

	logger logger.Logger
}

// New constructs a Service from cfg; nil means defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg:       cfg,
		now:       time.Now,
		pipelines: make(map[string]*pipeline),
		logger:    logger.Default().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = registry.New(registry.Settings{
		WindowSize:    cfg.SpectralWindowSize,
		Components:    cfg.SpectralComponents,
		IntervalFloor: cfg.SpectralIntervalFloor,
		Alpha:         cfg.HoltAlpha,
		Beta:          cfg.HoltBeta,
	}, registry.WithLogger(s.logger))
	s.validator = validation.New(
		validation.WithFolds(cfg.CVFolds),
		validation.WithShuffle(cfg.CVShuffle),
		validation.WithSeed(cfg.CVSeed),
	)
	s.optimizer = tuning.New(s.validator,
		tuning.WithParallelism(cfg.TuningParallelism),
		tuning.WithTimeout(cfg.TuningTimeout),
	)
	return s
}

// Registry exposes the model registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Start opens the store and starts the ingestion workers. Workers outlive
// ctx cancellation; Stop ends them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting forecasting service...")

	if s.store == nil {
		st, err := repository.Open(ctx, s.cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open descriptor store: %w", err)
		}
		s.store = st
	}
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.QueueSize))
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.queue)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool.Start(runCtx)

	s.started = true
	s.logger.Info(ctx, "forecasting service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.cfg.QueueSize),
		logger.Int("dedupe_size", s.cfg.DedupeSize),
		logger.String("default_kind", s.cfg.DefaultKind),
		logger.String("store_path", s.cfg.StorePath),
	)
	return nil
}

// Stop drains the queue, stops the workers and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping forecasting service...")

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	s.store = nil
	s.started = false
	s.logger.Info(ctx, "forecasting service stopped")
	return errors.Join(errs...)
}

func (s *Service) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Service) descriptorStore() (repository.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.store, nil
}

// Ingest validates and deduplicates obs, then queues each entity's accepted
// observations for processing in date order. Observations are truncated to
// their UTC day.
func (s *Service) Ingest(ctx context.Context, obs []model.Observation) (IngestResult, error) {
	var res IngestResult
	s.mu.RLock()
	started, deduper, q := s.started, s.deduper, s.queue
	s.mu.RUnlock()
	if !started {
		return res, ErrNotStarted
	}

	batches := make(map[string][]model.Observation)
	for _, o := range obs {
		o.EntityID = strings.TrimSpace(o.EntityID)
		o.Date = model.Truncate(o.Date)
		if o.EntityID == "" || o.Date.IsZero() || !forecast.ValidValue(o.Value) {
			res.Rejected++
			continue
		}
		if deduper.SeenAndRecord(ctx, dedupe.Key(o.EntityID, o.Date)) {
			res.Duplicates++
			metrics.RecordDuplicateObservation()
			continue
		}
		batches[o.EntityID] = append(batches[o.EntityID], o)
	}

	var errs []error
	for _, entity := range sortedKeys(batches) {
		batch := batches[entity]
		p := s.pipeline(entity)
		p.push(batch)

		s.inflight.Add(1)
		err := q.Enqueue(ctx, queue.Task{
			Name: "ingest:" + entity,
			Run:  func(ctx context.Context) error { return s.drain(ctx, p) },
			Done: func(err error) {
				s.inflight.Add(-1)
				if err != nil {
					s.logger.Warn(ctx, "ingestion finished with errors",
						logger.String("entity", entity),
						logger.Error(err),
					)
				}
			},
		})
		if err != nil {
			s.inflight.Add(-1)
			removed := p.withdraw(batch)
			for _, o := range removed {
				deduper.Unrecord(ctx, dedupe.Key(o.EntityID, o.Date))
			}
			res.Rejected += len(removed)
			res.Accepted += len(batch) - len(removed)
			errs = append(errs, fmt.Errorf("%s: %w: %w", entity, ErrBackpressure, err))
			continue
		}
		res.Accepted += len(batch)
	}

	s.accepted.Add(int64(res.Accepted))
	s.duplicates.Add(int64(res.Duplicates))
	s.rejected.Add(int64(res.Rejected))
	metrics.UpdateQueueSize(q.Len())
	return res, errors.Join(errs...)
}

// Flush waits until every queued ingestion has been processed.
func (s *Service) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for s.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Service) drain(ctx context.Context, p *pipeline) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, o := range p.take() {
		if err := s.apply(ctx, p, o); err != nil {
			s.failed.Add(1)
			errs = append(errs, err)
			continue
		}
		s.processed.Add(1)
	}
	return errors.Join(errs...)
}

// apply feeds one observation through the pipeline. Must hold p.mu.
func (s *Service) apply(ctx context.Context, p *pipeline, o model.Observation) error {
	for day, predicted := range p.forecasts {
		switch {
		case day.Equal(o.Date):
			if _, err := p.monitor.TrackPrediction(ctx, o.Date, predicted, o.Value); err != nil && !errors.Is(err, monitor.ErrUndefinedError) {
				s.logger.Warn(ctx, "tracking failed", logger.String("entity", p.entity), logger.Error(err))
			}
			delete(p.forecasts, day)
		case day.Before(o.Date):
			delete(p.forecasts, day)
		}
	}

	err := p.learner.UpdateModel(ctx, o)
	switch {
	case err == nil:
	case errors.Is(err, online.ErrRetrainFailed):
		out, rerr := p.recovery.HandleTrainingError(ctx, err, p.learner.Model(), p.learner.Window())
		if rerr != nil {
			p.history.Push(o)
			return fmt.Errorf("%s: %w", p.entity, rerr)
		}
		p.learner.SetModel(out.Model)
	default:
		return fmt.Errorf("%s: %w", p.entity, err)
	}
	p.history.Push(o)

	drifted := p.learner.HasModelDrifted()
	if drifted && !p.drifted {
		s.logger.Warn(ctx, "model drift detected",
			logger.String("entity", p.entity),
			logger.Time("date", o.Date),
		)
	}
	p.drifted = drifted
	return nil
}

// Forecast predicts horizon days for entity. Failures other than a window
// that is still filling go through the entity's error handler; a recovered
// model replaces the current one.
func (s *Service) Forecast(ctx context.Context, entity string, horizon int) ([]model.ForecastPoint, error) {
	if horizon <= 0 || horizon > MaxHorizon {
		return nil, fmt.Errorf("horizon %d outside [1,%d]: %w", horizon, MaxHorizon, forecast.ErrInvalidHorizon)
	}
	p, err := s.lookup(entity)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pts, err := p.learner.Predict(ctx, horizon)
	if err != nil {
		if errors.Is(err, forecast.ErrInsufficientData) {
			return nil, fmt.Errorf("%s: %w", entity, err)
		}
		out, rerr := p.recovery.HandlePredictionError(ctx, err, p.learner.Model(), p.learner.Window(), horizon)
		if rerr != nil {
			return nil, fmt.Errorf("forecast %s: %w", entity, rerr)
		}
		p.learner.SetModel(out.Model)
		pts = out.Forecast
	}

	for _, pt := range pts {
		p.forecasts[model.Truncate(pt.Date)] = pt.Value
	}
	s.forecasts.Add(1)
	return pts, nil
}

// Tune grid-searches kindName on the entity's history, installs the best
// model (trained on the current window) and saves its descriptor. A nil grid
// uses the kind's default grid.
func (s *Service) Tune(ctx context.Context, entity, kindName string, grid tuning.Grid) (TuneResult, error) {
	if !s.isStarted() {
		return TuneResult{}, ErrNotStarted
	}
	p, err := s.lookup(entity)
	if err != nil {
		return TuneResult{}, err
	}
	if kindName == "" {
		kindName = s.cfg.DefaultKind
	}
	kind := s.registry.Resolve(kindName)
	if grid == nil {
		grid = tuning.DefaultGrid(kind)
	}

	data := p.snapshot()
	outcome, err := s.optimizer.OptimizeParameters(ctx, s.registry.Factory(string(kind)), data, grid)
	if err != nil {
		return TuneResult{}, fmt.Errorf("tune %s: %w", entity, err)
	}

	m := s.registry.Create(string(kind))
	if err := m.SetParameters(outcome.Best); err != nil {
		return TuneResult{}, fmt.Errorf("tune %s: %w", entity, err)
	}
	if err := s.install(ctx, p, m); err != nil {
		return TuneResult{}, fmt.Errorf("tune %s: %w", entity, err)
	}

	d, err := s.saveDescriptor(ctx, entity, m)
	if err != nil {
		return TuneResult{}, err
	}
	return TuneResult{Descriptor: d, Outcome: outcome}, nil
}

// Validate cross-validates the entity's current model configuration on its history.
func (s *Service) Validate(ctx context.Context, entity string) (model.CrossValidationResult, error) {
	p, err := s.lookup(entity)
	if err != nil {
		return model.CrossValidationResult{}, err
	}
	m, data := p.current()
	return s.validator.ValidateModel(ctx, m, data)
}

// Save persists the entity's current model configuration.
func (s *Service) Save(ctx context.Context, entity string) (model.Descriptor, error) {
	if !s.isStarted() {
		return model.Descriptor{}, ErrNotStarted
	}
	p, err := s.lookup(entity)
	if err != nil {
		return model.Descriptor{}, err
	}
	m, _ := p.current()
	return s.saveDescriptor(ctx, entity, m)
}

// Restore rebuilds the entity's latest saved model and installs it.
func (s *Service) Restore(ctx context.Context, entity string) (model.Descriptor, error) {
	st, err := s.descriptorStore()
	if err != nil {
		return model.Descriptor{}, err
	}
	d, err := st.Latest(ctx, entity)
	if err != nil {
		return model.Descriptor{}, err
	}
	m, err := s.registry.Restore(d)
	if err != nil {
		return model.Descriptor{}, err
	}
	if err := s.install(ctx, s.pipeline(entity), m); err != nil {
		return model.Descriptor{}, fmt.Errorf("restore %s: %w", entity, err)
	}
	return d, nil
}

// Descriptors lists every saved descriptor.
func (s *Service) Descriptors(ctx context.Context) ([]model.Descriptor, error) {
	st, err := s.descriptorStore()
	if err != nil {
		return nil, err
	}
	return st.List(ctx)
}

func (s *Service) saveDescriptor(ctx context.Context, entity string, m forecast.Forecaster) (model.Descriptor, error) {
	st, err := s.descriptorStore()
	if err != nil {
		return model.Descriptor{}, err
	}
	d, err := st.Save(ctx, model.Descriptor{
		Name:       entity,
		Kind:       string(m.Kind()),
		Parameters: m.Parameters(),
	})
	if err != nil {
		return model.Descriptor{}, fmt.Errorf("save %s: %w", entity, err)
	}
	s.logger.Info(ctx, "model descriptor saved",
		logger.String("entity", entity),
		logger.String("kind", d.Kind),
		logger.Int("version", d.Version),
	)
	return d, nil
}

// install trains m on a full window, if there is one, and swaps it in. A
// cancelled ctx abandons m and keeps the current model.
func (s *Service) install(ctx context.Context, p *pipeline, m forecast.Forecaster) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if window := p.learner.Window(); len(window) == p.learner.WindowSize() {
		select {
		case err := <-forecast.TrainAsync(ctx, m, window):
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.learner.SetModel(m)
	return nil
}

// Performance reports realised accuracy and drift for entity.
func (s *Service) Performance(entity string) (Performance, error) {
	p, err := s.lookup(entity)
	if err != nil {
		return Performance{}, err
	}
	p.mu.Lock()
	drifted := p.drifted
	gaps := forecast.DateGaps(p.history.Slice())
	p.mu.Unlock()

	return Performance{
		Entity:   entity,
		Kind:     string(p.learner.Model().Kind()),
		Current:  p.monitor.GetPerformanceMetrics(),
		History:  p.monitor.History(),
		Alerts:   p.monitor.AlertCount(),
		Drifted:  drifted,
		Window:   p.learner.WindowSize(),
		Buffered: len(p.learner.Window()),
		Gaps:     gaps,
	}, nil
}

// Errors reports the entity's failure history.
func (s *Service) Errors(entity string) (ErrorReport, error) {
	p, err := s.lookup(entity)
	if err != nil {
		return ErrorReport{}, err
	}
	return ErrorReport{
		Entity:     entity,
		History:    p.recovery.GetErrorHistory(),
		Statistics: p.recovery.GetErrorStatistics(),
	}, nil
}

// Entities lists known entities in sorted order.
func (s *Service) Entities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.pipelines)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Started:     s.started,
		Entities:    len(s.pipelines),
		Accepted:    s.accepted.Load(),
		Duplicates:  s.duplicates.Load(),
		Rejected:    s.rejected.Load(),
		Processed:   s.processed.Load(),
		Failed:      s.failed.Load(),
		Forecasts:   s.forecasts.Load(),
		DefaultKind: s.cfg.DefaultKind,
	}
	for _, p := range s.pipelines {
		st.Alerts += p.monitor.AlertCount()
	}
	if s.started {
		st.Workers = s.pool.Size()
		st.QueueLength = s.queue.Len()
		st.DedupeSize = s.deduper.Size()
		metrics.UpdateQueueSize(st.QueueLength)
	}
	return st
}

func (s *Service) lookup(entity string) (*pipeline, error) {
	s.mu.RLock()
	p, ok := s.pipelines[entity]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", entity, ErrUnknownEntity)
	}
	return p, nil
}

// pipeline returns the entity's pipeline, creating it on first use.
func (s *Service) pipeline(entity string) *pipeline {
	s.mu.RLock()
	p, ok := s.pipelines[entity]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[entity]; ok {
		return p
	}
	l := s.logger.Named(entity)
	p = &pipeline{
		entity: entity,
		learner: online.New(entity, s.registry.Create(s.cfg.DefaultKind),
			online.WithWindowSize(s.cfg.OnlineWindowSize),
			online.WithDriftThreshold(s.cfg.OnlineDriftThreshold),
			online.WithLogger(l),
		),
		monitor: monitor.New(entity,
			monitor.WithMaxHistory(s.cfg.MonitorMaxHistory),
			monitor.WithThreshold(s.cfg.MonitorErrorThreshold),
			monitor.WithCooldown(s.cfg.MonitorAlertCooldown),
			monitor.WithAlertHandler(s.alertHandler),
			monitor.WithClock(s.now),
			monitor.WithLogger(l),
		),
		recovery: recovery.New(entity,
			recovery.WithMaxRetries(s.cfg.RecoveryMaxRetries),
			recovery.WithRetryDelay(s.cfg.RecoveryRetryDelay),
			recovery.WithMaxErrorHistory(s.cfg.RecoveryMaxErrorHistory),
			recovery.WithClock(s.now),
			recovery.WithLogger(l),
		),
		history:   ring.New[model.Observation](historyCapacity),
		forecasts: make(map[time.Time]float64),
	}
	s.pipelines[entity] = p
	return p
}

func (p *pipeline) snapshot() []model.Observation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Slice()
}

// current returns an untrained copy of the model in use and the history.
func (p *pipeline) current() (forecast.Forecaster, []model.Observation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.learner.Model().Clone(), p.history.Slice()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
