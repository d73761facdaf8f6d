// Package worker runs queued tasks on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/demandcast/internal/adapters/mq/queue"
	"github.com/okian/demandcast/pkg/logger"
	"github.com/okian/demandcast/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// ErrTaskPanicked wraps a panic raised inside a task.
var ErrTaskPanicked = errors.New("task panicked")

// Queue defines how workers receive tasks.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Task
}

// Worker processes tasks until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after its current task.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue Queue
	name  string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Default().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	tasks := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			w.process(ctx, task)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, task queue.Task) {
	start := time.Now()
	metrics.AddWorkerActive(1)
	err := safeRun(ctx, task)
	metrics.AddWorkerActive(-1)
	metrics.RecordWorkerTask(float64(time.Since(start).Microseconds())/1000, err != nil)

	if err != nil {
		w.logger.Debug(ctx, "task failed",
			logger.String("task", task.Name),
			logger.Error(err),
		)
	}
	if task.Done != nil {
		task.Done(err)
	}
}

func safeRun(ctx context.Context, task queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrTaskPanicked, task.Name, r)
		}
	}()
	if task.Run == nil {
		return nil
	}
	return task.Run(ctx)
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a pool; a non-positive count means GOMAXPROCS.
func NewPool(workerCount int, q Queue, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.GOMAXPROCS(0)
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Default().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, wopts...)
	}
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker %d: %w", i, shutdownCtx.Err())
		}
	}
	return nil
}

// RunAll executes fns on a pool of at most parallelism workers and returns
// their errors index-aligned with fns. Functions not run before ctx ends
// report ctx.Err().
func RunAll(ctx context.Context, parallelism int, fns []func(ctx context.Context) error) []error {
	errs := make([]error, len(fns))
	if len(fns) == 0 {
		return errs
	}
	if parallelism < 1 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	q := queue.NewInMemoryQueue(queue.WithCapacity(len(fns)))
	pool := NewPool(min(parallelism, len(fns)), q)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(runCtx)

	var wg sync.WaitGroup
	completed := make([]bool, len(fns))
	for i, fn := range fns {
		wg.Add(1)
		task := queue.Task{
			Name: "task-" + strconv.Itoa(i),
			Run: func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fn(ctx)
			},
			Done: func(err error) {
				errs[i] = err
				completed[i] = true
				wg.Done()
			},
		}
		if err := q.Enqueue(ctx, task); err != nil {
			errs[i] = err
			completed[i] = true
			wg.Done()
		}
	}
	_ = q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errs
	case <-ctx.Done():
	}

	cancel()
	for _, w := range pool.workers {
		<-w.done
	}
	for i := range errs {
		if !completed[i] {
			errs[i] = ctx.Err()
			wg.Done()
		}
	}
	return errs
}
