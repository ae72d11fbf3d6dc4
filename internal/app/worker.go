package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/metrics"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/retry"
)

// Runner executes one job. *Orchestrator is the production Runner.
type Runner interface {
	RunScan(ctx context.Context, job model.Job) (*model.Scan, error)
}

// maxIdleAttempt bounds the attempt counter handed to the poll policy.
const maxIdleAttempt = 32

// Heartbeater is implemented by queues whose claims go stale unless the
// worker holding them keeps refreshing them.
type Heartbeater interface {
	Heartbeat(ctx context.Context, jobID string) error
}

// Worker takes jobs from the queue one at a time and runs them. The scan
// belongs to the worker that dequeued it until RunScan returns.
type Worker struct {
	id        int
	queue     Queue
	runner    Runner
	poll      retry.Policy
	heartbeat time.Duration
	logger    logging.Logger
}

func NewWorker(id int, q Queue, r Runner, poll retry.Policy, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Worker{
		id:     id,
		queue:  q,
		runner: r,
		poll:   poll,
		logger: logger.With(
			logging.Field{Key: "component", Value: "worker"},
			logging.Field{Key: "worker", Value: id}),
	}
}

// WithHeartbeat makes the worker refresh its claim every d while a job
// runs. Zero disables it.
func (w *Worker) WithHeartbeat(d time.Duration) *Worker {
	w.heartbeat = d
	return w
}

// Run polls the queue until ctx is canceled. While the queue is empty or
// unreachable it sleeps with the poll policy's growing delay.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("dequeue failed", logging.Field{Key: "error", Value: &ExternalServiceError{Service: "queue", Err: err}})
		}
		if processed {
			idle = 0
			continue
		}
		if err := w.poll.Sleep(ctx, idle); err != nil {
			return nil
		}
		idle = min(idle+1, maxIdleAttempt)
	}
}

// RunOnce claims and runs at most one job. It reports whether a job was
// processed; the error is a dequeue failure only; scan outcomes are logged.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.NextJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, *job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job model.Job) {
	log := w.logger.With(
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "scan_id", Value: job.ScanID})
	log.Info("job claimed", logging.Field{Key: "domain", Value: job.Domain})

	stop := w.beat(ctx, job.ID, log)
	scan, err := w.runner.RunScan(ctx, job)
	stop()
	if err == nil {
		return
	}

	var (
		critical *CriticalTaskError
		zero     *ZeroEvidenceError
	)
	switch {
	case errors.As(err, &critical), errors.As(err, &zero):
		log.Warn("scan failed", logging.Field{Key: "error", Value: err})
	default:
		log.Error("scan aborted", logging.Field{Key: "error", Value: err})
	}

	// A job that never produced a scan record still has to leave the queue.
	if scan == nil {
		if uerr := w.queue.UpdateStatus(context.WithoutCancel(ctx), job.ScanID, model.ScanFailed, err.Error()); uerr != nil {
			log.Warn("queue status update failed", logging.Field{Key: "error", Value: uerr})
		}
	}
}

// beat refreshes the claim on jobID until the returned stop is called.
func (w *Worker) beat(ctx context.Context, jobID string, log logging.Logger) (stop func()) {
	hb, ok := w.queue.(Heartbeater)
	if !ok || w.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(w.heartbeat)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := hb.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
					log.Warn("heartbeat failed", logging.Field{Key: "error", Value: err})
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Maintainer is implemented by queues that can report depth and recover
// jobs from dead workers.
type Maintainer interface {
	Depth(ctx context.Context) (int, error)
	Requeue(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	workers    []*Worker
	queue      Queue
	staleAfter time.Duration
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     logging.Logger
}

func NewPool(cfg WorkerConfig, q Queue, r Runner, m *metrics.Metrics, logger logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Nop{}
	}
	n := max(cfg.Count, 1)
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 && cfg.StaleAfter > 0 {
		heartbeat = cfg.StaleAfter / 4
	}
	p := &Pool{
		queue:      q,
		staleAfter: cfg.StaleAfter,
		interval:   30 * time.Second,
		metrics:    m,
		logger:     logger.With(logging.Field{Key: "component", Value: "pool"}),
	}
	for i := range n {
		p.workers = append(p.workers, NewWorker(i+1, q, r, cfg.Poll, logger).WithHeartbeat(heartbeat))
	}
	return p
}

func (p *Pool) Size() int { return len(p.workers) }

// Run starts every worker and blocks until ctx is canceled and all of them
// have returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	if m, ok := p.queue.(Maintainer); ok {
		g.Go(func() error {
			p.maintain(ctx, m)
			return nil
		})
	}
	p.logger.Info("worker pool started", logging.Field{Key: "workers", Value: len(p.workers)})
	return g.Wait()
}

func (p *Pool) maintain(ctx context.Context, m Maintainer) {
	tick := time.NewTicker(p.interval)
	defer tick.Stop()
	for {
		p.maintainOnce(ctx, m)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (p *Pool) maintainOnce(ctx context.Context, m Maintainer) {
	if p.staleAfter > 0 {
		if _, err := m.Requeue(ctx, p.staleAfter); err != nil && ctx.Err() == nil {
			p.logger.Warn("requeue stale jobs failed", logging.Field{Key: "error", Value: err})
		}
	}
	depth, err := m.Depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("queue depth failed", logging.Field{Key: "error", Value: err})
		}
		return
	}
	p.metrics.SetQueueDepth(depth)
}
