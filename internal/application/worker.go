package application

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// AttemptExecutor runs one claimed attempt.
type AttemptExecutor interface {
	Execute(ctx context.Context, attempt model.PollingAttempt) error
}

// WorkerConfig sizes and paces the WorkerPool.
type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	// StaleAfter is how long an attempt may stay claimed before it is handed
	// out again. Zero disables stale recovery.
	StaleAfter time.Duration
}

// WorkerPool pumps due attempts from the queue into a bounded set of
// concurrent executions.
type WorkerPool struct {
	queue    driven.AttemptQueue
	executor AttemptExecutor
	cfg      WorkerConfig
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	inFlight atomic.Int64
}

// NewWorkerPool creates a WorkerPool. A nil logger uses slog.Default().
func NewWorkerPool(queue driven.AttemptQueue, executor AttemptExecutor, cfg WorkerConfig, metrics *Metrics, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &WorkerPool{
		queue:    queue,
		executor: executor,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run recovers stale attempts, then claims due attempts every poll interval
// until ctx is canceled. It returns once in-flight attempts have finished.
func (p *WorkerPool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Count)

	// In-flight attempts finish even when the pool is stopping.
	execCtx := context.WithoutCancel(ctx)

	p.requeueStale(ctx)
	p.dispatch(ctx, execCtx, g)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var staleC <-chan time.Time
	if p.cfg.StaleAfter > 0 {
		staleTicker := time.NewTicker(p.cfg.StaleAfter)
		defer staleTicker.Stop()
		staleC = staleTicker.C
	}

	p.logger.Info("worker pool started", "workers", p.cfg.Count, "poll_interval", p.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool stopping", "in_flight", p.inFlight.Load())
			err := g.Wait()
			p.logger.Info("worker pool stopped")
			return err
		case <-ticker.C:
			p.dispatch(ctx, execCtx, g)
		case <-staleC:
			p.requeueStale(ctx)
		}
	}
}

// dispatch claims at most as many attempts as there are idle workers, so a
// claimed attempt never waits in memory for a worker.
func (p *WorkerPool) dispatch(ctx, execCtx context.Context, g *errgroup.Group) {
	idle := p.cfg.Count - int(p.inFlight.Load())
	if idle > 0 {
		attempts, err := p.queue.ClaimDue(ctx, p.now(), idle)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("claim due attempts", "error", err)
			}
			return
		}

		for _, a := range attempts {
			p.inFlight.Add(1)
			g.Go(func() error {
				defer p.inFlight.Add(-1)
				p.execute(execCtx, a)
				return nil
			})
		}
	}

	if n, err := p.queue.Pending(ctx); err == nil {
		p.metrics.setQueueDepth(n)
	}
}

func (p *WorkerPool) execute(ctx context.Context, a model.PollingAttempt) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("attempt execution panicked",
				"enrollment_id", a.EnrollmentID,
				"attempt", a.AttemptNumber,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := p.executor.Execute(ctx, a); err != nil {
		p.logger.Error("attempt execution failed",
			"enrollment_id", a.EnrollmentID,
			"attempt", a.AttemptNumber,
			"error", err,
		)
	}
}

func (p *WorkerPool) requeueStale(ctx context.Context) {
	if p.cfg.StaleAfter <= 0 {
		return
	}

	n, err := p.queue.RequeueStale(ctx, p.now().Add(-p.cfg.StaleAfter))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("requeue stale attempts", "error", err)
		}
		return
	}
	if n > 0 {
		p.logger.Warn("requeued stale attempts", "count", n)
	}
}
