package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/queue"
)

const maxErrorBackoff = 30 * time.Second

// Processor drives the worker loop: select the next admissible task, claim
// it, and hand it to the executor on a bounded pool of goroutines.
type Processor struct {
	cfg    config.Config
	queue  *queue.Queue
	exec   *Executor
	reaper *Reaper
	logger *slog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor builds a processor. reaper may be nil to disable stale-task recovery.
func NewProcessor(cfg config.Config, q *queue.Queue, exec *Executor, reaper *Reaper, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.WorkerPoolSize
	if size <= 0 {
		size = 1
	}
	return &Processor{
		cfg:    cfg,
		queue:  q,
		exec:   exec,
		reaper: reaper,
		logger: logger,
		sem:    make(chan struct{}, size),
	}
}

// Run loops until ctx is cancelled, then waits for in-flight tasks to settle.
// Tasks still running at shutdown end in their failure state.
func (p *Processor) Run(ctx context.Context) error {
	if p.reaper != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reaper.Run(ctx)
		}()
	}
	defer p.wg.Wait()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.sem <- struct{}{}:
		}

		dispatched, err := p.dispatch(ctx)
		if err != nil {
			<-p.sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.cfg.WorkerPollInterval, maxErrorBackoff, failures)
			p.logger.Error("dequeue failed", "error", err, "attempt", failures, "retry_in", wait)
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if !dispatched {
			<-p.sem
			if _, err := p.queue.Depth(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("queue depth", "error", err)
			}
			sleep(ctx, p.cfg.WorkerPollInterval)
		}
	}
}

// dispatch claims one task and starts it. The caller holds a pool slot; the
// started goroutine releases it.
func (p *Processor) dispatch(ctx context.Context) (bool, error) {
	next, ok, err := p.queue.DequeueNext(ctx)
	if err != nil || !ok {
		return false, err
	}
	claimed, ok, err := p.exec.Claim(ctx, next)
	if err != nil {
		return false, err
	}
	if !ok {
		// lost the race; try again right away
		<-p.sem
		return true, nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.exec.Run(ctx, claimed)
	}()
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
