package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/telemetry"
)

const reapBatch = 100

// Reaper fails processing tasks whose executor stopped heartbeating, so a
// crashed worker never leaves a task stuck in processing.
type Reaper struct {
	repo   store.TaskRepository
	broker *broker.Broker
	lease  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewReaper(repo store.TaskRepository, b *broker.Broker, lease time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		repo:   repo,
		broker: b,
		lease:  lease,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run reaps every half lease until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.lease <= 0 {
		return
	}
	ticker := time.NewTicker(r.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reap stale tasks", "error", err)
			}
		}
	}
}

// Reap fails stale tasks once and reports how many it moved.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.repo.ListStale(ctx, now.Add(-r.lease), reapBatch)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, t := range stale {
		msg := fmt.Sprintf("lease expired after %s without heartbeat", r.lease)
		next, err := t.Fail(now, msg)
		if err != nil {
			continue
		}
		ok, err := r.repo.Transition(ctx, next, t.Status, nil)
		if err != nil {
			return reaped, err
		}
		if !ok {
			continue
		}
		reaped++
		telemetry.ReapedCounter.Inc()
		telemetry.TaskOutcomes.WithLabelValues(string(t.Type), string(next.Status)).Inc()
		_ = r.repo.AppendAudit(ctx, t.ID, "reaped", msg)
		if r.broker != nil {
			r.broker.Broadcast(ChannelFor(t), broker.NewEvent(broker.EventError, map[string]any{
				"task_id": t.ID,
				"status":  string(next.Status),
				"message": msg,
			}))
		}
		r.logger.Warn("reaped stale task", "task_id", t.ID, "task_type", t.Type)
	}
	return reaped, nil
}
