package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/telemetry"
)

var ErrNotQueueable = errors.New("task cannot be enqueued")

// Queue is the admission policy over persisted tasks. It holds no state of
// its own; the repository is the queue.
type Queue struct {
	repo      store.TaskRepository
	limit     TenantLimit
	scanLimit int
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Queue. scanLimit bounds how many queued rows are read per
// selection round; it grows when every row read belongs to a capped tenant.
func New(repo store.TaskRepository, limit TenantLimit, scanLimit int, logger *slog.Logger) *Queue {
	if scanLimit <= 0 {
		scanLimit = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		repo:      repo,
		limit:     limit,
		scanLimit: scanLimit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists a freshly created task in its initial state.
func (q *Queue) Enqueue(ctx context.Context, t models.TaskRecord) error {
	if !t.Type.Queued() {
		return fmt.Errorf("%w: %s tasks are started by their subscriber", ErrNotQueueable, t.Type)
	}
	if t.Status != t.Lifecycle().Initial {
		return fmt.Errorf("%w: task %s is %s", ErrNotQueueable, t.ID, t.Status)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := q.repo.CreateTask(ctx, t); err != nil {
		return err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(t.Type)).Inc()
	_ = q.repo.AppendAudit(ctx, t.ID, "enqueued", fmt.Sprintf("type=%s priority=%d", t.Type, t.Priority))
	return nil
}

// DequeueNext returns the task that should run next without changing its
// status. The boolean is false when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context) (models.TaskRecord, bool, error) {
	processing, err := q.repo.CountProcessingByTenant(ctx)
	if err != nil {
		return models.TaskRecord{}, false, err
	}
	limit := q.scanLimit
	for {
		queued, err := q.repo.ListQueued(ctx, limit)
		if err != nil {
			return models.TaskRecord{}, false, err
		}
		if next, ok := SelectNext(queued, processing, q.limit); ok {
			return next, true, nil
		}
		if len(queued) < limit {
			return models.TaskRecord{}, false, nil
		}
		limit *= 2
	}
}

// StartProcessing claims t with a single conditional update that also
// re-checks the tenant cap, so dispatchers in separate processes cannot push
// a tenant past it. A false result means another executor claimed it first,
// it was cancelled meanwhile, or its tenant filled up.
func (q *Queue) StartProcessing(ctx context.Context, t models.TaskRecord) (models.TaskRecord, bool, error) {
	next, err := t.StartProcessing(q.now())
	if err != nil {
		return t, false, err
	}
	tenantCap := 0
	if t.Type.Queued() {
		// q&a tasks are started by their subscriber and bypass admission
		tenantCap = q.limit.For(t.TenantKey)
	}
	ok, err := q.repo.ClaimTask(ctx, next, t.Status, tenantCap)
	if err != nil {
		return t, false, err
	}
	if !ok {
		telemetry.ClaimConflicts.Inc()
		q.logger.Debug("claim lost", "task_id", t.ID)
		return t, false, nil
	}
	telemetry.ClaimCounter.Inc()
	_ = q.repo.AppendAudit(ctx, t.ID, "claimed", "")
	return next, true, nil
}

// Depth counts tasks waiting in the initial queued state.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	depth := counts[models.StatusQueued]
	telemetry.QueueDepthGauge.Set(float64(depth))
	return depth, nil
}
