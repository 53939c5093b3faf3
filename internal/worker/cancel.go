package worker

import (
	"context"
	"fmt"
	"time"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/telemetry"
)

type CancelOutcome string

const (
	// Cancelled means the task never started and is now terminal.
	Cancelled CancelOutcome = "cancelled"
	// CancelRequested means the executor was signalled and will finish the task as cancelled.
	CancelRequested CancelOutcome = "cancel_requested"
)

// CancelTask stops a task wherever it is. Initial-state tasks are cancelled
// in place; running ones are signalled through reg when they run in this
// process, otherwise through the control channel. reg may be nil.
func CancelTask(ctx context.Context, repo store.TaskRepository, reg *cancellation.Registry, b *broker.Broker, id string) (CancelOutcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := repo.GetTask(ctx, id)
		if err != nil {
			return "", err
		}
		switch {
		case t.IsTerminal():
			return "", fmt.Errorf("%w: task %s is already %s", models.ErrInvalidTransition, id, t.Status)
		case t.Status == models.StatusProcessing:
			if reg == nil || !reg.Cancel(id) {
				cancellation.RequestCancel(b, id)
			}
			_ = repo.AppendAudit(ctx, id, "cancel_requested", "")
			return CancelRequested, nil
		}

		next, err := t.Cancel(time.Now().UTC())
		if err != nil {
			return "", err
		}
		ok, err := repo.Transition(ctx, next, t.Status, nil)
		if err != nil {
			return "", err
		}
		if ok {
			telemetry.TaskOutcomes.WithLabelValues(string(t.Type), string(next.Status)).Inc()
			_ = repo.AppendAudit(ctx, id, "cancelled", "cancelled before start")
			b.Broadcast(ChannelFor(t), broker.NewEvent(broker.EventCancelled, map[string]any{
				"task_id": id,
				"status":  string(next.Status),
			}))
			return Cancelled, nil
		}
		// claimed between read and update; go round once more as processing
	}
	return "", fmt.Errorf("task %s changed state during cancel", id)
}
