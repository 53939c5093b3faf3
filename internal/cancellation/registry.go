package cancellation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ai-review-orchestrator/internal/broker"
)

// CancelFunc cooperatively stops a running workflow.
type CancelFunc func() error

type entry struct {
	cancel     CancelFunc
	cancelling bool
}

// Registry maps in-flight task ids to their cancel handles.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{entries: make(map[string]*entry), logger: logger}
}

// Register replaces any handle previously registered for taskID.
func (r *Registry) Register(taskID string, cancel CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskID] = &entry{cancel: cancel}
}

// TryRegister registers cancel only if taskID has no handle yet and reports
// whether it did.
func (r *Registry) TryRegister(taskID string, cancel CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[taskID]; ok {
		return false
	}
	r.entries[taskID] = &entry{cancel: cancel}
	return true
}

func (r *Registry) Deregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
}

// Cancel invokes the handle registered for taskID and reports whether one
// was found. The cancelling flag is true while the handle runs and is reset
// afterwards whatever the handle does.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.cancelling = true
	cancel := e.cancel
	r.mu.Unlock()

	defer r.SetCancelling(taskID, false)
	if err := invoke(cancel); err != nil {
		r.logger.Warn("cancel handle failed", "task_id", taskID, "error", err)
	}
	return true
}

func invoke(cancel CancelFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cancel handle panicked: %v", rec)
		}
	}()
	if cancel == nil {
		return nil
	}
	return cancel()
}

func (r *Registry) IsCancelling(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	return ok && e.cancelling
}

// SetCancelling updates the flag of a registered task; unknown ids are ignored.
func (r *Registry) SetCancelling(taskID string, cancelling bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[taskID]; ok {
		e.cancelling = cancelling
	}
}

// Active lists registered task ids in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Listen cancels locally registered tasks named by requests on the control
// channel, so a cancel issued in one process reaches the executor in another.
func (r *Registry) Listen(b *broker.Broker) broker.SubscriptionID {
	return b.Subscribe(broker.ControlChannel, func(ev broker.Event) {
		if ev.Type != broker.EventCancelRequest {
			return
		}
		id, _ := ev.Data["task_id"].(string)
		if id == "" {
			return
		}
		if r.Cancel(id) {
			r.logger.Info("cancelled task on request", "task_id", id)
		}
	})
}

// RequestCancel asks whichever process runs taskID to cancel it.
func RequestCancel(b *broker.Broker, taskID string) {
	b.Publish(broker.ControlChannel, broker.NewEvent(broker.EventCancelRequest, map[string]any{"task_id": taskID}))
}
