package queue

import "ai-review-orchestrator/internal/models"

// TenantLimit caps concurrent processing tasks per tenant key.
type TenantLimit struct {
	Default   int
	Overrides map[string]int
}

// For returns the cap for tenant, never less than one.
func (l TenantLimit) For(tenant string) int {
	if n, ok := l.Overrides[tenant]; ok && n > 0 {
		return n
	}
	if l.Default > 0 {
		return l.Default
	}
	return 1
}

// SelectNext picks the queued task to run next. Tasks whose tenant already
// has its cap of processing tasks are skipped; among the rest the highest
// priority wins, then the oldest, then the smallest id.
func SelectNext(queued []models.TaskRecord, processing map[string]int, limit TenantLimit) (models.TaskRecord, bool) {
	var best models.TaskRecord
	found := false
	for _, t := range queued {
		if t.Status != t.Lifecycle().Initial || !t.Type.Queued() {
			continue
		}
		if processing[t.TenantKey] >= limit.For(t.TenantKey) {
			continue
		}
		if !found || before(t, best) {
			best = t
			found = true
		}
	}
	return best, found
}

func before(a, b models.TaskRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
