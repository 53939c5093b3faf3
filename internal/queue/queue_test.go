package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/store"
)

func newTestQueue(t *testing.T, limit TenantLimit) (*Queue, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	repo, err := store.NewSQLite(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.RunMigrations(ctx))
	return New(repo, limit, 2, nil), repo
}

func newReview(t *testing.T, tenant string, priority int, created time.Time) models.TaskRecord {
	t.Helper()
	rec, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      models.TypeSmallReview,
		TenantKey: tenant,
		Priority:  priority,
		Payload: models.SmallReviewPayload{
			ReviewTargetID: "rt",
			Checklist:      []models.ChecklistSnapshot{{Content: "item"}},
		},
		Now: created,
	})
	require.NoError(t, err)
	return rec
}

func TestQueue_TenantCapBlocksUntilInFlightCompletes(t *testing.T) {
	q, repo := newTestQueue(t, TenantLimit{Default: 1})
	ctx := context.Background()
	now := time.Now().UTC()

	first := newReview(t, "tenant-a", 5, now.Add(-time.Minute))
	require.NoError(t, q.Enqueue(ctx, first))
	claimed, ok, err := q.StartProcessing(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusProcessing, claimed.Status)

	second := newReview(t, "tenant-a", 5, now)
	require.NoError(t, q.Enqueue(ctx, second))

	_, ok, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "tenant at its cap must not be admitted")

	done, err := claimed.Complete(time.Now().UTC())
	require.NoError(t, err)
	ok, err = repo.Transition(ctx, done, models.StatusProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	next, ok, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, next.ID)
	assert.Equal(t, models.StatusQueued, next.Status, "dequeue does not change status")
}

func TestQueue_ScanGrowsPastCappedTenants(t *testing.T) {
	q, _ := newTestQueue(t, TenantLimit{Default: 1})
	ctx := context.Background()
	now := time.Now().UTC()

	running := newReview(t, "busy", 10, now.Add(-time.Hour))
	require.NoError(t, q.Enqueue(ctx, running))
	_, ok, err := q.StartProcessing(ctx, running)
	require.NoError(t, err)
	require.True(t, ok)

	// scan limit is 2; the first two rows belong to the capped tenant
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newReview(t, "busy", 9, now.Add(time.Duration(i)*time.Second))))
	}
	idle := newReview(t, "idle", 1, now)
	require.NoError(t, q.Enqueue(ctx, idle))

	next, ok, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idle.ID, next.ID)
}

func TestQueue_StartProcessingLosesRace(t *testing.T) {
	q, _ := newTestQueue(t, TenantLimit{Default: 5})
	ctx := context.Background()
	rec := newReview(t, "a", 5, time.Now().UTC())
	require.NoError(t, q.Enqueue(ctx, rec))

	_, ok, err := q.StartProcessing(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.StartProcessing(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_EnqueueRejects(t *testing.T) {
	q, _ := newTestQueue(t, TenantLimit{Default: 1})
	ctx := context.Background()

	qa, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      models.TypeQA,
		TenantKey: "a",
		Payload:   models.QAPayload{ReviewTargetID: "rt", Question: "q"},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, q.Enqueue(ctx, qa), ErrNotQueueable)

	rec := newReview(t, "a", 5, time.Now().UTC())
	started, err := rec.StartProcessing(time.Now().UTC())
	require.NoError(t, err)
	assert.ErrorIs(t, q.Enqueue(ctx, started), ErrNotQueueable)
}

func TestQueue_Depth(t *testing.T) {
	q, _ := newTestQueue(t, TenantLimit{Default: 1})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newReview(t, "a", 5, time.Now().UTC())))
	}
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestQueue_QAClaimIgnoresTenantCap(t *testing.T) {
	q, repo := newTestQueue(t, TenantLimit{Default: 1})
	ctx := context.Background()

	busy := newReview(t, "tenant-a", 5, time.Now().UTC())
	require.NoError(t, q.Enqueue(ctx, busy))
	_, ok, err := q.StartProcessing(ctx, busy)
	require.NoError(t, err)
	require.True(t, ok)

	qa, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      models.TypeQA,
		TenantKey: "tenant-a",
		Payload:   models.QAPayload{ReviewTargetID: "rt", Question: "q"},
	})
	require.NoError(t, err)
	require.NoError(t, repo.CreateTask(ctx, qa))

	claimed, ok, err := q.StartProcessing(ctx, qa)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
}

func TestQueue_TenantCapHoldsAcrossDispatchers(t *testing.T) {
	q1, repo := newTestQueue(t, TenantLimit{Default: 1})
	q2 := New(repo, TenantLimit{Default: 1}, 2, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	a := newReview(t, "tenant-a", 5, now.Add(-time.Second))
	b := newReview(t, "tenant-a", 5, now)
	require.NoError(t, q1.Enqueue(ctx, a))
	require.NoError(t, q1.Enqueue(ctx, b))

	// both dispatchers select while the tenant is idle
	first, ok, err := q1.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = q2.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q1.StartProcessing(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q2.StartProcessing(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok, "claim must re-check the tenant cap")

	counts, err := repo.CountProcessingByTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["tenant-a"])
	got, err := repo.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}
