package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-review-orchestrator/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLite(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func reviewTask(t *testing.T, tenant string, priority int, created time.Time) models.TaskRecord {
	t.Helper()
	rec, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      models.TypeSmallReview,
		TenantKey: tenant,
		Priority:  priority,
		Payload: models.SmallReviewPayload{
			ProjectID:      "p1",
			ReviewTargetID: "rt1",
			Checklist:      []models.ChecklistSnapshot{{Content: "Security check"}},
		},
		Files: []models.FileMetadata{{FileName: "spec.pdf", StoragePath: "p1/spec.pdf", ProcessMode: models.ProcessText}},
		Now:   created,
	})
	require.NoError(t, err)
	return rec
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := reviewTask(t, "tenant-a", 7, time.Now().UTC())
	require.NoError(t, s.CreateTask(ctx, rec))

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 7, got.Priority)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, rec.Payload, got.Payload)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "spec.pdf", got.Files[0].FileName)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListQueuedOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	low := reviewTask(t, "a", 3, base)
	highOld := reviewTask(t, "a", 8, base.Add(time.Second))
	highNew := reviewTask(t, "b", 8, base.Add(2*time.Second))
	for _, rec := range []models.TaskRecord{highNew, low, highOld} {
		require.NoError(t, s.CreateTask(ctx, rec))
	}
	qa, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      models.TypeQA,
		TenantKey: "a",
		Payload:   models.QAPayload{ReviewTargetID: "rt1", Question: "why?"},
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, qa))

	queued, err := s.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 3, "qa tasks never appear in the queue")
	assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, []string{queued[0].ID, queued[1].ID, queued[2].ID})
}

func TestSQLiteStore_TransitionIsAtomicClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := reviewTask(t, "a", 5, time.Now().UTC())
	require.NoError(t, s.CreateTask(ctx, rec))

	started, err := rec.StartProcessing(time.Now().UTC())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Transition(ctx, started, models.StatusQueued, nil)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []bool{true, false}, results)

	counts, err := s.CountProcessingByTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["a"])
}

func TestSQLiteStore_FinishPersistsResultAndError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := reviewTask(t, "a", 5, time.Now().UTC())
	require.NoError(t, s.CreateTask(ctx, rec))

	started, err := rec.StartProcessing(time.Now().UTC())
	require.NoError(t, err)
	ok, err := s.Transition(ctx, started, models.StatusQueued, nil)
	require.NoError(t, err)
	require.True(t, ok)

	failed, err := started.Fail(time.Now().UTC(), "runner exploded")
	require.NoError(t, err)
	ok, err = s.Transition(ctx, failed, models.StatusProcessing, []byte(`{"partial":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "runner exploded", *got.ErrorMessage)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	result, err := s.GetResult(ctx, rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"partial":true}`, string(result))

	// terminal rows cannot be moved again
	ok, err = s.Transition(ctx, failed, models.StatusProcessing, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_ItemResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := reviewTask(t, "a", 5, time.Now().UTC())
	require.NoError(t, s.CreateTask(ctx, rec))

	items := []models.ItemResult{
		{ChecklistItem: "Security check", Evaluation: "NG", Comment: "[a.pdf] weak", Constituents: []models.ChunkResult{
			{ChecklistItem: "Security check", Evaluation: "NG", Comment: "weak", SourceFile: "a.pdf"},
		}},
		{ChecklistItem: "Naming", ErrorMessage: "model timeout"},
	}
	require.NoError(t, s.SaveItemResults(ctx, rec.ID, items))
	// saving again replaces rather than appends
	require.NoError(t, s.SaveItemResults(ctx, rec.ID, items))

	got, err := s.ListItemResults(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, items, got)

	require.NoError(t, s.DeleteTask(ctx, rec.ID))
	got, err = s.ListItemResults(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.ErrorIs(t, s.DeleteTask(ctx, rec.ID), ErrNotFound)
}

func TestSQLiteStore_HeartbeatAndStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-10 * time.Minute)

	stale := reviewTask(t, "a", 5, old)
	fresh := reviewTask(t, "a", 5, old)
	for _, rec := range []models.TaskRecord{stale, fresh} {
		require.NoError(t, s.CreateTask(ctx, rec))
		started, err := rec.StartProcessing(old)
		require.NoError(t, err)
		ok, err := s.Transition(ctx, started, models.StatusQueued, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Heartbeat(ctx, fresh.ID, time.Now().UTC()))

	got, err := s.ListStale(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestSQLiteStore_AuditAndProviderKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, "t1", "enqueued", "priority=5"))
	require.NoError(t, s.AppendAudit(ctx, "t1", "claimed", ""))
	logs, err := s.ListAudit(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "enqueued", logs[0].Event)
	assert.Equal(t, "claimed", logs[1].Event)

	key, err := s.ProviderKey(ctx, "system")
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, s.SetProviderKey(ctx, "system", "k1"))
	require.NoError(t, s.SetProviderKey(ctx, "system", "k2"))
	key, err = s.ProviderKey(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, "k2", key)
}

func TestSQLiteStore_CountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTask(ctx, reviewTask(t, "a", 5, time.Now().UTC())))
	}
	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.StatusQueued])
}
