package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/credentials"
	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/queue"
	"ai-review-orchestrator/internal/ratelimit"
	"ai-review-orchestrator/internal/runner"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/worker"
)

type testEnv struct {
	srv    *httptest.Server
	repo   *store.SQLiteStore
	exec   *worker.Executor
	qa     *worker.QAService
	broker *broker.Broker
}

func fakeRunner(ctx context.Context, rc runner.RunContext) (runner.Result, error) {
	if rc.Type == models.TypeQA {
		rc.Emit(broker.EventAnswerChunk, map[string]any{"text": "Because "})
		rc.Emit(broker.EventAnswerChunk, map[string]any{"text": "of item 3."})
		return runner.Result{Answer: "Because of item 3."}, nil
	}
	rc.Emit(broker.EventProgress, map[string]any{"done": 1, "total": 1})
	return runner.Result{Items: []models.ItemResult{{ChecklistItem: "Security check", Evaluation: "OK"}}}, nil
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	repo, err := store.NewSQLite(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.RunMigrations(ctx))

	b := broker.New()
	t.Cleanup(func() { _ = b.Close() })
	reg := cancellation.NewRegistry(nil)
	q := queue.New(repo, queue.TenantLimit{Default: 2}, 50, nil)
	resolver := credentials.NewResolver(repo, "sk-test")
	exec := worker.NewExecutor(worker.ExecutorDeps{
		Repo:     repo,
		Claimer:  q,
		Broker:   b,
		Registry: reg,
		Resolver: resolver,
	})
	exec.SetDefaultRunner(runner.Func(fakeRunner))
	qa := worker.NewQAService(ctx, repo, exec, nil)
	t.Cleanup(qa.Wait)

	cfg := config.Defaults()
	cfg.SSEHeartbeat = 0
	s := New(Deps{
		Config:   cfg,
		Repo:     repo,
		Queue:    q,
		QA:       qa,
		Broker:   b,
		Registry: reg,
		Resolver: resolver,
		Limiter:  limiter,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, repo: repo, exec: exec, qa: qa, broker: b}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func reviewRequest() map[string]any {
	return map[string]any{
		"type":     "small_review",
		"priority": 7,
		"payload": map[string]any{
			"project_id":       "p1",
			"review_target_id": "rt-1",
			"checklist":        []map[string]any{{"content": "Security check"}},
		},
	}
}

func (e *testEnv) submit(t *testing.T) models.TaskRecord {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/tasks", reviewRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[models.TaskRecord](t, resp)
}

func nextEvent(t *testing.T, sc *bufio.Scanner) broker.Event {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev broker.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		return ev
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return broker.Event{}
}

func readUntilTerminal(t *testing.T, sc *bufio.Scanner) []broker.Event {
	t.Helper()
	var out []broker.Event
	for {
		ev := nextEvent(t, sc)
		out = append(out, ev)
		if broker.IsTerminal(ev.Type) {
			return out
		}
	}
}

func eventTypes(events []broker.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndGetTask(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.submit(t)
	assert.Equal(t, models.StatusQueued, created.Status)
	assert.Equal(t, 7, created.Priority)
	assert.Equal(t, credentials.TenantKey("sk-test"), created.TenantKey)

	resp := env.do(t, http.MethodGet, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.TaskRecord](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "rt-1", got.Payload.(models.SmallReviewPayload).ReviewTargetID)

	resp = env.do(t, http.MethodGet, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	bad := reviewRequest()
	bad["type"] = "translate"
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/tasks", bad).StatusCode)

	qa := reviewRequest()
	qa["type"] = "qa"
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/tasks", qa).StatusCode)

	empty := reviewRequest()
	empty["payload"] = map[string]any{"review_target_id": "rt-1"}
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/tasks", empty).StatusCode)

	for _, p := range []int{11, 0, -1} {
		prio := reviewRequest()
		prio["priority"] = p
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/tasks", prio).StatusCode, "priority %d", p)
	}
}

func TestSubmitWithoutPriorityUsesDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	req := reviewRequest()
	delete(req, "priority")
	resp := env.do(t, http.MethodPost, "/tasks", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[models.TaskRecord](t, resp)
	assert.Equal(t, models.DefaultPriority, created.Priority)
}

func TestSubmitIsRateLimitedPerTenant(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	env := newTestEnv(t, ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute))
	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/tasks", reviewRequest()).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/tasks", reviewRequest()).StatusCode)
}

func TestCancelQueuedTask(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.submit(t)

	resp := env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decode[map[string]string](t, resp)["status"])

	got, err := env.repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	resp = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "terminal tasks cannot be cancelled again")
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.submit(t)

	resp := env.do(t, http.MethodDelete, "/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/tasks/"+task.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/tasks/"+task.ID, nil).StatusCode)
}

func TestRetryCarriesPayloadForward(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.submit(t)

	resp := env.do(t, http.MethodPost, "/tasks/"+task.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only terminal tasks can be retried")

	env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	resp = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	retried := decode[models.TaskRecord](t, resp)
	assert.NotEqual(t, task.ID, retried.ID)
	assert.Equal(t, models.StatusQueued, retried.Status)
	assert.Equal(t, task.Priority, retried.Priority)
	assert.Equal(t, task.Payload, retried.Payload)
}

func TestTaskEventsStreamAndResults(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.submit(t)

	resp, err := http.Get(env.srv.URL + "/tasks/" + task.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sc := bufio.NewScanner(resp.Body)
	require.Equal(t, broker.EventConnected, nextEvent(t, sc).Type)

	go env.exec.Execute(context.Background(), task)

	events := readUntilTerminal(t, sc)
	assert.Equal(t, []string{
		broker.EventWorkflowStart,
		broker.EventProgress,
		broker.EventItemResult,
		broker.EventComplete,
	}, eventTypes(events))

	res := env.do(t, http.MethodGet, "/tasks/"+task.ID+"/results", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[resultsResponse](t, res)
	assert.Equal(t, models.StatusCompleted, body.Task.Status)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "OK", body.Items[0].Evaluation)
	assert.JSONEq(t, `{"summary":{"total":1,"succeeded":1,"failed":0}}`, string(body.Result))
}

func TestQAStreamStartsWorkflowAfterSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/qa", map[string]any{
		"payload": map[string]any{"review_target_id": "rt-1", "question": "Why was item 3 rejected?"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		Task      models.TaskRecord `json:"task"`
		StreamURL string            `json:"stream_url"`
	}](t, resp)
	assert.Equal(t, models.StatusPending, created.Task.Status)

	stream, err := http.Get(env.srv.URL + created.StreamURL)
	require.NoError(t, err)
	defer stream.Body.Close()
	events := readUntilTerminal(t, bufio.NewScanner(stream.Body))
	assert.Equal(t, []string{
		broker.EventConnected,
		broker.EventWorkflowStart,
		broker.EventAnswerChunk,
		broker.EventAnswerChunk,
		broker.EventComplete,
	}, eventTypes(events))
	assert.Equal(t, "Because of item 3.", events[len(events)-1].Data["answer"])

	env.qa.Wait()
	got, err := env.repo.GetTask(context.Background(), created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	// a late subscriber gets the stored outcome instead of a second run
	again, err := http.Get(env.srv.URL + created.StreamURL)
	require.NoError(t, err)
	defer again.Body.Close()
	replay := readUntilTerminal(t, bufio.NewScanner(again.Body))
	assert.Equal(t, []string{broker.EventConnected, broker.EventComplete}, eventTypes(replay))
	assert.Equal(t, "Because of item 3.", replay[1].Data["answer"])
}

func TestQAStreamRejectsReviewTask(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.submit(t)
	resp := env.do(t, http.MethodGet, "/qa/"+task.ID+"/stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
