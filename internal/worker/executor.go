package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ai-review-orchestrator/internal/aggregation"
	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/credentials"
	"ai-review-orchestrator/internal/documents"
	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/runner"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/telemetry"
)

const shutdownMessage = "interrupted by worker shutdown"

// Claimer performs the atomic initial-state to processing transition.
type Claimer interface {
	StartProcessing(ctx context.Context, t models.TaskRecord) (models.TaskRecord, bool, error)
}

type CredentialResolver interface {
	Resolve(ctx context.Context, projectID string) (credentials.Credentials, error)
}

type FilePreparer interface {
	Prepare(ctx context.Context, files []models.FileMetadata) ([]documents.PreparedFile, error)
}

// ExecutorDeps wires an Executor. Preparer may be nil when tasks carry no files.
type ExecutorDeps struct {
	Repo      store.TaskRepository
	Claimer   Claimer
	Broker    *broker.Broker
	Registry  *cancellation.Registry
	Resolver  CredentialResolver
	Preparer  FilePreparer
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Executor turns one claimed task into a terminal one plus a trail of events.
type Executor struct {
	repo      store.TaskRepository
	claimer   Claimer
	broker    *broker.Broker
	registry  *cancellation.Registry
	resolver  CredentialResolver
	preparer  FilePreparer
	heartbeat time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.RWMutex
	runners       map[models.TaskType]runner.Runner
	defaultRunner runner.Runner

	claimMu sync.Mutex
	claimed map[string]*runHandle
}

// runHandle is the cancel handle of one run. It exists from the claim on, so
// a cancel landing before Run starts is remembered and applied by Run.
type runHandle struct {
	mu        sync.Mutex
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (h *runHandle) stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *runHandle) attach(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.cancelled.Load() {
		cancel()
	}
}

func NewExecutor(d ExecutorDeps) *Executor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Registry == nil {
		d.Registry = cancellation.NewRegistry(d.Logger)
	}
	return &Executor{
		repo:      d.Repo,
		claimer:   d.Claimer,
		broker:    d.Broker,
		registry:  d.Registry,
		resolver:  d.Resolver,
		preparer:  d.Preparer,
		heartbeat: d.Heartbeat,
		logger:    d.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		runners:   make(map[models.TaskType]runner.Runner),
		claimed:   make(map[string]*runHandle),
	}
}

// RegisterRunner binds a runner to a task type.
func (e *Executor) RegisterRunner(t models.TaskType, r runner.Runner) {
	if t == "" || r == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[t] = r
}

// SetDefaultRunner handles task types without a dedicated runner.
func (e *Executor) SetDefaultRunner(r runner.Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultRunner = r
}

func (e *Executor) runnerFor(t models.TaskType) (runner.Runner, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.runners[t]; ok {
		return r, nil
	}
	if e.defaultRunner != nil {
		return e.defaultRunner, nil
	}
	return nil, fmt.Errorf("no runner registered for type %q", t)
}

// ChannelFor names the progress channel of a task.
func ChannelFor(t models.TaskRecord) string {
	if t.Type == models.TypeQA {
		return broker.QAChannel(t.ID)
	}
	return broker.TaskChannel(t.ID)
}

// Claim moves t into processing. False means another executor won or the
// task left its initial state; callers drop the task silently. The cancel
// handle is registered before the transition, so the task is never
// processing here without one. A successful claim must be followed by Run.
func (e *Executor) Claim(ctx context.Context, t models.TaskRecord) (models.TaskRecord, bool, error) {
	h := &runHandle{}
	if !e.registry.TryRegister(t.ID, h.stop) {
		// already claimed and running in this process
		return t, false, nil
	}
	claimed, ok, err := e.claimer.StartProcessing(ctx, t)
	if err != nil || !ok {
		e.registry.Deregister(t.ID)
		return claimed, ok, err
	}
	e.claimMu.Lock()
	e.claimed[t.ID] = h
	e.claimMu.Unlock()
	return claimed, true, nil
}

// handleFor adopts the handle registered by Claim, or registers a new one
// for tasks claimed elsewhere.
func (e *Executor) handleFor(id string) *runHandle {
	e.claimMu.Lock()
	h, ok := e.claimed[id]
	delete(e.claimed, id)
	e.claimMu.Unlock()
	if !ok {
		h = &runHandle{}
		e.registry.Register(id, h.stop)
	}
	return h
}

// Execute claims t and runs it to a terminal state on the calling goroutine.
func (e *Executor) Execute(ctx context.Context, t models.TaskRecord) {
	claimed, ok, err := e.Claim(ctx, t)
	if err != nil {
		e.logger.Error("claim failed", "task_id", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	e.Run(ctx, claimed)
}

// Run executes a task already in processing. It never panics and never
// returns an error: every outcome is persisted and broadcast instead.
func (e *Executor) Run(ctx context.Context, t models.TaskRecord) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	channel := ChannelFor(t)
	logger := e.logger.With("task_id", t.ID, "task_type", t.Type)

	h := e.handleFor(t.ID)
	defer e.registry.Deregister(t.ID)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.attach(cancel)

	stopHeartbeat := e.startHeartbeat(taskCtx, t.ID, logger)
	defer stopHeartbeat()

	var (
		result runner.Result
		runErr error
	)
	if !h.cancelled.Load() {
		started := time.Now()
		result, runErr = e.invoke(taskCtx, t, channel)
		telemetry.RunnerDuration.WithLabelValues(string(t.Type)).Observe(time.Since(started).Seconds())
	}

	// persistence must survive the cancellation that may have ended the run
	final := context.WithoutCancel(ctx)
	switch {
	case h.cancelled.Load():
		e.finishCancelled(final, t, channel, logger)
	case runErr != nil && ctx.Err() != nil:
		e.finishFailed(final, t, channel, shutdownMessage, logger)
	case runErr != nil:
		e.finishFailed(final, t, channel, runErr.Error(), logger)
	default:
		e.finishCompleted(final, t, channel, result, logger)
	}
}

func (e *Executor) invoke(ctx context.Context, t models.TaskRecord, channel string) (res runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()

	r, err := e.runnerFor(t.Type)
	if err != nil {
		return runner.Result{}, err
	}
	var files []documents.PreparedFile
	if e.preparer != nil && len(t.Files) > 0 {
		files, err = e.preparer.Prepare(ctx, t.Files)
		if err != nil {
			return runner.Result{}, err
		}
		e.recordPrepared(ctx, t.ID, files)
	}
	var creds credentials.Credentials
	if e.resolver != nil {
		creds, err = e.resolver.Resolve(ctx, models.ProjectOf(t.Payload))
		if err != nil {
			return runner.Result{}, err
		}
	}

	rc := runner.RunContext{
		TaskID:      t.ID,
		Type:        t.Type,
		Payload:     t.Payload,
		Files:       files,
		Credentials: creds,
		Broker:      e.broker,
		Channel:     channel,
	}
	rc.Emit(broker.EventWorkflowStart, map[string]any{"task_id": t.ID, "task_type": string(t.Type)})
	return r.Run(ctx, rc)
}

// recordPrepared persists the file metadata as prepared, so converted image
// counts outlive the run.
func (e *Executor) recordPrepared(ctx context.Context, id string, files []documents.PreparedFile) {
	metas := make([]models.FileMetadata, len(files))
	for i, f := range files {
		metas[i] = f.Meta
	}
	if err := e.repo.UpdateFileMetadata(ctx, id, metas); err != nil {
		e.logger.Warn("record prepared files", "task_id", id, "error", err)
	}
}

func (e *Executor) startHeartbeat(ctx context.Context, id string, logger *slog.Logger) func() {
	if e.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.repo.Heartbeat(ctx, id, e.now()); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// taskResult is the JSON document stored with a finished task.
type taskResult struct {
	Summary   *aggregation.Summary `json:"summary,omitempty"`
	Checklist []string             `json:"checklist,omitempty"`
	Answer    string               `json:"answer,omitempty"`
}

func (e *Executor) finishCompleted(ctx context.Context, t models.TaskRecord, channel string, res runner.Result, logger *slog.Logger) {
	items := res.Items
	if len(res.Chunks) > 0 {
		items = append(items, aggregation.Aggregate(res.Chunks, evaluationLabels(t.Payload))...)
	}
	if len(items) > 0 {
		if err := e.repo.SaveItemResults(ctx, t.ID, items); err != nil {
			e.finishFailed(ctx, t, channel, fmt.Sprintf("save item results: %v", err), logger)
			return
		}
	}

	doc := taskResult{Checklist: res.Checklist, Answer: res.Answer}
	if len(items) > 0 {
		s := aggregation.Summarize(items)
		doc.Summary = &s
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		e.finishFailed(ctx, t, channel, fmt.Sprintf("marshal result: %v", err), logger)
		return
	}

	next, err := t.Complete(e.now())
	if err != nil {
		logger.Error("complete transition rejected", "error", err)
		return
	}
	ok, err := e.repo.Transition(ctx, next, t.Status, raw)
	if err != nil {
		e.finishFailed(ctx, t, channel, fmt.Sprintf("persist completion: %v", err), logger)
		return
	}
	if !ok {
		logger.Warn("task left processing before completion was recorded")
		return
	}
	telemetry.TaskOutcomes.WithLabelValues(string(t.Type), string(next.Status)).Inc()
	e.audit(ctx, t.ID, "completed", fmt.Sprintf("items=%d", len(items)), logger)

	for _, it := range items {
		e.publish(channel, broker.EventItemResult, map[string]any{
			"task_id":        t.ID,
			"checklist_item": it.ChecklistItem,
			"evaluation":     it.Evaluation,
			"comment":        it.Comment,
			"error":          it.ErrorMessage,
			"chunks":         len(it.Constituents),
		})
	}
	data := map[string]any{"task_id": t.ID, "status": string(next.Status)}
	if doc.Summary != nil {
		data["summary"] = doc.Summary
	}
	if doc.Answer != "" {
		data["answer"] = doc.Answer
	}
	if len(doc.Checklist) > 0 {
		data["checklist"] = doc.Checklist
	}
	e.publish(channel, broker.EventComplete, data)
	logger.Info("task completed", "items", len(items))
}

func (e *Executor) finishFailed(ctx context.Context, t models.TaskRecord, channel, msg string, logger *slog.Logger) {
	next, err := t.Fail(e.now(), msg)
	if err != nil {
		logger.Error("fail transition rejected", "error", err)
		return
	}
	ok, err := e.repo.Transition(ctx, next, t.Status, nil)
	switch {
	case err != nil:
		logger.Error("persist failure", "error", err, "cause", msg)
	case !ok:
		logger.Warn("task left processing before failure was recorded", "cause", msg)
		return
	default:
		telemetry.TaskOutcomes.WithLabelValues(string(t.Type), string(next.Status)).Inc()
		e.audit(ctx, t.ID, "failed", msg, logger)
	}
	e.publish(channel, broker.EventError, map[string]any{"task_id": t.ID, "status": string(next.Status), "message": msg})
	logger.Warn("task failed", "error", msg)
}

func (e *Executor) finishCancelled(ctx context.Context, t models.TaskRecord, channel string, logger *slog.Logger) {
	next, err := t.Cancel(e.now())
	if err != nil {
		logger.Error("cancel transition rejected", "error", err)
		return
	}
	ok, err := e.repo.Transition(ctx, next, t.Status, nil)
	switch {
	case err != nil:
		logger.Error("persist cancellation", "error", err)
	case !ok:
		logger.Warn("task left processing before cancellation was recorded")
		return
	default:
		telemetry.TaskOutcomes.WithLabelValues(string(t.Type), string(next.Status)).Inc()
		e.audit(ctx, t.ID, "cancelled", "", logger)
	}
	e.publish(channel, broker.EventCancelled, map[string]any{"task_id": t.ID, "status": string(next.Status)})
	logger.Info("task cancelled")
}

func (e *Executor) publish(channel, eventType string, data map[string]any) {
	if e.broker == nil {
		return
	}
	e.broker.Broadcast(channel, broker.NewEvent(eventType, data))
}

func (e *Executor) audit(ctx context.Context, id, event, detail string, logger *slog.Logger) {
	if err := e.repo.AppendAudit(ctx, id, event, detail); err != nil {
		logger.Warn("append audit", "event", event, "error", err)
	}
}

func evaluationLabels(p models.Payload) []string {
	switch v := p.(type) {
	case models.LargeReviewPayload:
		return v.Settings.EvaluationLabels
	case models.SmallReviewPayload:
		return v.Settings.EvaluationLabels
	}
	return nil
}
