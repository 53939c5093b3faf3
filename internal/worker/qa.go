package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/store"
)

var ErrNotQA = errors.New("task is not a q&a task")

// CreateQAParams describes a question to be answered once a subscriber attaches.
type CreateQAParams struct {
	TenantKey string
	Payload   models.QAPayload
	Files     []models.FileMetadata
}

// QAService creates Q&A records and starts their workflow on demand. The
// workflow is deferred until a subscriber exists so no event can be lost.
type QAService struct {
	base   context.Context
	repo   store.TaskRepository
	exec   *Executor
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewQAService builds the service. base bounds every workflow it starts;
// it is normally the process lifetime, not a request context.
func NewQAService(base context.Context, repo store.TaskRepository, exec *Executor, logger *slog.Logger) *QAService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QAService{base: base, repo: repo, exec: exec, logger: logger}
}

// Create persists a pending Q&A task. Nothing runs yet.
func (s *QAService) Create(ctx context.Context, p CreateQAParams) (models.TaskRecord, error) {
	rec, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      models.TypeQA,
		TenantKey: p.TenantKey,
		Payload:   p.Payload,
		Files:     p.Files,
	})
	if err != nil {
		return models.TaskRecord{}, err
	}
	if err := s.repo.CreateTask(ctx, rec); err != nil {
		return models.TaskRecord{}, err
	}
	_ = s.repo.AppendAudit(ctx, rec.ID, "created", "awaiting subscriber")
	return rec, nil
}

// StartWorkflow claims a pending Q&A task and runs it in the background.
// Only the first caller for a task gets true; repeated or concurrent calls
// report false and start nothing.
func (s *QAService) StartWorkflow(ctx context.Context, id string) (bool, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Type != models.TypeQA {
		return false, fmt.Errorf("%w: %s is %s", ErrNotQA, id, t.Type)
	}
	if t.Status != models.StatusPending {
		return false, nil
	}
	claimed, ok, err := s.exec.Claim(ctx, t)
	if err != nil || !ok {
		return false, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exec.Run(s.base, claimed)
	}()
	s.logger.Info("q&a workflow started", "task_id", id)
	return true, nil
}

// Wait blocks until every started workflow has finished.
func (s *QAService) Wait() { s.wg.Wait() }
