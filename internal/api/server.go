package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/credentials"
	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/queue"
	"ai-review-orchestrator/internal/ratelimit"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/telemetry"
	"ai-review-orchestrator/internal/worker"
)

type CredentialResolver interface {
	Resolve(ctx context.Context, projectID string) (credentials.Credentials, error)
}

// Deps wires a Server. Limiter may be nil to disable rate limiting.
type Deps struct {
	Config   config.Config
	Repo     store.TaskRepository
	Queue    *queue.Queue
	QA       *worker.QAService
	Broker   *broker.Broker
	Registry *cancellation.Registry
	Resolver CredentialResolver
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger
}

// Server wires HTTP handlers for task submission, control and streaming.
type Server struct {
	cfg      config.Config
	repo     store.TaskRepository
	queue    *queue.Queue
	qa       *worker.QAService
	broker   *broker.Broker
	registry *cancellation.Registry
	resolver CredentialResolver
	limiter  ratelimit.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		cfg:      d.Config,
		repo:     d.Repo,
		queue:    d.Queue,
		qa:       d.QA,
		broker:   d.Broker,
		registry: d.Registry,
		resolver: d.Resolver,
		limiter:  d.Limiter,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDelete)
			r.Get("/results", s.handleResults)
			r.Post("/cancel", s.handleCancel)
			r.Post("/retry", s.handleRetry)
			r.Get("/events", s.handleTaskEvents)
		})
	})
	r.Post("/qa", s.handleCreateQA)
	r.Get("/qa/{id}/stream", s.handleQAStream)
	return r
}

type submitRequest struct {
	Type     models.TaskType       `json:"type"`
	Priority *int                  `json:"priority"`
	Payload  json.RawMessage       `json:"payload"`
	Files    []models.FileMetadata `json:"files"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == models.TypeQA {
		http.Error(w, "q&a tasks are created via POST /qa", http.StatusBadRequest)
		return
	}
	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := models.ValidatePriority(priority); err != nil {
		writeError(w, err)
		return
	}
	payload, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	tenant, ok := s.admit(w, r, payload)
	if !ok {
		return
	}

	rec, err := models.NewTaskRecord(models.NewTaskParams{
		Type:      req.Type,
		TenantKey: tenant,
		Priority:  priority,
		Payload:   payload,
		Files:     req.Files,
		Now:       s.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// admit resolves the tenant behind a submission and applies its rate limit.
// On false the response has been written.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, payload models.Payload) (string, bool) {
	creds, err := s.resolver.Resolve(r.Context(), models.ProjectOf(payload))
	if err != nil {
		writeError(w, err)
		return "", false
	}
	tenant := creds.TenantKey()
	if s.limiter != nil {
		allowed, err := s.limiter.AllowTenant(r.Context(), tenant)
		if err != nil {
			s.logger.Error("rate limit check", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return "", false
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return "", false
		}
	}
	return tenant, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type resultsResponse struct {
	Task   models.TaskRecord   `json:"task"`
	Items  []models.ItemResult `json:"items"`
	Result json.RawMessage     `json:"result,omitempty"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.repo.ListItemResults(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.ItemResult{}
	}
	raw, err := s.repo.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := resultsResponse{Task: t, Items: items}
	if len(raw) > 0 {
		resp.Result = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := worker.CancelTask(r.Context(), s.repo, s.registry, s.broker, id)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if outcome == worker.CancelRequested {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]string{"id": id, "status": string(outcome)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.registry.IsCancelling(id) {
		http.Error(w, "task is being cancelled", http.StatusConflict)
		return
	}
	t, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !t.IsTerminal() {
		if _, err := worker.CancelTask(r.Context(), s.repo, s.registry, s.broker, id); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			writeError(w, err)
			return
		}
	}
	if err := s.repo.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("task deleted", "task_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := t.Retry(s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if next.Type.Queued() {
		err = s.queue.Enqueue(r.Context(), next)
	} else {
		err = s.repo.CreateTask(r.Context(), next)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.repo.AppendAudit(r.Context(), next.ID, "retry_of", t.ID)
	writeJSON(w, http.StatusAccepted, next)
}

type createQARequest struct {
	Payload models.QAPayload      `json:"payload"`
	Files   []models.FileMetadata `json:"files"`
}

func (s *Server) handleCreateQA(w http.ResponseWriter, r *http.Request) {
	var req createQARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant, ok := s.admit(w, r, req.Payload)
	if !ok {
		return
	}
	rec, err := s.qa.Create(r.Context(), worker.CreateQAParams{
		TenantKey: tenant,
		Payload:   req.Payload,
		Files:     req.Files,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task":       rec,
		"stream_url": "/qa/" + rec.ID + "/stream",
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, models.ErrInvalidPriority),
		errors.Is(err, models.ErrInvalidTaskType),
		errors.Is(err, queue.ErrNotQueueable),
		errors.Is(err, worker.ErrNotQA):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, credentials.ErrNoCredentials):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
