package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/worker"
)

const streamBuffer = 64

// handleTaskEvents streams progress of a queued review or generation task.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveStream(w, r, t, func(ctx context.Context) (*broker.Event, error) {
		return s.finishedEvent(ctx, id)
	})
}

// handleQAStream subscribes first and only then starts the workflow, so the
// client cannot miss any event of its run.
func (s *Server) handleQAStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Type != models.TypeQA {
		http.Error(w, "not a q&a task", http.StatusBadRequest)
		return
	}
	s.serveStream(w, r, t, func(ctx context.Context) (*broker.Event, error) {
		started, err := s.qa.StartWorkflow(ctx, id)
		if err != nil || started {
			return nil, err
		}
		return s.finishedEvent(ctx, id)
	})
}

// finishedEvent rebuilds the terminal event of a task that ended before the
// subscriber attached. It returns nil while the task is still live.
func (s *Server) finishedEvent(ctx context.Context, id string) (*broker.Event, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsTerminal() {
		return nil, nil
	}
	data := map[string]any{"task_id": t.ID, "status": string(t.Status)}
	var ev broker.Event
	switch {
	case t.Status == models.StatusCancelled:
		ev = broker.NewEvent(broker.EventCancelled, data)
	case t.IsFailure():
		if t.ErrorMessage != nil {
			data["message"] = *t.ErrorMessage
		}
		ev = broker.NewEvent(broker.EventError, data)
	default:
		raw, err := s.repo.GetResult(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err == nil {
				for k, v := range doc {
					data[k] = v
				}
			}
		}
		ev = broker.NewEvent(broker.EventComplete, data)
	}
	return &ev, nil
}

// serveStream writes events of t's channel as server-sent events until a
// terminal event is sent or the client goes away. Leaving only unsubscribes;
// the task itself keeps running.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, t models.TaskRecord, afterSubscribe func(context.Context) (*broker.Event, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	channel := worker.ChannelFor(t)

	events := make(chan broker.Event, streamBuffer)
	done := make(chan struct{})
	sub := s.broker.Subscribe(channel, func(ev broker.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	defer s.broker.Unsubscribe(sub)
	defer close(done)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev broker.Event) bool {
		if err := writeEvent(w, ev); err != nil {
			s.logger.Debug("sse write failed", "channel", channel, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(broker.NewEvent(broker.EventConnected, map[string]any{"task_id": t.ID})) {
		return
	}
	final, err := afterSubscribe(ctx)
	if err != nil {
		s.logger.Error("start stream", "task_id", t.ID, "error", err)
		send(broker.NewEvent(broker.EventError, map[string]any{"task_id": t.ID, "message": err.Error()}))
		return
	}
	if final != nil {
		send(*final)
		return
	}

	var tick <-chan time.Time
	if s.cfg.SSEHeartbeat > 0 {
		ticker := time.NewTicker(s.cfg.SSEHeartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if !send(ev) || broker.IsTerminal(ev.Type) {
				return
			}
		case <-tick:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev broker.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
