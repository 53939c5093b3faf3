// Package httprunner drives a workflow service over HTTP. The service answers
// POST /v1/run with newline-delimited JSON frames: any number of
// {"event": {...}} progress frames followed by one {"result": {...}} or
// {"error": "..."} frame.
package httprunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/documents"
	"ai-review-orchestrator/internal/models"
	"ai-review-orchestrator/internal/runner"
)

const maxFrameBytes = 16 * 1024 * 1024

// WorkflowError is a failure reported by the workflow itself, as opposed to
// a transport problem.
type WorkflowError struct {
	Message string
}

func (e *WorkflowError) Error() string { return "workflow failed: " + e.Message }

var ErrNoResult = errors.New("runner stream ended without a result")

type Client struct {
	baseURL string
	http    *http.Client
}

var _ runner.Runner = (*Client)(nil)

// New builds a client. timeout bounds a whole run, including streaming.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type runRequest struct {
	TaskID  string                   `json:"task_id"`
	Type    models.TaskType          `json:"type"`
	Payload models.Payload           `json:"payload"`
	Files   []documents.PreparedFile `json:"files"`
	APIKey  string                   `json:"api_key"`
}

type frame struct {
	Event  *broker.Event  `json:"event,omitempty"`
	Result *runner.Result `json:"result,omitempty"`
	Error  *string        `json:"error,omitempty"`
}

func (c *Client) Run(ctx context.Context, rc runner.RunContext) (runner.Result, error) {
	body, err := json.Marshal(runRequest{
		TaskID:  rc.TaskID,
		Type:    rc.Type,
		Payload: rc.Payload,
		Files:   rc.Files,
		APIKey:  rc.Credentials.APIKey,
	})
	if err != nil {
		return runner.Result{}, fmt.Errorf("marshal run request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return runner.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return runner.Result{}, fmt.Errorf("call runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return runner.Result{}, fmt.Errorf("runner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return c.consume(resp.Body, rc)
}

func (c *Client) consume(r io.Reader, rc runner.RunContext) (runner.Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return runner.Result{}, fmt.Errorf("decode runner frame: %w", err)
		}
		switch {
		case f.Error != nil:
			return runner.Result{}, &WorkflowError{Message: *f.Error}
		case f.Result != nil:
			return *f.Result, nil
		case f.Event != nil && f.Event.Type != "":
			rc.Emit(f.Event.Type, f.Event.Data)
		}
	}
	if err := sc.Err(); err != nil {
		return runner.Result{}, fmt.Errorf("read runner stream: %w", err)
	}
	return runner.Result{}, ErrNoResult
}
