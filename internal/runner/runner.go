// Package runner defines the contract between the executor and the external
// AI workflow that does the actual review, generation or answering.
package runner

import (
	"context"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/credentials"
	"ai-review-orchestrator/internal/documents"
	"ai-review-orchestrator/internal/models"
)

// RunContext is what a workflow sees of its task.
type RunContext struct {
	TaskID      string
	Type        models.TaskType
	Payload     models.Payload
	Files       []documents.PreparedFile
	Credentials credentials.Credentials
	Broker      *broker.Broker
	Channel     string
}

// Emit publishes a progress event on the task's channel. Events reach
// subscribers in the order Emit is called.
func (rc RunContext) Emit(eventType string, data map[string]any) {
	if rc.Broker == nil {
		return
	}
	rc.Broker.Publish(rc.Channel, broker.NewEvent(eventType, data))
}

// Result is what a successful run hands back. Review runs fill Items or, for
// chunked large documents, Chunks. Generation fills Checklist and Q&A Answer.
type Result struct {
	Items     []models.ItemResult  `json:"items,omitempty"`
	Chunks    []models.ChunkResult `json:"chunks,omitempty"`
	Checklist []string             `json:"checklist,omitempty"`
	Answer    string               `json:"answer,omitempty"`
}

// Runner executes one workflow. It must return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, rc RunContext) (Result, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, rc RunContext) (Result, error)

func (f Func) Run(ctx context.Context, rc RunContext) (Result, error) { return f(ctx, rc) }
