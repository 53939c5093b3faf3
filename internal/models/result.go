package models

import "time"

// ChunkResult is one runner verdict for one checklist item against one
// document chunk. Large-document reviews yield several per item.
type ChunkResult struct {
	ChecklistItem string `json:"checklist_item"`
	Evaluation    string `json:"evaluation,omitempty"`
	Comment       string `json:"comment,omitempty"`
	SourceFile    string `json:"source_file,omitempty"`
	ChunkIndex    int    `json:"chunk_index"`
	Error         string `json:"error,omitempty"`
}

// Failed reports whether the runner could not evaluate this chunk.
func (c ChunkResult) Failed() bool { return c.Error != "" }

// ItemResult is the stored outcome for one checklist item of a review task.
// Either Evaluation or ErrorMessage is set; a task may mix both kinds.
type ItemResult struct {
	ChecklistItem string        `json:"checklist_item"`
	Evaluation    string        `json:"evaluation,omitempty"`
	Comment       string        `json:"comment,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Constituents  []ChunkResult `json:"constituents,omitempty"`
}

// Failed reports whether this item carries a per-item error.
func (r ItemResult) Failed() bool { return r.ErrorMessage != "" }

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
