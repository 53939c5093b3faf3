package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TaskType discriminates payload shape and executor behavior.
type TaskType string

const (
	TypeSmallReview         TaskType = "small_review"
	TypeLargeReview         TaskType = "large_review"
	TypeChecklistGeneration TaskType = "checklist_generation"
	TypeQA                  TaskType = "qa"
)

var (
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// ParseTaskType validates a raw task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(strings.TrimSpace(s)); t {
	case TypeSmallReview, TypeLargeReview, TypeChecklistGeneration, TypeQA:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTaskType, s)
}

// Queued reports whether tasks of this type are admitted through the shared
// priority queue. Q&A tasks are started explicitly once a subscriber connects.
func (t TaskType) Queued() bool {
	return t != TypeQA
}

// Payload is the task-type specific body of a TaskRecord. The set of
// implementations is closed; DecodePayload is the only constructor from JSON.
type Payload interface {
	TaskType() TaskType
	Validate() error
}

// ChecklistSnapshot is a checklist item captured by content at task creation.
// Results are joined against Content, not ID, because the live item may be
// edited or deleted before the task finishes.
type ChecklistSnapshot struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// ReviewSettings snapshots user settings so a retry can carry them forward.
type ReviewSettings struct {
	AdditionalInstructions string   `json:"additional_instructions,omitempty"`
	CommentFormat          string   `json:"comment_format,omitempty"`
	EvaluationLabels       []string `json:"evaluation_labels,omitempty"`
	Concurrency            int      `json:"concurrency,omitempty"`
}

// SmallReviewPayload reviews documents small enough to fit one runner pass.
type SmallReviewPayload struct {
	ProjectID      string              `json:"project_id"`
	ReviewSpaceID  string              `json:"review_space_id"`
	ReviewTargetID string              `json:"review_target_id"`
	DocumentIDs    []string            `json:"document_ids"`
	Checklist      []ChecklistSnapshot `json:"checklist"`
	Settings       ReviewSettings      `json:"settings"`
}

func (SmallReviewPayload) TaskType() TaskType { return TypeSmallReview }

func (p SmallReviewPayload) Validate() error {
	return validateReview(p.ReviewTargetID, p.Checklist)
}

// LargeReviewPayload reviews chunked documents; the runner reports one result
// per chunk and item, merged by the aggregation package.
type LargeReviewPayload struct {
	ProjectID      string              `json:"project_id"`
	ReviewSpaceID  string              `json:"review_space_id"`
	ReviewTargetID string              `json:"review_target_id"`
	DocumentIDs    []string            `json:"document_ids"`
	Checklist      []ChecklistSnapshot `json:"checklist"`
	Settings       ReviewSettings      `json:"settings"`
	ChunkTokens    int                 `json:"chunk_tokens,omitempty"`
}

func (LargeReviewPayload) TaskType() TaskType { return TypeLargeReview }

func (p LargeReviewPayload) Validate() error {
	if p.ChunkTokens < 0 {
		return fmt.Errorf("%w: chunk_tokens must not be negative", ErrInvalidPayload)
	}
	return validateReview(p.ReviewTargetID, p.Checklist)
}

// ChecklistGenerationPayload asks the runner to draft checklist items.
type ChecklistGenerationPayload struct {
	ProjectID     string   `json:"project_id"`
	ReviewSpaceID string   `json:"review_space_id"`
	DocumentIDs   []string `json:"document_ids"`
	Requirements  string   `json:"requirements,omitempty"`
}

func (ChecklistGenerationPayload) TaskType() TaskType { return TypeChecklistGeneration }

func (p ChecklistGenerationPayload) Validate() error {
	if p.ReviewSpaceID == "" {
		return fmt.Errorf("%w: review_space_id is required", ErrInvalidPayload)
	}
	if len(p.DocumentIDs) == 0 {
		return fmt.Errorf("%w: at least one document is required", ErrInvalidPayload)
	}
	return nil
}

// QAPayload is a question asked against review results.
type QAPayload struct {
	ProjectID      string              `json:"project_id"`
	ReviewTargetID string              `json:"review_target_id"`
	Question       string              `json:"question"`
	Checklist      []ChecklistSnapshot `json:"checklist,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
}

func (QAPayload) TaskType() TaskType { return TypeQA }

func (p QAPayload) Validate() error {
	if p.ReviewTargetID == "" {
		return fmt.Errorf("%w: review_target_id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidPayload)
	}
	return nil
}

func validateReview(targetID string, checklist []ChecklistSnapshot) error {
	if targetID == "" {
		return fmt.Errorf("%w: review_target_id is required", ErrInvalidPayload)
	}
	if len(checklist) == 0 {
		return fmt.Errorf("%w: checklist snapshot is empty", ErrInvalidPayload)
	}
	for i, item := range checklist {
		if strings.TrimSpace(item.Content) == "" {
			return fmt.Errorf("%w: checklist item %d has no content", ErrInvalidPayload, i)
		}
	}
	return nil
}

// ProjectOf returns the project the payload belongs to, used for credential lookup.
func ProjectOf(p Payload) string {
	switch v := p.(type) {
	case SmallReviewPayload:
		return v.ProjectID
	case LargeReviewPayload:
		return v.ProjectID
	case ChecklistGenerationPayload:
		return v.ProjectID
	case QAPayload:
		return v.ProjectID
	}
	return ""
}

// EncodePayload marshals a payload for persistence.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals raw JSON into the payload type owned by t.
func DecodePayload(t TaskType, raw []byte) (Payload, error) {
	switch t {
	case TypeSmallReview:
		var p SmallReviewPayload
		err := decodeInto(raw, &p)
		return p, err
	case TypeLargeReview:
		var p LargeReviewPayload
		err := decodeInto(raw, &p)
		return p, err
	case TypeChecklistGeneration:
		var p ChecklistGenerationPayload
		err := decodeInto(raw, &p)
		return p, err
	case TypeQA:
		var p QAPayload
		err := decodeInto(raw, &p)
		return p, err
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidTaskType, t)
}

func decodeInto(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
