package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

var ErrInvalidPriority = errors.New("invalid priority")

// ValidatePriority checks p against [MinPriority, MaxPriority].
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPriority, p, MinPriority, MaxPriority)
	}
	return nil
}

// ProcessMode selects how the runner consumes an attached file.
type ProcessMode string

const (
	ProcessText  ProcessMode = "text"
	ProcessImage ProcessMode = "image"
)

// FileMetadata describes one file attached to a task, in upload order.
type FileMetadata struct {
	FileName            string      `json:"file_name"`
	StoragePath         string      `json:"storage_path"`
	SizeBytes           int64       `json:"size_bytes"`
	MimeType            string      `json:"mime_type"`
	ProcessMode         ProcessMode `json:"process_mode"`
	ConvertedImageCount int         `json:"converted_image_count"`
}

// TaskRecord is the persisted unit of AI work. Values are never mutated in
// place: transitions return a new record and leave the receiver untouched.
type TaskRecord struct {
	ID           string         `json:"id"`
	Type         TaskType       `json:"task_type"`
	Status       Status         `json:"status"`
	TenantKey    string         `json:"tenant_key"`
	Priority     int            `json:"priority"`
	Payload      Payload        `json:"payload"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Files        []FileMetadata `json:"file_metadata"`
}

// NewTaskParams collects inputs required to admit a task.
type NewTaskParams struct {
	ID        string
	Type      TaskType
	TenantKey string
	Priority  int
	Payload   Payload
	Files     []FileMetadata
	Now       time.Time
}

// NewTaskRecord validates params and returns a record in its lifecycle's initial state.
// A zero Priority selects DefaultPriority.
func NewTaskRecord(p NewTaskParams) (TaskRecord, error) {
	if _, err := ParseTaskType(string(p.Type)); err != nil {
		return TaskRecord{}, err
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if err := ValidatePriority(p.Priority); err != nil {
		return TaskRecord{}, err
	}
	if strings.TrimSpace(p.TenantKey) == "" {
		return TaskRecord{}, fmt.Errorf("%w: tenant key is required", ErrInvalidPayload)
	}
	if p.Payload == nil {
		return TaskRecord{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if p.Payload.TaskType() != p.Type {
		return TaskRecord{}, fmt.Errorf("%w: %s payload for %s task", ErrInvalidPayload, p.Payload.TaskType(), p.Type)
	}
	if err := p.Payload.Validate(); err != nil {
		return TaskRecord{}, err
	}
	for _, f := range p.Files {
		if f.ProcessMode != ProcessText && f.ProcessMode != ProcessImage {
			return TaskRecord{}, fmt.Errorf("%w: file %q has process mode %q", ErrInvalidPayload, f.FileName, f.ProcessMode)
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	files := make([]FileMetadata, len(p.Files))
	copy(files, p.Files)
	return TaskRecord{
		ID:        p.ID,
		Type:      p.Type,
		Status:    LifecycleFor(p.Type).Initial,
		TenantKey: p.TenantKey,
		Priority:  p.Priority,
		Payload:   p.Payload,
		CreatedAt: now,
		UpdatedAt: now,
		Files:     files,
	}, nil
}

// Retry builds a new initial-state record carrying forward the payload, files
// and priority of a terminal one. The original record is kept for history.
func (t TaskRecord) Retry(now time.Time) (TaskRecord, error) {
	if !t.IsTerminal() {
		return TaskRecord{}, &TransitionError{TaskID: t.ID, From: t.Status, To: t.Lifecycle().Initial}
	}
	return NewTaskRecord(NewTaskParams{
		Type:      t.Type,
		TenantKey: t.TenantKey,
		Priority:  t.Priority,
		Payload:   t.Payload,
		Files:     t.Files,
		Now:       now,
	})
}

func (t TaskRecord) Lifecycle() Lifecycle { return LifecycleFor(t.Type) }

func (t TaskRecord) IsTerminal() bool { return t.Lifecycle().IsTerminal(t.Status) }

// IsFailure reports whether the record sits in its lifecycle's failure terminal.
func (t TaskRecord) IsFailure() bool { return t.Status == t.Lifecycle().Failure }

// StartProcessing moves an initial-state record to processing and stamps startedAt.
func (t TaskRecord) StartProcessing(now time.Time) (TaskRecord, error) {
	next, err := t.transition(StatusProcessing, now)
	if err != nil {
		return t, err
	}
	started := now
	next.StartedAt = &started
	return next, nil
}

// Complete moves a processing record to the success terminal.
func (t TaskRecord) Complete(now time.Time) (TaskRecord, error) {
	next, err := t.transition(t.Lifecycle().Success, now)
	if err != nil {
		return t, err
	}
	return next.finished(now), nil
}

// Fail moves a processing record to the failure terminal with msg as errorMessage.
func (t TaskRecord) Fail(now time.Time, msg string) (TaskRecord, error) {
	next, err := t.transition(t.Lifecycle().Failure, now)
	if err != nil {
		return t, err
	}
	if msg == "" {
		msg = "unknown error"
	}
	next.ErrorMessage = &msg
	return next.finished(now), nil
}

// Cancel moves an initial-state or processing record to cancelled.
func (t TaskRecord) Cancel(now time.Time) (TaskRecord, error) {
	next, err := t.transition(StatusCancelled, now)
	if err != nil {
		return t, err
	}
	return next.finished(now), nil
}

func (t TaskRecord) transition(to Status, now time.Time) (TaskRecord, error) {
	if !t.Lifecycle().CanTransition(t.Status, to) {
		return t, &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	next := t
	next.Status = to
	next.UpdatedAt = now
	return next, nil
}

func (t TaskRecord) finished(now time.Time) TaskRecord {
	done := now
	t.CompletedAt = &done
	return t
}

// Validate checks the record-level invariants that must hold in every state.
func (t TaskRecord) Validate() error {
	l := t.Lifecycle()
	if !l.Valid(t.Status) {
		return fmt.Errorf("%w: %s for %s task", ErrInvalidStatus, t.Status, t.Type)
	}
	if (t.ErrorMessage != nil) != (t.Status == l.Failure) {
		return fmt.Errorf("task %s: error message must be set iff status is %s", t.ID, l.Failure)
	}
	if t.Status == l.Initial && t.StartedAt != nil {
		return fmt.Errorf("task %s: started_at set while %s", t.ID, t.Status)
	}
	if (t.CompletedAt != nil) != l.IsTerminal(t.Status) {
		return fmt.Errorf("task %s: completed_at must be set iff terminal", t.ID)
	}
	return nil
}

// taskRecordJSON mirrors TaskRecord with a raw payload for decoding.
type taskRecordJSON struct {
	ID           string          `json:"id"`
	Type         TaskType        `json:"task_type"`
	Status       Status          `json:"status"`
	TenantKey    string          `json:"tenant_key"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Files        []FileMetadata  `json:"file_metadata"`
}

// UnmarshalJSON decodes the payload into the concrete type selected by task_type.
func (t *TaskRecord) UnmarshalJSON(data []byte) error {
	var raw taskRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*t = TaskRecord{
		ID:           raw.ID,
		Type:         raw.Type,
		Status:       raw.Status,
		TenantKey:    raw.TenantKey,
		Priority:     raw.Priority,
		Payload:      payload,
		ErrorMessage: raw.ErrorMessage,
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
		StartedAt:    raw.StartedAt,
		CompletedAt:  raw.CompletedAt,
		Files:        raw.Files,
	}
	return nil
}
