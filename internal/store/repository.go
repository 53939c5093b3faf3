package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ai-review-orchestrator/internal/models"
)

var ErrNotFound = errors.New("not found")

// TaskRepository is the persistence contract the queue, executor and API need.
// Implementations must be safe for concurrent use.
type TaskRepository interface {
	CreateTask(ctx context.Context, rec models.TaskRecord) error
	GetTask(ctx context.Context, id string) (models.TaskRecord, error)
	// ListQueued returns initial-state tasks of queue-admitted types, most urgent first.
	ListQueued(ctx context.Context, limit int) ([]models.TaskRecord, error)
	CountProcessingByTenant(ctx context.Context) (map[string]int, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	// Transition persists next only if the stored status still equals from, as
	// one conditional update. It reports false when another writer got there first.
	// A nil result leaves any stored result untouched.
	Transition(ctx context.Context, next models.TaskRecord, from models.Status, result []byte) (bool, error)
	// ClaimTask is Transition into processing that also requires the tenant to
	// have fewer than tenantCap processing tasks when the row is updated.
	// tenantCap <= 0 disables the check.
	ClaimTask(ctx context.Context, next models.TaskRecord, from models.Status, tenantCap int) (bool, error)
	GetResult(ctx context.Context, taskID string) ([]byte, error)
	SaveItemResults(ctx context.Context, taskID string, items []models.ItemResult) error
	ListItemResults(ctx context.Context, taskID string) ([]models.ItemResult, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// UpdateFileMetadata records what file preparation learned (sizes,
	// converted image counts) on the stored task.
	UpdateFileMetadata(ctx context.Context, id string, files []models.FileMetadata) error
	// ListStale returns processing tasks whose last heartbeat (or start) is before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, taskID, event, detail string) error
	ListAudit(ctx context.Context, taskID string) ([]models.AuditLog, error)
	ProviderKey(ctx context.Context, scope string) (string, error)
	SetProviderKey(ctx context.Context, scope, apiKey string) error
	Close()
}

// encodedTask holds the JSON columns of a task row.
type encodedTask struct {
	payload []byte
	files   []byte
}

func encodeTask(rec models.TaskRecord) (encodedTask, error) {
	payload, err := models.EncodePayload(rec.Payload)
	if err != nil {
		return encodedTask{}, err
	}
	filesJSON, err := marshalFiles(rec.Files)
	if err != nil {
		return encodedTask{}, err
	}
	return encodedTask{payload: payload, files: filesJSON}, nil
}

func marshalFiles(files []models.FileMetadata) ([]byte, error) {
	if files == nil {
		files = []models.FileMetadata{}
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("marshal file metadata: %w", err)
	}
	return raw, nil
}

func decodeTaskJSON(rec *models.TaskRecord, payload, files []byte) error {
	p, err := models.DecodePayload(rec.Type, payload)
	if err != nil {
		return fmt.Errorf("task %s: %w", rec.ID, err)
	}
	rec.Payload = p
	rec.Files = []models.FileMetadata{}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &rec.Files); err != nil {
			return fmt.Errorf("task %s: unmarshal file metadata: %w", rec.ID, err)
		}
	}
	return nil
}

// queuedTypes lists the task types admitted through the shared queue.
func queuedTypes() []string {
	return []string{
		string(models.TypeSmallReview),
		string(models.TypeLargeReview),
		string(models.TypeChecklistGeneration),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
