package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ai-review-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ TaskRepository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", false, func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

const taskColumns = `id, task_type, status, tenant_key, priority, payload, file_metadata, error_message, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a task row in its initial state.
func (s *Store) CreateTask(ctx context.Context, rec models.TaskRecord) error {
	enc, err := encodeTask(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, task_type, status, tenant_key, priority, payload, file_metadata, error_message, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, string(rec.Type), string(rec.Status), rec.TenantKey, rec.Priority, enc.payload, enc.files,
		rec.ErrorMessage, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), utcPtr(rec.StartedAt), utcPtr(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	rec, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskRecord{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("scan task: %w", err)
	}
	return rec, nil
}

// ListQueued returns admitted tasks waiting in the queue, most urgent first.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]models.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND task_type = ANY($2)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $3
	`, string(models.StatusQueued), queuedTypes(), limit)
	if err != nil {
		return nil, fmt.Errorf("query queued tasks: %w", err)
	}
	return collectPgTasks(rows)
}

// CountProcessingByTenant counts in-flight tasks per tenant key.
func (s *Store) CountProcessingByTenant(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_key, COUNT(*) FROM tasks WHERE status = $1 GROUP BY tenant_key
	`, string(models.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("count processing tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var tenant string
		var n int
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, fmt.Errorf("scan processing count: %w", err)
		}
		out[tenant] = n
	}
	return out, rows.Err()
}

// CountByStatus returns row counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// Transition applies next as a single conditional update guarded by from.
func (s *Store) Transition(ctx context.Context, next models.TaskRecord, from models.Status, result []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3, error_message = $4, started_at = $5, completed_at = $6, updated_at = $7,
		    heartbeat_at = CASE WHEN $3 = 'processing' THEN $7 ELSE heartbeat_at END,
		    result = COALESCE($8, result)
		WHERE id = $1 AND status = $2
	`, next.ID, string(from), string(next.Status), next.ErrorMessage, utcPtr(next.StartedAt), utcPtr(next.CompletedAt),
		next.UpdatedAt.UTC(), nullableJSON(result))
	if err != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", next.ID, next.Status, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimTask moves next into processing under the tenant cap. Claims for one
// tenant serialize on a transaction-scoped advisory lock, so the count below
// always sees every committed claim.
func (s *Store) ClaimTask(ctx context.Context, next models.TaskRecord, from models.Status, tenantCap int) (bool, error) {
	if tenantCap <= 0 {
		return s.Transition(ctx, next, from, nil)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, next.TenantKey); err != nil {
		return false, fmt.Errorf("lock tenant %s: %w", next.TenantKey, err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $3, started_at = $4, updated_at = $5, heartbeat_at = $5
		WHERE id = $1 AND status = $2
		  AND (SELECT COUNT(*) FROM tasks WHERE tenant_key = $6 AND status = $3) < $7
	`, next.ID, string(from), string(next.Status), utcPtr(next.StartedAt), next.UpdatedAt.UTC(), next.TenantKey, tenantCap)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", next.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetResult returns the stored result document of a finished task, or nil.
func (s *Store) GetResult(ctx context.Context, taskID string) ([]byte, error) {
	var result []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM tasks WHERE id = $1`, taskID).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}
	return result, nil
}

// SaveItemResults replaces the per-item results of a task.
func (s *Store) SaveItemResults(ctx context.Context, taskID string, items []models.ItemResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM task_item_results WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("clear item results: %w", err)
	}
	batch := &pgx.Batch{}
	for i, item := range items {
		constituents, err := marshalConstituents(item.Constituents)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO task_item_results (task_id, position, checklist_item, evaluation, comment, error_message, constituents)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, taskID, i, item.ChecklistItem, item.Evaluation, item.Comment, item.ErrorMessage, constituents)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert item results: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListItemResults returns the stored item results in insertion order.
func (s *Store) ListItemResults(ctx context.Context, taskID string) ([]models.ItemResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT checklist_item, evaluation, comment, error_message, constituents
		FROM task_item_results WHERE task_id = $1 ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query item results: %w", err)
	}
	defer rows.Close()
	var out []models.ItemResult
	for rows.Next() {
		var item models.ItemResult
		var constituents []byte
		if err := rows.Scan(&item.ChecklistItem, &item.Evaluation, &item.Comment, &item.ErrorMessage, &constituents); err != nil {
			return nil, fmt.Errorf("scan item result: %w", err)
		}
		if err := unmarshalConstituents(constituents, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Heartbeat records that the executor holding the claim is still alive.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET heartbeat_at = $2 WHERE id = $1 AND status = $3
	`, id, at.UTC(), string(models.StatusProcessing))
	return err
}

func (s *Store) UpdateFileMetadata(ctx context.Context, id string, files []models.FileMetadata) error {
	raw, err := marshalFiles(files)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `UPDATE tasks SET file_metadata = $2 WHERE id = $1`, id, raw); err != nil {
		return fmt.Errorf("update file metadata of %s: %w", id, err)
	}
	return nil
}

// ListStale returns processing tasks without a heartbeat since before.
func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]models.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND COALESCE(heartbeat_at, started_at, updated_at) < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(models.StatusProcessing), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	return collectPgTasks(rows)
}

// DeleteTask removes a task and its item results. Audit rows are kept.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// ListAudit returns the audit trail of a task, oldest first.
func (s *Store) ListAudit(ctx context.Context, taskID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, detail, ts FROM audit_logs WHERE task_id = $1 ORDER BY ts, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.TaskID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ProviderKey returns the AI provider key stored for scope, or "" when unset.
func (s *Store) ProviderKey(ctx context.Context, scope string) (string, error) {
	var key string
	err := s.pool.QueryRow(ctx, `SELECT api_key FROM provider_keys WHERE scope = $1`, scope).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query provider key: %w", err)
	}
	return key, nil
}

// SetProviderKey upserts the key for scope.
func (s *Store) SetProviderKey(ctx context.Context, scope, apiKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_keys (scope, api_key, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (scope) DO UPDATE SET api_key = EXCLUDED.api_key, updated_at = NOW()
	`, scope, apiKey)
	return err
}

func scanPgTask(row pgx.Row) (models.TaskRecord, error) {
	var rec models.TaskRecord
	var taskType, status string
	var payload, files []byte
	var errMsg pgtype.Text
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&rec.ID, &taskType, &status, &rec.TenantKey, &rec.Priority, &payload, &files,
		&errMsg, &rec.CreatedAt, &rec.UpdatedAt, &started, &completed); err != nil {
		return models.TaskRecord{}, err
	}
	rec.Type = models.TaskType(taskType)
	rec.Status = models.Status(status)
	rec.ErrorMessage = textPtr(errMsg)
	rec.StartedAt = timePtr(started)
	rec.CompletedAt = timePtr(completed)
	if err := decodeTaskJSON(&rec, payload, files); err != nil {
		return models.TaskRecord{}, err
	}
	return rec, nil
}

func collectPgTasks(rows pgx.Rows) ([]models.TaskRecord, error) {
	defer rows.Close()
	var out []models.TaskRecord
	for rows.Next() {
		rec, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalConstituents(chunks []models.ChunkResult) ([]byte, error) {
	if chunks == nil {
		chunks = []models.ChunkResult{}
	}
	raw, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("marshal constituents: %w", err)
	}
	return raw, nil
}

func unmarshalConstituents(raw []byte, item *models.ItemResult) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &item.Constituents); err != nil {
		return fmt.Errorf("unmarshal constituents: %w", err)
	}
	if len(item.Constituents) == 0 {
		item.Constituents = nil
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
