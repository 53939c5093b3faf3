package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ai-review-orchestrator/internal/models"
)

// SQLiteStore implements TaskRepository on an embedded SQLite database for
// single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

var _ TaskRepository = (*SQLiteStore)(nil)

// NewSQLite opens dsn with the modernc driver. All access goes through one
// connection so conditional updates serialize.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *SQLiteStore) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", true, func(ctx context.Context, q string) error {
		_, err := s.db.ExecContext(ctx, q)
		return err
	})
}

func (s *SQLiteStore) CreateTask(ctx context.Context, rec models.TaskRecord) error {
	enc, err := encodeTask(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, status, tenant_key, priority, payload, file_metadata, error_message, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Type), string(rec.Status), rec.TenantKey, rec.Priority, string(enc.payload), string(enc.files),
		nullString(rec.ErrorMessage), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (models.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskRecord{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("scan task: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListQueued(ctx context.Context, limit int) ([]models.TaskRecord, error) {
	types := queuedTypes()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND task_type IN (?, ?, ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, string(models.StatusQueued), types[0], types[1], types[2], limit)
	if err != nil {
		return nil, fmt.Errorf("query queued tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) CountProcessingByTenant(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_key, COUNT(*) FROM tasks WHERE status = ? GROUP BY tenant_key
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

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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

func (s *SQLiteStore) Transition(ctx context.Context, next models.TaskRecord, from models.Status, result []byte) (bool, error) {
	var heartbeat any
	if next.Status == models.StatusProcessing {
		heartbeat = next.UpdatedAt.UTC()
	}
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	out, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error_message = ?, started_at = ?, completed_at = ?, updated_at = ?,
		    heartbeat_at = COALESCE(?, heartbeat_at),
		    result = COALESCE(?, result)
		WHERE id = ? AND status = ?
	`, string(next.Status), nullString(next.ErrorMessage), nullTime(next.StartedAt), nullTime(next.CompletedAt),
		next.UpdatedAt.UTC(), heartbeat, res, next.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", next.ID, next.Status, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimTask re-counts the tenant's processing tasks inside the claiming
// UPDATE; SQLite runs the statement as one write.
func (s *SQLiteStore) ClaimTask(ctx context.Context, next models.TaskRecord, from models.Status, tenantCap int) (bool, error) {
	if tenantCap <= 0 {
		return s.Transition(ctx, next, from, nil)
	}
	out, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = ?, updated_at = ?, heartbeat_at = ?
		WHERE id = ? AND status = ?
		  AND (SELECT COUNT(*) FROM tasks WHERE tenant_key = ? AND status = ?) < ?
	`, string(next.Status), nullTime(next.StartedAt), next.UpdatedAt.UTC(), next.UpdatedAt.UTC(),
		next.ID, string(from), next.TenantKey, string(models.StatusProcessing), tenantCap)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", next.ID, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) ([]byte, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT result FROM tasks WHERE id = ?`, taskID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}
	if !result.Valid {
		return nil, nil
	}
	return []byte(result.String), nil
}

func (s *SQLiteStore) SaveItemResults(ctx context.Context, taskID string, items []models.ItemResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_item_results WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear item results: %w", err)
	}
	for i, item := range items {
		constituents, err := marshalConstituents(item.Constituents)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_item_results (task_id, position, checklist_item, evaluation, comment, error_message, constituents)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, taskID, i, item.ChecklistItem, item.Evaluation, item.Comment, item.ErrorMessage, string(constituents)); err != nil {
			return fmt.Errorf("insert item result: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListItemResults(ctx context.Context, taskID string) ([]models.ItemResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checklist_item, evaluation, comment, error_message, constituents
		FROM task_item_results WHERE task_id = ? ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query item results: %w", err)
	}
	defer rows.Close()
	var out []models.ItemResult
	for rows.Next() {
		var item models.ItemResult
		var constituents string
		if err := rows.Scan(&item.ChecklistItem, &item.Evaluation, &item.Comment, &item.ErrorMessage, &constituents); err != nil {
			return nil, fmt.Errorf("scan item result: %w", err)
		}
		if err := unmarshalConstituents([]byte(constituents), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET heartbeat_at = ? WHERE id = ? AND status = ?
	`, at.UTC(), id, string(models.StatusProcessing))
	return err
}

func (s *SQLiteStore) UpdateFileMetadata(ctx context.Context, id string, files []models.FileMetadata) error {
	raw, err := marshalFiles(files)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET file_metadata = ? WHERE id = ?`, string(raw), id); err != nil {
		return fmt.Errorf("update file metadata of %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND COALESCE(heartbeat_at, started_at, updated_at) < ?
		ORDER BY updated_at
		LIMIT ?
	`, string(models.StatusProcessing), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	out, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, taskID, event, detail, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListAudit(ctx context.Context, taskID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, event, detail, ts FROM audit_logs WHERE task_id = ? ORDER BY id
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

func (s *SQLiteStore) ProviderKey(ctx context.Context, scope string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM provider_keys WHERE scope = ?`, scope).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query provider key: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) SetProviderKey(ctx context.Context, scope, apiKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_keys (scope, api_key, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET api_key = excluded.api_key, updated_at = excluded.updated_at
	`, scope, apiKey, time.Now().UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (models.TaskRecord, error) {
	var rec models.TaskRecord
	var taskType, status, payload, files string
	var errMsg sql.NullString
	var started, completed sql.NullTime

	if err := row.Scan(&rec.ID, &taskType, &status, &rec.TenantKey, &rec.Priority, &payload, &files,
		&errMsg, &rec.CreatedAt, &rec.UpdatedAt, &started, &completed); err != nil {
		return models.TaskRecord{}, err
	}
	rec.Type = models.TaskType(taskType)
	rec.Status = models.Status(status)
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if err := decodeTaskJSON(&rec, []byte(payload), []byte(files)); err != nil {
		return models.TaskRecord{}, err
	}
	return rec, nil
}

func collectSQLiteTasks(rows *sql.Rows) ([]models.TaskRecord, error) {
	defer rows.Close()
	var out []models.TaskRecord
	for rows.Next() {
		rec, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
