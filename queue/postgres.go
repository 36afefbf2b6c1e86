package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-engage/model"
)

const taskColumns = `id, type, platform, payload, priority, status, retry_count, max_retries,
	created_by, assigned_agent, dedup_key, metadata, created_at, started_at, completed_at,
	expires_at, result, error`

// TaskSchema is applied by EnsureSchema.
var TaskSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		platform TEXT,
		payload JSONB NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		created_by TEXT NOT NULL DEFAULT '',
		assigned_agent TEXT,
		dedup_key TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		result JSONB,
		error TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS tasks_pickup_idx ON tasks (status, priority, created_at, id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tasks_active_dedup_idx ON tasks (dedup_key)
		WHERE dedup_key IS NOT NULL AND status IN ('pending', 'assigned');`,
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, ddl := range TaskSchema {
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply task schema: %w", err)
		}
	}
	return nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t       model.Task
		status  string
		typ     string
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&t.ID, &typ, &t.Platform, &payload, &t.Priority, &status, &t.RetryCount, &t.MaxRetries,
		&t.CreatedBy, &t.AssignedAgent, &t.DedupKey, &t.Metadata, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
		&t.ExpiresAt, &result, &t.Error,
	)
	if err != nil {
		return nil, err
	}
	t.Type = model.TaskType(typ)
	t.Status = model.TaskStatus(status)
	t.Payload = payload
	t.Result = result
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func statusStrings(in []model.TaskStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (s *PostgresStore) Insert(ctx context.Context, t *model.Task) (int64, bool, error) {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	// A concurrent finisher can free the dedup key between the conflicting
	// insert and the lookup, so the pair is retried a few times.
	for attempt := 0; attempt < 3; attempt++ {
		var id int64
		err := s.db.QueryRow(ctx, `
			INSERT INTO tasks (type, platform, payload, priority, status, max_retries, created_by,
				dedup_key, metadata, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL AND status IN ('pending', 'assigned')
			DO NOTHING
			RETURNING id`,
			string(t.Type), t.Platform, []byte(t.Payload), t.Priority, string(model.StatusPending), t.MaxRetries,
			t.CreatedBy, t.DedupKey, metadata, t.CreatedAt, t.ExpiresAt,
		).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("insert task: %w", err)
		}

		err = s.db.QueryRow(ctx, `
			SELECT id FROM tasks
			WHERE dedup_key = $1 AND status IN ('pending', 'assigned')`, t.DedupKey).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("lookup dedup task: %w", err)
		}
	}
	return 0, false, fmt.Errorf("insert task: dedup key %q kept changing hands", *t.DedupKey)
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Platform != "" {
		add("platform = $%d", f.Platform)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) Candidates(ctx context.Context, f ClaimFilter, limit int) ([]model.Task, error) {
	return s.List(ctx, ListFilter{Status: model.StatusPending, Platform: f.Platform, Type: f.Type, Limit: limit})
}

func (s *PostgresStore) ClaimIf(ctx context.Context, id int64, agentID string, now time.Time) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'assigned', assigned_agent = $2, started_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskColumns, id, agentID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id int64, errMsg string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1,
			assigned_agent = NULL, started_at = NULL, error = $2
		WHERE id = $1 AND status = 'assigned' AND retry_count < max_retries`, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("requeue task %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Unclaim(ctx context.Context, id int64, note string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', assigned_agent = NULL, started_at = NULL, error = $2
		WHERE id = $1 AND status = 'assigned'`, id, note)
	if err != nil {
		return false, fmt.Errorf("unclaim task %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Finish(ctx context.Context, id int64, from []model.TaskStatus, to model.TaskStatus, result []byte, errMsg string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $3, completed_at = $4,
			result = COALESCE($5, result),
			error = CASE WHEN $6 = '' THEN error ELSE $6 END
		WHERE id = $1 AND status = ANY($2)`,
		id, statusStrings(from), string(to), now, result, errMsg)
	if err != nil {
		return false, fmt.Errorf("finish task %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CancelAll(ctx context.Context, platform string, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'cancelled', completed_at = $2
		WHERE status IN ('pending', 'assigned') AND ($1 = '' OR platform = $1)`, platform, now)
	if err != nil {
		return 0, fmt.Errorf("cancel tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'expired', completed_at = $1
		WHERE status IN ('pending', 'assigned') AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
