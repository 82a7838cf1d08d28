package taskstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
)

// sqlStore serves both built-in back-ends; only the driver, the DSN and the
// placeholder style differ between them.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" | "postgres"
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    id              VARCHAR(64)  PRIMARY KEY,
    name            TEXT         NOT NULL,
    description     TEXT,
    agent_name      TEXT         NOT NULL,
    prompt          TEXT         NOT NULL,
    enabled         BOOLEAN      NOT NULL,
    schedule_kind   VARCHAR(16)  NOT NULL,
    schedule_value  TEXT         NOT NULL,
    repeats         BOOLEAN      NOT NULL,
    created_at      TIMESTAMP    NOT NULL,
    last_run_at     TIMESTAMP,
    next_run_at     TIMESTAMP,
    last_status     VARCHAR(16)  NOT NULL,
    total_runs      INTEGER      NOT NULL DEFAULT 0,
    successful_runs INTEGER      NOT NULL DEFAULT 0,
    failed_runs     INTEGER      NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS task_executions (
    id             VARCHAR(64) PRIMARY KEY,
    task_id        VARCHAR(64) NOT NULL,
    started_at     TIMESTAMP   NOT NULL,
    finished_at    TIMESTAMP,
    status         VARCHAR(16) NOT NULL,
    error_message  TEXT,
    output_summary TEXT
)`,
	// Separate statements so the sqlite driver accepts them one by one.
	`CREATE INDEX IF NOT EXISTS idx_task_executions_task_id ON task_executions(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON tasks(enabled)`,
}

func newSQLStore(driver, dialect, dsn string) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "taskstore: open %s", dialect)
	}
	if dialect == "sqlite" {
		// One connection: the scheduler is the only writer and sqlite locks
		// the whole file anyway.
		db.SetMaxOpenConns(1)
	}
	s := &sqlStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fault.Wrap(fault.StoreError, err, "taskstore: migrate %s", s.dialect)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *sqlStore) UpsertTask(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return fault.New(fault.StoreError, "taskstore: task id is required")
	}
	query := s.q(`
INSERT INTO tasks (id, name, description, agent_name, prompt, enabled, schedule_kind, schedule_value, repeats,
                   created_at, last_run_at, next_run_at, last_status, total_runs, successful_runs, failed_runs)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    description = excluded.description,
    agent_name = excluded.agent_name,
    prompt = excluded.prompt,
    enabled = excluded.enabled,
    schedule_kind = excluded.schedule_kind,
    schedule_value = excluded.schedule_value,
    repeats = excluded.repeats,
    last_run_at = excluded.last_run_at,
    next_run_at = excluded.next_run_at,
    last_status = excluded.last_status,
    total_runs = excluded.total_runs,
    successful_runs = excluded.successful_runs,
    failed_runs = excluded.failed_runs`)

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Description, t.AgentName, t.Prompt, t.Enabled, t.ScheduleKind, t.ScheduleValue, t.Repeat,
		t.CreatedAt, nullTime(t.LastRunAt), nullTime(t.NextRunAt), string(t.LastStatus),
		t.TotalRuns, t.SuccessfulRuns, t.FailedRuns,
	)
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "taskstore: upsert task %q", t.ID)
	}
	return nil
}

const taskColumns = `id, name, description, agent_name, prompt, enabled, schedule_kind, schedule_value, repeats,
       created_at, last_run_at, next_run_at, last_status, total_runs, successful_runs, failed_runs`

func (s *sqlStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fault.Wrap(fault.StoreError, ErrNotFound, "taskstore: get %q", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "taskstore: get %q", id)
	}
	return t, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		conds []string
		args  []any
	)
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	if f.AgentName != "" {
		conds = append(conds, "agent_name = ?")
		args = append(args, f.AgentName)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "taskstore: list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StoreError, err, "taskstore: scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "taskstore: list tasks")
	}
	return out, nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "taskstore: delete %q", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Wrap(fault.StoreError, ErrNotFound, "taskstore: delete %q", id)
	}
	// Execution history goes with the task.
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM task_executions WHERE task_id = ?`), id); err != nil {
		return fault.Wrap(fault.StoreError, err, "taskstore: delete executions of %q", id)
	}
	return nil
}

func (s *sqlStore) AppendExecution(ctx context.Context, e *Execution) error {
	if e == nil || e.ID == "" || e.TaskID == "" {
		return fault.New(fault.StoreError, "taskstore: execution id and task_id are required")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO task_executions (id, task_id, started_at, finished_at, status, error_message, output_summary)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TaskID, e.StartedAt, nullTime(e.FinishedAt), string(e.Status), e.ErrorMessage, e.OutputSummary,
	)
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "taskstore: append execution for %q", e.TaskID)
	}
	return nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, task_id, started_at, finished_at, status, error_message, output_summary
FROM task_executions
WHERE task_id = ?
ORDER BY started_at DESC
LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "taskstore: list executions for %q", taskID)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			e        Execution
			finished sql.NullTime
			status   string
			errMsg   sql.NullString
			summary  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StartedAt, &finished, &status, &errMsg, &summary); err != nil {
			return nil, fault.Wrap(fault.StoreError, err, "taskstore: scan execution")
		}
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		e.Status = Status(status)
		e.ErrorMessage = errMsg.String
		e.OutputSummary = summary.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "taskstore: list executions for %q", taskID)
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t       Task
		desc    sql.NullString
		lastRun sql.NullTime
		nextRun sql.NullTime
		status  string
	)
	err := sc.Scan(
		&t.ID, &t.Name, &desc, &t.AgentName, &t.Prompt, &t.Enabled, &t.ScheduleKind, &t.ScheduleValue, &t.Repeat,
		&t.CreatedAt, &lastRun, &nextRun, &status, &t.TotalRuns, &t.SuccessfulRuns, &t.FailedRuns,
	)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	t.LastStatus = Status(status)
	return &t, nil
}

// nullTime maps an optional time to its SQL value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
