package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/houndflow/pkg/schema"
)

// LibSQLStore keeps workflows and execution snapshots in an embedded libSQL
// database file.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// sqlitePragmas tune the single-writer file for checkpoint-heavy workloads.
var sqlitePragmas = [...]string{
	"journal_mode=WAL",
	"synchronous=NORMAL",
	"busy_timeout=5000",
	"temp_store=MEMORY",
}

// NewLibSQLStore opens the database at dsn. A bare path is treated as a
// file: URI.
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, storeError("open "+dsn, err)
	}
	// One connection serialises writers; libSQL files do not share locks well.
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		// journal_mode answers with a row, so Exec is not enough.
		var ignored string
		_ = db.QueryRow("PRAGMA " + pragma).Scan(&ignored)
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// --- Execution snapshots ---

func (s *LibSQLStore) SaveState(ctx context.Context, executionID string, snapshot []byte) error {
	if err := validSnapshot(executionID, snapshot); err != nil {
		return err
	}
	sum := summarize(executionID, snapshot)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_states (execution_id, workflow_id, status, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET workflow_id=excluded.workflow_id, status=excluded.status,
		   snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		executionID, sum.WorkflowID, sum.Status, string(snapshot), timeOrNow(sum.SavedAt),
	)
	if err != nil {
		return storeError("save execution "+executionID, err)
	}
	return nil
}

func (s *LibSQLStore) LoadState(ctx context.Context, executionID string) ([]byte, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM execution_states WHERE execution_id = ?`, executionID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", executionID)
	}
	if err != nil {
		return nil, storeError("load execution "+executionID, err)
	}
	return []byte(snapshot), nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error) {
	var w conditions
	w.eq("workflow_id", filter.WorkflowID)
	w.eq("status", filter.Status)

	query := "SELECT execution_id, workflow_id, status, updated_at FROM execution_states" +
		w.sql() + " ORDER BY updated_at DESC, execution_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return collect(ctx, s.db, "list executions", query, w.args, func(rows *sql.Rows) (*ExecutionSummary, error) {
		sum := &ExecutionSummary{}
		return sum, rows.Scan(&sum.ExecutionID, &sum.WorkflowID, &sum.Status, &sum.SavedAt)
	})
}

// --- Workflows ---

func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, category, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.Category, string(def), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		return storeError("put workflow "+wf.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow "+id, err)
	}
	return decodeWorkflow(id, []byte(def))
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeError("delete workflow "+id, err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var w conditions
	w.eq("category", filter.Category)
	query := "SELECT id, definition FROM workflows" + w.sql() + " ORDER BY created_at, id"

	return collect(ctx, s.db, "list workflows", query, w.args, func(rows *sql.Rows) (*schema.Workflow, error) {
		var id, def string
		if err := rows.Scan(&id, &def); err != nil {
			return nil, err
		}
		return decodeWorkflow(id, []byte(def))
	})
}

// --- Helpers ---

// conditions accumulates equality filters; empty values are skipped.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) eq(column, value string) {
	if value == "" {
		return
	}
	c.clauses = append(c.clauses, column+" = ?")
	c.args = append(c.args, value)
}

func (c *conditions) sql() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// collect runs query and maps every row with scan.
func collect[T any](ctx context.Context, db *sql.DB, op, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			var typed *schema.Error
			if errors.As(err, &typed) {
				return nil, err
			}
			return nil, storeError(op, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
