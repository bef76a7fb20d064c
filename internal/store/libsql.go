package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/labelmint/flow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, applies
// connection PRAGMAs, and runs pending migrations. The path should be a
// file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	input, err := marshalMap(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	variables, err := marshalMap(exec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, input, variables, error, failed_node, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), input, variables,
		nullStr(exec.Error), nullStr(exec.FailedNode), timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}

	status := exec.Status
	if update.Status != nil {
		status = *update.Status
	}
	variables := exec.Variables
	if update.Variables != nil {
		variables = update.Variables
	}
	errMsg := exec.Error
	if update.Error != "" {
		errMsg = update.Error
	}
	failedNode := exec.FailedNode
	if update.FailedNode != "" {
		failedNode = update.FailedNode
	}
	startedAt := exec.StartedAt
	if update.StartedAt != nil {
		startedAt = *update.StartedAt
	}
	completedAt := exec.CompletedAt
	if update.CompletedAt != nil {
		completedAt = update.CompletedAt
	}

	varsJSON, err := marshalMap(variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, variables = ?, error = ?, failed_node = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), varsJSON, nullStr(errMsg), nullStr(failedNode), startedAt, nullTime(completedAt), id,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update execution").WithCause(err)
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	exec := &schema.WorkflowExecution{}
	var (
		status             string
		input, variables   sql.NullString
		errMsg, failedNode sql.NullString
		completedAt        sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, input, variables, error, failed_node, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.WorkflowID, &status, &input, &variables, &errMsg, &failedNode, &exec.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get execution").WithCause(err)
	}

	exec.Status = schema.ExecutionStatus(status)
	exec.Input = unmarshalMap(input)
	exec.Variables = unmarshalMap(variables)
	exec.Error = errMsg.String
	exec.FailedNode = failedNode.String
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}

	nodes, err := s.ListNodeExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Nodes = nodes
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	query := `SELECT id FROM executions WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*schema.WorkflowExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// --- Node executions ---

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error {
	input, err := marshalMap(ne.Input)
	if err != nil {
		return fmt.Errorf("marshal node input: %w", err)
	}
	output, err := marshalMap(ne.Output)
	if err != nil {
		return fmt.Errorf("marshal node output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, execution_id, node_id, status, attempts, input, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, input=excluded.input,
		   output=excluded.output, error=excluded.error, started_at=excluded.started_at,
		   completed_at=excluded.completed_at`,
		ne.ID, ne.ExecutionID, ne.NodeID, string(ne.Status), ne.Attempts,
		input, output, nullStr(ne.Error), nullTime(ne.StartedAt), nullTime(ne.CompletedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "upsert node execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, status, attempts, input, output, error, started_at, completed_at
		 FROM node_executions WHERE execution_id = ? ORDER BY node_id`, executionID,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list node executions").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.NodeExecution
	for rows.Next() {
		ne := &schema.NodeExecution{}
		var (
			status                 string
			input, output, errMsg  sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &status, &ne.Attempts,
			&input, &output, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		ne.Status = schema.NodeStatus(status)
		ne.Input = unmarshalMap(input)
		ne.Output = unmarshalMap(output)
		ne.Error = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time
			ne.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			ne.CompletedAt = &t
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing
// per-execution sequence inside one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// GetEvents returns events with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get events").WithCause(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

var _ Store = (*LibSQLStore)(nil)
