package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rexec/internal/types"
)

const executionColumns = `seq, id, template_id, host_id, parameters, exit_code, stdout, stderr, duration_ns, outcome, error_kind, error_message, started_at, prev_hash, hash`

// AppendExecution adds a record to the history in one transaction. build receives the
// hash of the newest stored record ("" for the first) and returns the complete record to
// insert. The assigned sequence number is set on the returned record.
func (db *DB) AppendExecution(ctx context.Context, build func(prevHash string) (types.Execution, error)) (types.Execution, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Execution{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prev, err := lastHash(ctx, tx)
	if err != nil {
		return types.Execution{}, err
	}
	e, err := build(prev)
	if err != nil {
		return types.Execution{}, err
	}

	var params sql.NullString
	if e.Parameters != nil {
		b, err := json.Marshal(e.Parameters)
		if err != nil {
			return types.Execution{}, fmt.Errorf("encode parameters: %w", err)
		}
		params = sql.NullString{String: string(b), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
	INSERT INTO executions (id, template_id, host_id, parameters, exit_code, stdout, stderr, duration_ns, outcome, error_kind, error_message, started_at, prev_hash, hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TemplateID, e.HostID, params, e.ExitCode, e.Stdout, e.Stderr, int64(e.Duration),
		string(e.Outcome), string(e.ErrorKind), e.ErrorMessage, FormatTime(e.StartedAt), e.PrevHash, e.Hash)
	if err != nil {
		return types.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return types.Execution{}, fmt.Errorf("execution seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Execution{}, fmt.Errorf("commit execution: %w", err)
	}
	return e, nil
}

func lastHash(ctx context.Context, q queryContext) (string, error) {
	var h string
	err := q.QueryRowContext(ctx, `SELECT hash FROM executions ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return h, nil
}

// FormatTime is the stored (and hashed) form of a record timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanExecution(row interface{ Scan(...any) error }) (types.Execution, error) {
	var e types.Execution
	var params sql.NullString
	var duration int64
	var outcome, kind, started string
	err := row.Scan(&e.Seq, &e.ID, &e.TemplateID, &e.HostID, &params, &e.ExitCode, &e.Stdout, &e.Stderr,
		&duration, &outcome, &kind, &e.ErrorMessage, &started, &e.PrevHash, &e.Hash)
	if err != nil {
		return e, err
	}
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &e.Parameters); err != nil {
			return e, fmt.Errorf("decode parameters of %s: %w", e.ID, err)
		}
	}
	e.Duration = time.Duration(duration)
	e.Outcome = types.Outcome(outcome)
	e.ErrorKind = types.ErrorKind(kind)
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return e, fmt.Errorf("decode started_at of %s: %w", e.ID, err)
	}
	return e, nil
}

// GetExecution returns one record by id.
func (db *DB) GetExecution(ctx context.Context, id string) (types.Execution, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	HostID     string
	TemplateID string
	Limit      int
}

// ListExecutions returns matching records, newest first.
func (db *DB) ListExecutions(ctx context.Context, f ExecutionFilter) ([]types.Execution, error) {
	var where []string
	var args []any
	if f.HostID != "" {
		where = append(where, "host_id = ?")
		args = append(args, f.HostID)
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []types.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WalkExecutions calls fn for every record in insertion order and stops at the first
// error fn returns. fn must not use db: the single connection is busy until the walk ends.
func (db *DB) WalkExecutions(ctx context.Context, fn func(types.Execution) error) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("walk executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return fmt.Errorf("scan execution: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
