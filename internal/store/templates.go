package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rexec/internal/types"
)

const templateColumns = `id, name, category, command, description, host_kinds, params, timeout_seconds, confirm`

// UpsertTemplate inserts or updates t, assigning an id when it has none.
func (db *DB) UpsertTemplate(ctx context.Context, t *types.CommandTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	kinds, err := json.Marshal(t.HostKinds)
	if err != nil {
		return fmt.Errorf("encode host kinds: %w", err)
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	query := `
	INSERT INTO templates (id, name, category, command, description, host_kinds, params, timeout_seconds, confirm, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		command = excluded.command,
		description = excluded.description,
		host_kinds = excluded.host_kinds,
		params = excluded.params,
		timeout_seconds = excluded.timeout_seconds,
		confirm = excluded.confirm,
		updated_at = excluded.updated_at
	`
	_, err = db.conn.ExecContext(ctx, query, t.ID, t.Name, t.Category, t.Command, t.Description,
		string(kinds), string(params), t.TimeoutSeconds, t.Confirm, time.Now().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("template %s: %w", t.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func scanTemplate(row interface{ Scan(...any) error }) (types.CommandTemplate, error) {
	var t types.CommandTemplate
	var kinds, params string
	err := row.Scan(&t.ID, &t.Name, &t.Category, &t.Command, &t.Description, &kinds, &params,
		&t.TimeoutSeconds, &t.Confirm)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(kinds), &t.HostKinds); err != nil {
		return t, fmt.Errorf("decode host kinds of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return t, fmt.Errorf("decode params of %s: %w", t.ID, err)
	}
	return t, nil
}

// GetTemplate returns the template with the given id.
func (db *DB) GetTemplate(ctx context.Context, id string) (types.CommandTemplate, error) {
	return db.templateWhere(ctx, "id = ?", id)
}

// FindTemplate looks a template up by id, then by name.
func (db *DB) FindTemplate(ctx context.Context, ref string) (types.CommandTemplate, error) {
	t, err := db.templateWhere(ctx, "id = ?", ref)
	if errors.Is(err, ErrNotFound) {
		return db.templateWhere(ctx, "name = ?", ref)
	}
	return t, err
}

func (db *DB) templateWhere(ctx context.Context, where string, arg any) (types.CommandTemplate, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE `+where, arg)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("template %q: %w", arg, ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// ListTemplates returns all templates ordered by category and name.
func (db *DB) ListTemplates(ctx context.Context) ([]types.CommandTemplate, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []types.CommandTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
