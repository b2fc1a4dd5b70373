package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rexec/internal/types"
)

const hostColumns = `id, name, kind, address, port, username, elevation_mode, elevation_user, elevation_shell, status, status_checked`

// UpsertHost inserts or updates h, assigning an id when it has none. The stored status is
// kept on update. Returns ErrDuplicate when another host has the same address, port and
// username.
func (db *DB) UpsertHost(ctx context.Context, h *types.Host) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	mode := h.Elevation.Mode
	if mode == "" {
		mode = types.ElevationNone
	}
	query := `
	INSERT INTO hosts (id, name, kind, address, port, username, elevation_mode, elevation_user, elevation_shell, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		kind = excluded.kind,
		address = excluded.address,
		port = excluded.port,
		username = excluded.username,
		elevation_mode = excluded.elevation_mode,
		elevation_user = excluded.elevation_user,
		elevation_shell = excluded.elevation_shell,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query, h.ID, h.Name, string(h.Kind), h.Address, h.Port, h.Username,
		string(mode), h.Elevation.User, h.Elevation.Shell, time.Now().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("host %s (%s@%s): %w", h.Name, h.Username, h.Addr(), ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

func scanHost(row interface{ Scan(...any) error }) (types.Host, error) {
	var h types.Host
	var kind, mode, status string
	var checked sql.NullString
	err := row.Scan(&h.ID, &h.Name, &kind, &h.Address, &h.Port, &h.Username, &mode,
		&h.Elevation.User, &h.Elevation.Shell, &status, &checked)
	if err != nil {
		return h, err
	}
	h.Kind = types.HostKind(kind)
	h.Elevation.Mode = types.ElevationMode(mode)
	h.Status = types.HostStatus(status)
	if checked.Valid {
		h.StatusChecked, _ = time.Parse(time.RFC3339Nano, checked.String)
	}
	return h, nil
}

// GetHost returns the host with the given id.
func (db *DB) GetHost(ctx context.Context, id string) (types.Host, error) {
	return db.hostWhere(ctx, "id = ?", id)
}

// FindHost looks a host up by id, then by name.
func (db *DB) FindHost(ctx context.Context, ref string) (types.Host, error) {
	h, err := db.hostWhere(ctx, "id = ?", ref)
	if errors.Is(err, ErrNotFound) {
		return db.hostWhere(ctx, "name = ?", ref)
	}
	return h, err
}

func (db *DB) hostWhere(ctx context.Context, where string, arg any) (types.Host, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE `+where, arg)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("host %q: %w", arg, ErrNotFound)
	}
	if err != nil {
		return h, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

// ListHosts returns all hosts ordered by name.
func (db *DB) ListHosts(ctx context.Context) ([]types.Host, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []types.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// SetHostStatus records the outcome of a connection test. Last writer wins.
func (db *DB) SetHostStatus(ctx context.Context, id string, status types.HostStatus, checked time.Time) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE hosts SET status = ?, status_checked = ? WHERE id = ?`,
		string(status), checked.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set host status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteHost removes a host and its credential. Execution history is kept.
func (db *DB) DeleteHost(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %q: %w", id, ErrNotFound)
	}
	return nil
}

// PutCredential stores the sealed credential of a host, replacing any previous one.
func (db *DB) PutCredential(ctx context.Context, sc types.SealedCredential) error {
	query := `
	INSERT INTO credentials (host_id, password, private_key, passphrase, elevation_secret, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(host_id) DO UPDATE SET
		password = excluded.password,
		private_key = excluded.private_key,
		passphrase = excluded.passphrase,
		elevation_secret = excluded.elevation_secret,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query, sc.HostID, sc.Password, sc.PrivateKey, sc.Passphrase,
		sc.ElevationSecret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential returns the sealed credential of a host.
func (db *DB) GetCredential(ctx context.Context, hostID string) (types.SealedCredential, error) {
	sc := types.SealedCredential{HostID: hostID}
	err := db.conn.QueryRowContext(ctx,
		`SELECT password, private_key, passphrase, elevation_secret FROM credentials WHERE host_id = ?`, hostID,
	).Scan(&sc.Password, &sc.PrivateKey, &sc.Passphrase, &sc.ElevationSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, fmt.Errorf("credential for host %q: %w", hostID, ErrNotFound)
	}
	if err != nil {
		return sc, fmt.Errorf("get credential: %w", err)
	}
	return sc, nil
}
