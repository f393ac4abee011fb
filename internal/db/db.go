package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tphummel/panel_sync/internal/models"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// DB wraps a SQLite connection holding the server inventory.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and serializes
	// writers so concurrent upserts of one identifier cannot interleave.
	conn.SetMaxOpenConns(1)

	if err := setup(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

func setup(conn *sql.DB) error {
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			id               TEXT PRIMARY KEY,
			external_id      INTEGER NOT NULL DEFAULT 0,
			identifier       TEXT NOT NULL,
			uuid             TEXT NOT NULL DEFAULT '',
			name             TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'offline',
			suspended        INTEGER NOT NULL DEFAULT 0,
			memory_limit     INTEGER NOT NULL DEFAULT 0,
			disk_limit       INTEGER NOT NULL DEFAULT 0,
			cpu_limit        INTEGER NOT NULL DEFAULT 0,
			database_limit   INTEGER NOT NULL DEFAULT 0,
			backup_limit     INTEGER NOT NULL DEFAULT 0,
			allocation_limit INTEGER NOT NULL DEFAULT 0,
			node_id          INTEGER NOT NULL DEFAULT 0,
			allocation_ip    TEXT,
			allocation_port  INTEGER,
			allocation_alias TEXT,
			nest_id          INTEGER NOT NULL DEFAULT 0,
			egg_id           INTEGER NOT NULL DEFAULT 0,
			docker_image     TEXT NOT NULL DEFAULT '',
			startup_command  TEXT NOT NULL DEFAULT '',
			environment      TEXT NOT NULL DEFAULT '{}',
			external_user_id INTEGER,
			user_id          TEXT,
			cpu_usage        REAL NOT NULL DEFAULT 0,
			memory_usage     INTEGER NOT NULL DEFAULT 0,
			disk_usage       INTEGER NOT NULL DEFAULT 0,
			network_rx       INTEGER NOT NULL DEFAULT 0,
			network_tx       INTEGER NOT NULL DEFAULT 0,
			uptime           INTEGER NOT NULL DEFAULT 0,
			last_sync_at     DATETIME NOT NULL,
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_identifier ON servers(identifier);
		CREATE INDEX IF NOT EXISTS idx_servers_status ON servers(status);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

const columns = `id, external_id, identifier, uuid, name, description, status, suspended,
	memory_limit, disk_limit, cpu_limit, database_limit, backup_limit, allocation_limit,
	node_id, allocation_ip, allocation_port, allocation_alias,
	nest_id, egg_id, docker_image, startup_command, environment,
	external_user_id, user_id,
	cpu_usage, memory_usage, disk_usage, network_rx, network_tx, uptime,
	last_sync_at, created_at, updated_at`

// Upsert inserts r, or updates the row with the same identifier. On update
// the row keeps its id, created_at and disk_usage, and keeps its user_id
// unless r.UserID is set.
func (d *DB) Upsert(ctx context.Context, r *models.InventoryRow) error {
	env, err := json.Marshal(r.Environment)
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	if r.Environment == nil {
		env = []byte("{}")
	}

	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO servers (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			external_id=excluded.external_id,
			uuid=excluded.uuid,
			name=excluded.name,
			description=excluded.description,
			status=excluded.status,
			suspended=excluded.suspended,
			memory_limit=excluded.memory_limit,
			disk_limit=excluded.disk_limit,
			cpu_limit=excluded.cpu_limit,
			database_limit=excluded.database_limit,
			backup_limit=excluded.backup_limit,
			allocation_limit=excluded.allocation_limit,
			node_id=excluded.node_id,
			allocation_ip=excluded.allocation_ip,
			allocation_port=excluded.allocation_port,
			allocation_alias=excluded.allocation_alias,
			nest_id=excluded.nest_id,
			egg_id=excluded.egg_id,
			docker_image=excluded.docker_image,
			startup_command=excluded.startup_command,
			environment=excluded.environment,
			external_user_id=excluded.external_user_id,
			user_id=COALESCE(excluded.user_id, servers.user_id),
			cpu_usage=excluded.cpu_usage,
			memory_usage=excluded.memory_usage,
			network_rx=excluded.network_rx,
			network_tx=excluded.network_tx,
			uptime=excluded.uptime,
			last_sync_at=excluded.last_sync_at,
			updated_at=excluded.updated_at`,
		r.ID, r.ExternalID, r.Identifier, r.UUID, r.Name, r.Description, string(r.Status), r.Suspended,
		r.MemoryLimit, r.DiskLimit, r.CPULimit, r.DatabaseLimit, r.BackupLimit, r.AllocationLimit,
		r.NodeID, nullString(r.AllocationIP), nullInt(r.AllocationPort), nullString(r.AllocationAlias),
		r.NestID, r.EggID, r.DockerImage, r.StartupCommand, string(env),
		nullInt64(r.ExternalUserID), nullString(r.UserID),
		r.CPUUsage, r.MemoryUsage, r.DiskUsage, r.NetworkRx, r.NetworkTx, r.Uptime,
		r.LastSyncAt.UTC().Format(timeFormat),
		r.CreatedAt.UTC().Format(timeFormat),
		r.UpdatedAt.UTC().Format(timeFormat),
	)
	return err
}

// FindByIdentifier returns the row with the given identifier, or
// sql.ErrNoRows if not found.
func (d *DB) FindByIdentifier(ctx context.Context, identifier string) (*models.InventoryRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+columns+` FROM servers WHERE identifier = ?`, identifier)
	return scan(row)
}

// List returns all rows ordered by identifier, optionally filtered by status.
func (d *DB) List(ctx context.Context, status string) ([]*models.InventoryRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = d.conn.QueryContext(ctx, `SELECT `+columns+` FROM servers WHERE status = ? ORDER BY identifier`, status)
	} else {
		rows, err = d.conn.QueryContext(ctx, `SELECT `+columns+` FROM servers ORDER BY identifier`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.InventoryRow
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAll returns every row.
func (d *DB) ListAll(ctx context.Context) ([]*models.InventoryRow, error) {
	return d.List(ctx, "")
}

// Delete removes the row with the given identifier.
// Returns sql.ErrNoRows if no such row exists.
func (d *DB) Delete(ctx context.Context, identifier string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM servers WHERE identifier = ?`, identifier)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountByStatus returns the number of rows per status.
func (d *DB) CountByStatus() (map[string]int, error) {
	rows, err := d.conn.Query(`SELECT status, COUNT(*) FROM servers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.InventoryRow, error) {
	var (
		r                                models.InventoryRow
		status, env                      string
		allocIP, allocAlias, userID      sql.NullString
		allocPort, externalUserID        sql.NullInt64
		lastSyncAt, createdAt, updatedAt string
	)
	if err := s.Scan(
		&r.ID, &r.ExternalID, &r.Identifier, &r.UUID, &r.Name, &r.Description, &status, &r.Suspended,
		&r.MemoryLimit, &r.DiskLimit, &r.CPULimit, &r.DatabaseLimit, &r.BackupLimit, &r.AllocationLimit,
		&r.NodeID, &allocIP, &allocPort, &allocAlias,
		&r.NestID, &r.EggID, &r.DockerImage, &r.StartupCommand, &env,
		&externalUserID, &userID,
		&r.CPUUsage, &r.MemoryUsage, &r.DiskUsage, &r.NetworkRx, &r.NetworkTx, &r.Uptime,
		&lastSyncAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	r.Status = models.Status(status)
	if allocIP.Valid {
		r.AllocationIP = &allocIP.String
	}
	if allocAlias.Valid {
		r.AllocationAlias = &allocAlias.String
	}
	if userID.Valid {
		r.UserID = &userID.String
	}
	if allocPort.Valid {
		p := int(allocPort.Int64)
		r.AllocationPort = &p
	}
	if externalUserID.Valid {
		r.ExternalUserID = &externalUserID.Int64
	}
	if err := json.Unmarshal([]byte(env), &r.Environment); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	var err error
	if r.LastSyncAt, err = parseTime("last_sync_at", lastSyncAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func parseTime(col, v string) (time.Time, error) {
	t, err := time.Parse(timeFormat, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", col, v, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
