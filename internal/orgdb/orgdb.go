// Package orgdb is the durable organization directory: which organizations
// exist, who belongs to them, which day-states they define, and the rotation
// order of those states. The live scheduling state in the shared store
// references this data by id; commands validate against it before touching
// live keys.
package orgdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type DB struct {
	db *sql.DB
}

// Open opens or creates the directory database and applies the schema.
// Idempotent.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("orgdb: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("orgdb: open: %w", err)
	}
	// One writer at a time; sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("orgdb: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("orgdb: create schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS orgs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS org_users (
    org_id INTEGER NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    moderator INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS daystates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id INTEGER NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
    identifier TEXT NOT NULL,
    greeting TEXT NOT NULL DEFAULT '',
    seq_pos INTEGER,
    UNIQUE (org_id, identifier)
);

CREATE INDEX IF NOT EXISTS idx_daystates_org ON daystates(org_id);

CREATE TABLE IF NOT EXISTS passes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id INTEGER NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
    owner_id INTEGER REFERENCES users(id),
    state_id INTEGER REFERENCES daystates(id),
    spot_num INTEGER
);

CREATE INDEX IF NOT EXISTS idx_passes_org ON passes(org_id);
`

// CreateOrg registers an organization and returns its id.
func (d *DB) CreateOrg(ctx context.Context, name string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `INSERT INTO orgs (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("orgdb: create org %q: %w", name, err)
	}
	return res.LastInsertId()
}

// AddUser registers a user and returns their id.
func (d *DB) AddUser(ctx context.Context, email, name string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `INSERT INTO users (email, name) VALUES (?, ?)`, email, name)
	if err != nil {
		return 0, fmt.Errorf("orgdb: add user %q: %w", email, err)
	}
	return res.LastInsertId()
}

// JoinOrg adds a user to an organization, optionally as a moderator.
// Re-joining updates the moderator flag.
func (d *DB) JoinOrg(ctx context.Context, orgID, userID int64, moderator bool) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO org_users (org_id, user_id, moderator) VALUES (?, ?, ?)
		ON CONFLICT (org_id, user_id) DO UPDATE SET moderator = excluded.moderator`,
		orgID, userID, boolInt(moderator))
	if err != nil {
		return fmt.Errorf("orgdb: join org=%d user=%d: %w", orgID, userID, err)
	}
	return nil
}

// AddDaystate defines a day-state for an organization and returns its id.
// The state is not part of the rotation until SetDaystateSequence includes it.
func (d *DB) AddDaystate(ctx context.Context, orgID int64, identifier, greeting string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO daystates (org_id, identifier, greeting) VALUES (?, ?, ?)`,
		orgID, identifier, greeting)
	if err != nil {
		return 0, fmt.Errorf("orgdb: add daystate org=%d %q: %w", orgID, identifier, err)
	}
	return res.LastInsertId()
}

// AddPass registers a parking pass and returns its id.
func (d *DB) AddPass(ctx context.Context, orgID, ownerID, stateID int64, spotNum int) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO passes (org_id, owner_id, state_id, spot_num) VALUES (?, ?, ?, ?)`,
		orgID, ownerID, stateID, spotNum)
	if err != nil {
		return 0, fmt.Errorf("orgdb: add pass org=%d: %w", orgID, err)
	}
	return res.LastInsertId()
}

// DaystateExists reports whether a state id belongs to the organization.
func (d *DB) DaystateExists(ctx context.Context, orgID, stateID int64) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM daystates WHERE org_id = ? AND id = ?`, orgID, stateID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("orgdb: daystate exists org=%d state=%d: %w", orgID, stateID, err)
	}
	return true, nil
}

// DaystateSequence returns the organization's rotation, in order. States with
// no position are excluded.
func (d *DB) DaystateSequence(ctx context.Context, orgID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM daystates WHERE org_id = ? AND seq_pos IS NOT NULL ORDER BY seq_pos`, orgID)
	if err != nil {
		return nil, fmt.Errorf("orgdb: daystate sequence org=%d: %w", orgID, err)
	}
	defer rows.Close()

	var seq []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("orgdb: daystate sequence org=%d: %w", orgID, err)
		}
		seq = append(seq, id)
	}
	return seq, rows.Err()
}

// SetDaystateSequence replaces the organization's rotation order. Every id
// must name one of the organization's states; nothing is written otherwise.
func (d *DB) SetDaystateSequence(ctx context.Context, orgID int64, ids []int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orgdb: set sequence org=%d: %w", orgID, err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM daystates WHERE org_id = ? AND id = ?`, orgID, id).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("orgdb: set sequence org=%d: state %d not found", orgID, id)
		}
		if err != nil {
			return fmt.Errorf("orgdb: set sequence org=%d: %w", orgID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE daystates SET seq_pos = NULL WHERE org_id = ?`, orgID); err != nil {
		return fmt.Errorf("orgdb: set sequence org=%d: %w", orgID, err)
	}
	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE daystates SET seq_pos = ? WHERE org_id = ? AND id = ?`, pos, orgID, id); err != nil {
			return fmt.Errorf("orgdb: set sequence org=%d: %w", orgID, err)
		}
	}
	return tx.Commit()
}

// IsModerator reports whether a user moderates the organization.
func (d *DB) IsModerator(ctx context.Context, orgID, userID int64) (bool, error) {
	var moderator int
	err := d.db.QueryRowContext(ctx,
		`SELECT moderator FROM org_users WHERE org_id = ? AND user_id = ?`, orgID, userID).Scan(&moderator)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("orgdb: is moderator org=%d user=%d: %w", orgID, userID, err)
	}
	return moderator != 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
