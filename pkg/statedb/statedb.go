// Package statedb keeps the run-to-run state index in SQLite: the
// package-name alias map the resolver consults, the content-hash index the
// image pool de-duplicates against, and the append-only error capture log.
// The committed dataset itself is flat files (see pkg/dataset); this index
// only exists so repeated runs stay cheap.
package statedb

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vrdb/questmeta/pkg/catalog"
)

type DB struct {
	sql *sql.DB
}

// Open opens (and if needed creates) the state database.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS package_aliases (
  package       TEXT PRIMARY KEY,
  store_id      TEXT NOT NULL,
  first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_aliases_store ON package_aliases(store_id);
CREATE TABLE IF NOT EXISTS image_index (
  hash          TEXT PRIMARY KEY,
  first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS error_log (
  id          INTEGER PRIMARY KEY,
  occurred_at DATETIME NOT NULL,
  entity_id   TEXT NOT NULL,
  stage       TEXT NOT NULL,
  detail      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_errors_time ON error_log(occurred_at);
CREATE INDEX IF NOT EXISTS idx_errors_entity ON error_log(entity_id, occurred_at);
	`); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Aliases returns the full package → store-id map.
func (d *DB) Aliases(ctx context.Context) (map[string]string, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT package, store_id FROM package_aliases")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var pkg, id string
		if err := rows.Scan(&pkg, &id); err != nil {
			return nil, err
		}
		out[pkg] = id
	}
	return out, rows.Err()
}

// UpsertAlias records that a package name maps to a store id. An existing
// mapping is rewritten only if the id changed (the storefront occasionally
// re-homes a package under a new listing id).
func (d *DB) UpsertAlias(ctx context.Context, pkg, storeID string) error {
	if pkg == "" || storeID == "" {
		return nil
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO package_aliases(package, store_id) VALUES(?, ?)
ON CONFLICT(package) DO UPDATE SET store_id = excluded.store_id`, pkg, storeID)
	return err
}

// HasImage reports whether a content hash is already indexed.
func (d *DB) HasImage(ctx context.Context, hash string) (bool, error) {
	var one int
	err := d.sql.QueryRowContext(ctx, "SELECT 1 FROM image_index WHERE hash = ?", hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddImage indexes a content hash. Re-adding an existing hash is a no-op.
func (d *DB) AddImage(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	_, err := d.sql.ExecContext(ctx,
		"INSERT INTO image_index(hash) VALUES(?) ON CONFLICT(hash) DO NOTHING", hash)
	return err
}

// ErrorRecord is one captured stage failure.
type ErrorRecord struct {
	ID         int64
	OccurredAt time.Time
	EntityID   string
	Stage      catalog.Stage
	Detail     string
}

// RecordError appends a stage-tagged failure. Append order under the single
// writer connection is completion order, which is the only ordering the
// error log guarantees.
func (d *DB) RecordError(ctx context.Context, entityID string, stage catalog.Stage, detail string) error {
	_, err := d.sql.ExecContext(ctx,
		"INSERT INTO error_log(occurred_at, entity_id, stage, detail) VALUES(?, ?, ?, ?)",
		time.Now().UTC(), entityID, string(stage), detail)
	return err
}

// ListErrors returns captured errors newer than since, oldest first.
func (d *DB) ListErrors(ctx context.Context, since time.Time) ([]ErrorRecord, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT id, occurred_at, entity_id, stage, detail FROM error_log WHERE occurred_at >= ? ORDER BY id",
		since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		var stage string
		if err := rows.Scan(&r.ID, &r.OccurredAt, &r.EntityID, &stage, &r.Detail); err != nil {
			return nil, err
		}
		r.Stage = catalog.Stage(stage)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneErrors removes records older than the retention window, regardless
// of whether the associated entity still errors. Returns the removed count.
func (d *DB) PruneErrors(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := d.sql.ExecContext(ctx, "DELETE FROM error_log WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarizes the index for the status command.
type Stats struct {
	Aliases int
	Images  int
	Errors  int
}

func (d *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM package_aliases").Scan(&s.Aliases); err != nil {
		return s, err
	}
	if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM image_index").Scan(&s.Images); err != nil {
		return s, err
	}
	if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_log").Scan(&s.Errors); err != nil {
		return s, err
	}
	return s, nil
}
