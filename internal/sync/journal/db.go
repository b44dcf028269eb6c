package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the local run journal
type DB struct {
	db *sql.DB
}

// Open opens or creates the journal at path
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	instance := &DB{db: db}
	if err := instance.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return instance, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	observed_at TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	scopes INTEGER NOT NULL DEFAULT 0,
	records INTEGER NOT NULL DEFAULT 0,
	upserted INTEGER NOT NULL DEFAULT 0,
	failed_items INTEGER NOT NULL DEFAULT 0,
	tombstoned INTEGER NOT NULL DEFAULT 0,
	skip_reason TEXT,
	error_code TEXT,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS run_scopes (
	run_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0,
	records INTEGER NOT NULL DEFAULT 0,
	dropped INTEGER NOT NULL DEFAULT 0,
	malformed INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	PRIMARY KEY (run_id, scope),
	FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS downloads (
	folder TEXT NOT NULL,
	name TEXT NOT NULL,
	file_id TEXT,
	size INTEGER NOT NULL DEFAULT 0,
	downloaded_at INTEGER NOT NULL,
	processed_at INTEGER,
	PRIMARY KEY (folder, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
