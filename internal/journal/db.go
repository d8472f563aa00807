// Package journal keeps a history of lifecycle operations in SQLite, using
// the pure-Go modernc.org/sqlite driver.
//
// The journal is write-mostly. Nothing reads instance state back from it;
// liveness always comes from PID files.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite journal database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the journal at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	jdb := &DB{db: db}
	if err := jdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return jdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS operations (
			id          TEXT PRIMARY KEY,
			instance    TEXT NOT NULL DEFAULT '',
			op          TEXT NOT NULL,
			outcome     TEXT NOT NULL DEFAULT 'running',
			detail      TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return err
	}
	_, err := d.db.Exec(`CREATE INDEX IF NOT EXISTS operations_instance ON operations (instance, started_at)`)
	return err
}
