package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// DatabaseFileName is the SQLite file shared by every room under a root.
const DatabaseFileName = "messages.db"

// openSQLite opens path with WAL journaling, NORMAL sync, a busy timeout for
// cross-process writers, and IMMEDIATE transactions so that read-then-write
// sequences never deadlock on lock upgrade.
func openSQLite(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// migrate creates the schema when absent. It runs in one transaction and is
// safe to call on every open.
func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}
	if version >= SchemaVersion {
		return nil
	}

	if err := createTables(ctx, tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(ctx, tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func createTables(ctx context.Context, tx *sql.Tx) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			room      TEXT NOT NULL,
			sender    TEXT NOT NULL,
			type      TEXT NOT NULL DEFAULT 'MSG',
			content   TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			recipient TEXT,
			metadata  TEXT
		)`,

		// Last-read id per (reader, room)
		`CREATE TABLE IF NOT EXISTS cursors (
			reader     TEXT NOT NULL,
			room       TEXT NOT NULL,
			last_id    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (reader, room)
		)`,

		`CREATE TABLE IF NOT EXISTS pending (
			reader   TEXT NOT NULL,
			room     TEXT NOT NULL,
			start_id INTEGER NOT NULL,
			end_id   INTEGER NOT NULL,
			PRIMARY KEY (reader, room)
		)`,
	}

	for _, stmt := range tables {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(ctx context.Context, tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient)`,
	}

	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
