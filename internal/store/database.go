package store

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// openDatabase opens the database and creates tables.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hubs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',
		online INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT,
		firmware_version TEXT,
		hardware_version TEXT,
		mac_address TEXT,
		created_at TEXT DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		hub_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		connected INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		updated_at TEXT,
		FOREIGN KEY (hub_id) REFERENCES hubs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_printers_hub ON printers(hub_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		printer_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		started_at TEXT,
		updated_at TEXT,
		FOREIGN KEY (printer_id) REFERENCES printers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_printer_started ON jobs(printer_id, started_at);

	CREATE TABLE IF NOT EXISTS hub_sessions (
		hub_id TEXT PRIMARY KEY,
		tenant_id TEXT,
		secret TEXT,
		authenticated INTEGER NOT NULL DEFAULT 0,
		connected_at TEXT,
		last_message_at TEXT,
		firmware_version TEXT
	);

	CREATE TABLE IF NOT EXISTS hub_discoveries (
		hub_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		discovered_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hub_id TEXT NOT NULL,
		command_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'sent',
		error TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_command_log_hub ON command_log(hub_id);
	CREATE INDEX IF NOT EXISTS idx_command_log_command ON command_log(command_id);
	`

	_, err := db.Exec(schema)
	return err
}
