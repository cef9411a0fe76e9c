package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: an in-memory database exists per connection, and a
	// load transaction must not wait on a second writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS olap_postings (
			source_hash TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			date_from TEXT NOT NULL,
			date_to TEXT NOT NULL,
			department TEXT NOT NULL,
			product_num TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			posting_time TEXT,
			amount_out REAL NOT NULL DEFAULT 0,
			amount_in REAL NOT NULL DEFAULT 0,
			sum_outgoing REAL NOT NULL DEFAULT 0,
			sum_incoming REAL NOT NULL DEFAULT 0,
			product_name TEXT NOT NULL DEFAULT '',
			product_category TEXT NOT NULL DEFAULT '',
			product_unit TEXT NOT NULL DEFAULT '',
			counter_account TEXT NOT NULL DEFAULT '',
			loaded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_olap_postings_period ON olap_postings(report_id, date_from, date_to)`,
		`CREATE INDEX IF NOT EXISTS idx_olap_postings_dates ON olap_postings(date_from, date_to)`,
		`CREATE INDEX IF NOT EXISTS idx_olap_postings_product ON olap_postings(product_num)`,

		`CREATE TABLE IF NOT EXISTS ingest_runs (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			date_from TEXT NOT NULL,
			date_to TEXT NOT NULL,
			source TEXT NOT NULL,
			source_checksum TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			scope TEXT NOT NULL,
			fetched INTEGER NOT NULL,
			normalized INTEGER NOT NULL,
			skipped TEXT NOT NULL,
			missing TEXT NOT NULL,
			batch_duplicates INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			inserted INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_runs_report ON ingest_runs(report_id, date_from, date_to)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}
