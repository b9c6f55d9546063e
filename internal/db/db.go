package db

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

type Config struct {
	Path string
}

// Open opens the SQLite database at cfg.Path and applies pending migrations.
// The pool is limited to one connection so every transaction is serialized.
func Open(cfg Config) (*sql.DB, error) {
	dsn := cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL"
	if cfg.Path == ":memory:" {
		dsn = ":memory:"
	}

	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	if err := runMigrations(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

type Migration struct {
	Version string
	SQL     string
}

var migrations = []Migration{
	{
		Version: "001_print_jobs",
		SQL: `
			CREATE TABLE IF NOT EXISTS print_jobs (
				seq          INTEGER PRIMARY KEY AUTOINCREMENT,
				id           TEXT NOT NULL UNIQUE,
				amount       REAL NOT NULL DEFAULT 0,
				currency     TEXT NOT NULL DEFAULT '',
				prefix_lines TEXT NOT NULL DEFAULT '[]',
				suffix_lines TEXT NOT NULL DEFAULT '[]',
				items        TEXT NOT NULL DEFAULT '[]',
				source_ip    TEXT NOT NULL DEFAULT '',
				operator_id  TEXT NOT NULL DEFAULT '',
				is_fiscal    INTEGER NOT NULL DEFAULT 0,
				status       TEXT NOT NULL DEFAULT 'PRINTING',
				dispatch_seq INTEGER NOT NULL DEFAULT 0,
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_print_jobs_status      ON print_jobs(status, dispatch_seq);
			CREATE INDEX IF NOT EXISTS idx_print_jobs_source_ip   ON print_jobs(source_ip);
			CREATE INDEX IF NOT EXISTS idx_print_jobs_operator_id ON print_jobs(operator_id);
			CREATE INDEX IF NOT EXISTS idx_print_jobs_updated_at  ON print_jobs(updated_at);
		`,
	},
	{
		Version: "002_dispatch_sequence",
		SQL: `
			CREATE TABLE IF NOT EXISTS dispatch_sequence (
				id    INTEGER PRIMARY KEY CHECK (id = 1),
				value INTEGER NOT NULL
			);
			INSERT OR IGNORE INTO dispatch_sequence (id, value)
				SELECT 1, COALESCE(MAX(dispatch_seq), 0) FROM print_jobs;
		`,
	},
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	pending := make([]Migration, len(migrations))
	copy(pending, migrations)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})

	for _, m := range pending {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}

	return nil
}
