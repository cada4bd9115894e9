// Package sqlite opens the standalone, single-file activity store.
package sqlite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentengine/internal/store/sqlstore"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(path string) (*sqlstore.Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("activity store opened", "backend", "sqlite", "path", path)
	return sqlstore.New(db, sqlstore.DialectSQLite), nil
}

func migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			agent_name TEXT,
			cycle_number INTEGER NOT NULL,
			timestamp_us INTEGER NOT NULL,
			response_text TEXT,
			tool_calls TEXT,
			stop_reason TEXT,
			tokens INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK (status IN ('success', 'error', 'rate_limit')),
			error_message TEXT,
			extra_metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_activities_agent_ts ON agent_activities(agent_id, timestamp_us)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_activities_ts ON agent_activities(timestamp_us)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_activities_agent_cycle ON agent_activities(agent_id, cycle_number)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}
