// Package sqlite implements the persistent store over an embedded SQLite
// database file. All durable state of the automaton lives here; schema
// evolution is a linear migration sequence tracked in PRAGMA user_version.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

var migrations = []string{
	// 1: identity, sessions, turns, tool calls, kv.
	`CREATE TABLE identity (
		wallet_address  TEXT PRIMARY KEY,
		creator_address TEXT NOT NULL,
		genesis_prompt  TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE TABLE sessions (
		id         TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		ended_at   TIMESTAMP
	);
	CREATE UNIQUE INDEX sessions_one_open ON sessions (ended_at) WHERE ended_at IS NULL;
	CREATE TABLE turns (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL REFERENCES sessions(id),
		turn_index        INTEGER NOT NULL,
		tier              TEXT NOT NULL,
		model_id          TEXT NOT NULL DEFAULT '',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		credit_delta      INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		error             TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL,
		UNIQUE (session_id, turn_index)
	);
	CREATE TABLE tool_calls (
		id          TEXT PRIMARY KEY,
		turn_id     TEXT NOT NULL REFERENCES turns(id),
		seq         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		input       TEXT NOT NULL DEFAULT '{}',
		output      TEXT NOT NULL DEFAULT '',
		exit_code   INTEGER NOT NULL DEFAULT 0,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		UNIQUE (turn_id, seq)
	);
	CREATE TABLE kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
	// 2: model registry.
	`CREATE TABLE model_registry (
		model_id           TEXT PRIMARY KEY,
		provider           TEXT NOT NULL,
		display_name       TEXT NOT NULL DEFAULT '',
		tier_minimum       TEXT NOT NULL DEFAULT 'normal',
		input_cost_per_1k  REAL NOT NULL DEFAULT 0,
		output_cost_per_1k REAL NOT NULL DEFAULT 0,
		max_tokens         INTEGER NOT NULL DEFAULT 4096,
		context_window     INTEGER NOT NULL DEFAULT 128000,
		supports_tools     INTEGER NOT NULL DEFAULT 1,
		supports_vision    INTEGER NOT NULL DEFAULT 0,
		param_style        TEXT NOT NULL DEFAULT 'max_tokens',
		enabled            INTEGER NOT NULL DEFAULT 1,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	);
	CREATE INDEX model_registry_provider ON model_registry (provider, enabled);`,
	// 3: children and lifecycle events.
	`CREATE TABLE children (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		address        TEXT NOT NULL,
		sandbox_id     TEXT NOT NULL,
		genesis_prompt TEXT NOT NULL,
		status         TEXT NOT NULL,
		created_at     TIMESTAMP NOT NULL
	);
	CREATE TABLE lifecycle_events (
		child_id   TEXT NOT NULL REFERENCES children(id),
		seq        INTEGER NOT NULL,
		transition TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		at         TIMESTAMP NOT NULL,
		PRIMARY KEY (child_id, seq)
	);
	CREATE INDEX children_status_age ON children (status, created_at, id);`,
	// 4: one open session at most. The index must key a constant
	// expression: NULL ended_at values never collide with each other.
	`DROP INDEX sessions_one_open;
	CREATE UNIQUE INDEX sessions_one_open ON sessions ((1)) WHERE ended_at IS NULL;`,
}

// Open opens (creating if necessary) the database at path and applies any
// missing migration step in order. A failed migration is fatal.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open path=%s: %w: %v", path, domain.ErrFatal, err)
	}
	// The store is accessed from one task at a time; a single connection
	// keeps transaction semantics simple and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("op=sqlite.Open pragma: %w: %v", domain.ErrFatal, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("op=sqlite.migrate read version: %w: %v", domain.ErrFatal, err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("op=sqlite.migrate step=%d: %w: %v", i+1, domain.ErrFatal, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("op=sqlite.migrate step=%d: %w: %v", i+1, domain.ErrFatal, err)
		}
		// PRAGMA cannot be parameterised; the value is an internal constant.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("op=sqlite.migrate step=%d: %w: %v", i+1, domain.ErrFatal, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("op=sqlite.migrate step=%d: %w: %v", i+1, domain.ErrFatal, err)
		}
	}
	return nil
}
