// Package store persists the arena state: agents, the append-only
// hash-chained ledger, prediction markets, and the sidecar metrics table.
//
// Two drivers are supported: modernc.org/sqlite (pure Go — tests and local
// runs) and lib/pq for Postgres (DATABASE_URL). Queries are written with `?`
// bindvars and passed through Rebind so the same statements run on both.
//
// Monetary amounts are stored as canonical fixed-precision decimal TEXT and
// summed as decimals in Go; SQL float aggregation is never used.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sentinel errors. Callers branch with errors.Is.
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrMarketNotFound   = errors.New("market not found")
	ErrMarketClosed     = errors.New("market is not open")
	ErrDuplicateMarket  = errors.New("duplicate open market")
	ErrSequenceConflict = errors.New("ledger sequence conflict")
	ErrInvalidCriteria  = errors.New("invalid resolution criteria")
	ErrInvalidStake     = errors.New("stake must be positive")
	ErrChainCorrupted   = errors.New("ledger chain corrupted")
)

// Store wraps the database handle. Safe for concurrent use; per-agent write
// serialization is the tick engine's job, the (agent_id, sequence) unique
// constraint is the backstop.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the database named by url and applies the schema.
// Empty url opens a local arena.db sqlite file; ":memory:" an in-memory one.
func Open(url string, logger *slog.Logger) (*Store, error) {
	driver, dsn := parseURL(url)

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc sqlite tolerates one writer; a single pooled conn also
		// keeps :memory: databases from silently forking per connection.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(context.Background(), driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read paths that do not need a transaction.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// BeginTx opens a transaction. The tick engine scopes one per tick.
func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

func parseURL(url string) (driver, dsn string) {
	switch {
	case url == "":
		return "sqlite", "arena.db"
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://")
	default:
		return "sqlite", url
	}
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	handle         TEXT NOT NULL UNIQUE,
	status         TEXT NOT NULL,
	balance        TEXT NOT NULL,
	personality    TEXT NOT NULL DEFAULT '',
	last_action_at TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id        TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	amount          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	reference       TEXT NOT NULL,
	ts              TEXT NOT NULL,
	previous_digest TEXT NOT NULL,
	digest          TEXT NOT NULL,
	UNIQUE (agent_id, sequence)
);
CREATE TABLE IF NOT EXISTS markets (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	source      TEXT NOT NULL,
	criteria    TEXT NOT NULL,
	status      TEXT NOT NULL,
	bounty      TEXT NOT NULL,
	deadline    TEXT NOT NULL,
	outcome     TEXT,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
	id           TEXT PRIMARY KEY,
	market_id    TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	outcome_text TEXT NOT NULL,
	stake        TEXT NOT NULL,
	status       TEXT NOT NULL,
	payout       TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_metrics (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id                   TEXT NOT NULL,
	tick_id                    TEXT NOT NULL,
	ts                         TEXT NOT NULL,
	enforcement_mode           TEXT NOT NULL,
	outcome                    TEXT NOT NULL,
	phantom_entropy_fee        TEXT NOT NULL,
	would_have_been_liquidated INTEGER NOT NULL,
	balance_snapshot           TEXT NOT NULL,
	token_cost                 TEXT NOT NULL,
	prompt_tokens              INTEGER NOT NULL,
	completion_tokens          INTEGER NOT NULL,
	idle_streak                INTEGER NOT NULL,
	decision_density           REAL NOT NULL,
	extra                      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger (agent_id, sequence);
CREATE INDEX IF NOT EXISTS idx_predictions_market ON predictions (market_id);
CREATE INDEX IF NOT EXISTS idx_predictions_agent ON predictions (agent_id);
CREATE INDEX IF NOT EXISTS idx_metrics_agent ON agent_metrics (agent_id, ts);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	handle         TEXT NOT NULL UNIQUE,
	status         TEXT NOT NULL,
	balance        TEXT NOT NULL,
	personality    TEXT NOT NULL DEFAULT '',
	last_action_at TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger (
	id              BIGSERIAL PRIMARY KEY,
	agent_id        TEXT NOT NULL,
	sequence        BIGINT NOT NULL,
	amount          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	reference       TEXT NOT NULL,
	ts              TEXT NOT NULL,
	previous_digest TEXT NOT NULL,
	digest          TEXT NOT NULL,
	UNIQUE (agent_id, sequence)
);
CREATE TABLE IF NOT EXISTS markets (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	source      TEXT NOT NULL,
	criteria    TEXT NOT NULL,
	status      TEXT NOT NULL,
	bounty      TEXT NOT NULL,
	deadline    TEXT NOT NULL,
	outcome     TEXT,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
	id           TEXT PRIMARY KEY,
	market_id    TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	outcome_text TEXT NOT NULL,
	stake        TEXT NOT NULL,
	status       TEXT NOT NULL,
	payout       TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_metrics (
	id                         BIGSERIAL PRIMARY KEY,
	agent_id                   TEXT NOT NULL,
	tick_id                    TEXT NOT NULL,
	ts                         TEXT NOT NULL,
	enforcement_mode           TEXT NOT NULL,
	outcome                    TEXT NOT NULL,
	phantom_entropy_fee        TEXT NOT NULL,
	would_have_been_liquidated BOOLEAN NOT NULL,
	balance_snapshot           TEXT NOT NULL,
	token_cost                 TEXT NOT NULL,
	prompt_tokens              INTEGER NOT NULL,
	completion_tokens          INTEGER NOT NULL,
	idle_streak                INTEGER NOT NULL,
	decision_density           DOUBLE PRECISION NOT NULL,
	extra                      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger (agent_id, sequence);
CREATE INDEX IF NOT EXISTS idx_predictions_market ON predictions (market_id);
CREATE INDEX IF NOT EXISTS idx_predictions_agent ON predictions (agent_id);
CREATE INDEX IF NOT EXISTS idx_metrics_agent ON agent_metrics (agent_id, ts);
`

func (s *Store) migrate(ctx context.Context, driver string) error {
	schema := schemaSQLite
	if driver == "postgres" {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// isUniqueViolation detects constraint collisions across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// nullString converts a nullable column to its zero-value string.
func nullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
