// Package postgres keeps the fact cache and completion ledger in Postgres so
// several hosts can share resumable crawl state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	FactsTable      string
	LedgerTable     string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements roster.FactBackend and roster.LedgerBackend.
type Store struct {
	pool        pool
	factsTable  string
	ledgerTable string
}

// New connects to Postgres and creates the state tables if they are missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.FactsTable, cfg.LedgerTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, factsTable, ledgerTable string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if factsTable == "" {
		factsTable = "roster_facts"
	}
	if ledgerTable == "" {
		ledgerTable = "roster_ledger"
	}
	for _, table := range []string{factsTable, ledgerTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: p, factsTable: factsTable, ledgerTable: ledgerTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the facts and ledger tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	player_id  TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	fact_text  TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.factsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	team        TEXT NOT NULL,
	season      INTEGER NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (team, season)
)`, s.ledgerTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LoadFacts reads every stored fact. Rows with an unknown state are corrupt.
func (s *Store) LoadFacts(ctx context.Context) (map[roster.FineTaskID]roster.FactValue, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT player_id, state, fact_text FROM %s`, s.factsTable))
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[roster.FineTaskID]roster.FactValue)
	for rows.Next() {
		var id, state, text string
		if err := rows.Scan(&id, &state, &text); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		parsed, err := roster.ParseFactState(state)
		if err != nil {
			return nil, fmt.Errorf("fact %q: %w: %w", id, err, roster.ErrCorruptState)
		}
		value := roster.FactValue{State: parsed, Text: text}
		if !value.Valid() || !value.Attempted() {
			return nil, fmt.Errorf("fact %q has invalid value: %w", id, roster.ErrCorruptState)
		}
		facts[roster.FineTaskID(id)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// SaveFacts replaces the stored facts with the given mapping in one transaction.
func (s *Store) SaveFacts(ctx context.Context, facts map[roster.FineTaskID]roster.FactValue) error {
	ids := make([]string, 0, len(facts))
	for id := range facts {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	states := make([]string, len(ids))
	texts := make([]string, len(ids))
	for i, id := range ids {
		value := facts[roster.FineTaskID(id)]
		states[i] = string(value.State)
		texts[i] = value.Text
	}

	insert := fmt.Sprintf(`INSERT INTO %s (player_id, state, fact_text)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[])`, s.factsTable)
	return s.replace(ctx, "facts", s.factsTable, len(ids), insert, ids, states, texts)
}

// LoadLedger reads every ledgered task.
func (s *Store) LoadLedger(ctx context.Context) ([]roster.CoarseTaskID, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT team, season FROM %s ORDER BY team, season`, s.ledgerTable))
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var tasks []roster.CoarseTaskID
	for rows.Next() {
		var task roster.CoarseTaskID
		if err := rows.Scan(&task.Team, &task.Year); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return tasks, nil
}

// SaveLedger replaces the stored ledger in one transaction.
func (s *Store) SaveLedger(ctx context.Context, tasks []roster.CoarseTaskID) error {
	sorted := append([]roster.CoarseTaskID(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	teams := make([]string, len(sorted))
	seasons := make([]int32, len(sorted))
	for i, task := range sorted {
		teams[i] = task.Team
		seasons[i] = int32(task.Year)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (team, season)
SELECT * FROM unnest($1::text[], $2::int[])`, s.ledgerTable)
	return s.replace(ctx, "ledger", s.ledgerTable, len(sorted), insert, teams, seasons)
}

func (s *Store) replace(ctx context.Context, what, table string, n int, insert string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", what, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return rollback(ctx, tx, fmt.Errorf("clear %s: %w", what, err))
	}
	if n > 0 {
		if _, err := tx.Exec(ctx, insert, args...); err != nil {
			return rollback(ctx, tx, fmt.Errorf("insert %s: %w", what, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", what, err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}
