// Package postgres persists finalized work records to Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "works"

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	RunID           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore upserts finalized records keyed by work URL. It satisfies
// crawler.RecordSink.
type RecordStore struct {
	pool  execCloser
	table string
	runID string
	clock crawler.Clock
}

// NewRecordStore opens a pool for cfg.DSN.
func NewRecordStore(ctx context.Context, cfg Config, clock crawler.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table, runID: cfg.RunID, clock: clock}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table, runID string, clock crawler.Clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name, runID: runID, clock: clock}, nil
}

// Write upserts one record. Unknown values are stored as NULL.
func (s *RecordStore) Write(ctx context.Context, rec crawler.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	c := rec.Candidate
	if c.URL == "" {
		return fmt.Errorf("record url is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url,
	run_id,
	title,
	star_count,
	total_character_count,
	first_published_at,
	tags,
	has_mature_notice,
	eligible,
	incomplete,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (url) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	title = EXCLUDED.title,
	star_count = EXCLUDED.star_count,
	total_character_count = EXCLUDED.total_character_count,
	first_published_at = EXCLUDED.first_published_at,
	tags = EXCLUDED.tags,
	has_mature_notice = EXCLUDED.has_mature_notice,
	eligible = EXCLUDED.eligible,
	incomplete = EXCLUDED.incomplete,
	recorded_at = EXCLUDED.recorded_at`, s.table)

	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	args := []any{
		c.URL,
		s.runID,
		c.Title,
		nullable(c.StarCount),
		nullable(c.TotalCharacterCount),
		nullable(c.FirstPublishedAt),
		tags,
		c.HasMatureNotice,
		rec.Eligible,
		rec.Incomplete,
		s.now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert work %s: %w", c.URL, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *RecordStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func nullable[T any](o crawler.Opt[T]) any {
	v, ok := o.Get()
	if !ok {
		return nil
	}
	return v
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
