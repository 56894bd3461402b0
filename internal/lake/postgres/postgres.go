// Package postgres is a data-lake sink that appends rows as JSONB documents
// to per-table Postgres tables, partitioned by ingestion date.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/lake"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// DB is the subset of *pgxpool.Pool the sink needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Sink struct {
	db        DB
	schema    string
	batchSize int
	clock     clock.Clock

	mu      sync.Mutex
	created map[string]bool
}

type Option func(*Sink)

func WithSchema(schema string) Option {
	return func(s *Sink) {
		if schema != "" {
			s.schema = schema
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Sink) { s.clock = c }
}

func New(db DB, opts ...Option) *Sink {
	s := &Sink{
		db:        db,
		schema:    "finance_lake",
		batchSize: 200,
		clock:     clock.Real{},
		created:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPool connects to dsn with at most maxConns connections.
func OpenPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse lake dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect lake: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping lake: %w", err)
	}
	return pool, nil
}

// Path returns the storage path reported for a table partition.
func (s *Sink) Path(table string, t time.Time) string {
	return fmt.Sprintf("postgres://%s.%s/%s", s.schema, table, lake.Partition(t))
}

func (s *Sink) Store(ctx context.Context, table string, rows []record.Row) (string, error) {
	if err := lake.ValidTable(table); err != nil {
		return "", err
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	ident := pgx.Identifier{s.schema, table}.Sanitize()
	query := `INSERT INTO ` + ident + ` (payload, partition_date, ingested_at) VALUES ($1::jsonb, $2, $3)`

	total := 0
	for i := 0; i < len(rows); i += s.batchSize {
		j := min(i+s.batchSize, len(rows))
		b := &pgx.Batch{}
		for _, r := range rows[i:j] {
			payload, err := json.Marshal(r)
			if err != nil {
				return "", fmt.Errorf("encode row for %s: %w", table, err)
			}
			b.Queue(query, string(payload), day, now)
		}

		br := s.db.SendBatch(ctx, b)
		for k := 0; k < b.Len(); k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return "", fmt.Errorf("insert into %s: %w", table, err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return "", fmt.Errorf("close batch for %s: %w", table, err)
		}
	}

	path := s.Path(table, now)
	slog.Info("lake: stored rows", "table", table, "rows", total, "path", path)
	return path, nil
}

func (s *Sink) ensureTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[table] {
		return nil
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	ident := pgx.Identifier{s.schema, table}.Sanitize()
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + ident + ` (
			id             BIGSERIAL PRIMARY KEY,
			payload        JSONB       NOT NULL,
			partition_date DATE        NOT NULL,
			ingested_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{table + "_partition_idx"}.Sanitize() +
			` ON ` + ident + ` (partition_date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("prepare lake table %s: %w", table, err)
		}
	}
	s.created[table] = true
	return nil
}
