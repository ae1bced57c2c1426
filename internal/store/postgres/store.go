// Package postgres provides the Postgres destination store and run history.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store writes records into one table per kind, keyed by unique_key, with
// the record fields held in a JSONB column.
type Store struct {
	pool   pool
	logger *zap.Logger
	now    func() time.Time
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   p,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the record and run-history tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, kind := range crawler.Kinds {
		table, _ := store.TableFor(kind)
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	unique_key TEXT PRIMARY KEY,
	fields JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, table)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	if _, err := s.pool.Exec(ctx, runsSchema); err != nil {
		return fmt.Errorf("create table %s: %w", store.RunsTable, err)
	}
	s.logger.Debug("schema ensured")
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Upsert inserts the record or replaces its fields when unique_key exists.
// The xmax system column is zero only for freshly inserted tuples.
func (s *Store) Upsert(ctx context.Context, kind crawler.RecordKind, uniqueKey string, fields map[string]any) (crawler.UpsertResult, error) {
	table, ok := store.TableFor(kind)
	if !ok {
		return "", crawler.Conflict(fmt.Errorf("unknown kind %q", kind))
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", crawler.Conflict(fmt.Errorf("marshal fields: %w", err))
	}
	query, args, err := psql.Insert(table).
		Columns("unique_key", "fields", "updated_at").
		Values(uniqueKey, payload, s.now()).
		Suffix("ON CONFLICT (unique_key) DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at RETURNING (xmax = 0) AS inserted").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build upsert: %w", err)
	}

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&inserted); err != nil {
		return "", classify("upsert "+table, err)
	}
	if inserted {
		return crawler.UpsertInserted, nil
	}
	return crawler.UpsertUpdated, nil
}

// Select returns rows whose fields contain every filter entry. The filter key
// "unique_key" matches the key column.
func (s *Store) Select(ctx context.Context, kind crawler.RecordKind, filter map[string]any) ([]crawler.StoredRecord, error) {
	table, ok := store.TableFor(kind)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	builder := psql.Select("unique_key", "fields", "updated_at").From(table).OrderBy("unique_key")

	contains := make(map[string]any, len(filter))
	for name, value := range filter {
		if name == "unique_key" {
			continue
		}
		contains[name] = value
	}
	if len(contains) > 0 {
		doc, err := json.Marshal(contains)
		if err != nil {
			return nil, fmt.Errorf("marshal filter: %w", err)
		}
		builder = builder.Where("fields @> ?", doc)
	}
	if key, ok := filter["unique_key"]; ok {
		builder = builder.Where(sq.Eq{"unique_key": fmt.Sprint(key)})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("select "+table, err)
	}
	defer rows.Close()

	var out []crawler.StoredRecord
	for rows.Next() {
		var (
			rec crawler.StoredRecord
			raw []byte
		)
		if err := rows.Scan(&rec.UniqueKey, &raw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		if err := json.Unmarshal(raw, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode %s fields: %w", table, err)
		}
		rec.Kind = kind
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select "+table, err)
	}
	return out, nil
}

// classify tags driver errors so the sync stage can decide whether to retry.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			return crawler.Conflict(wrapped)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57P01":
			return crawler.Transient(wrapped)
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "53" || pgErr.Code[:2] == "08"):
			return crawler.Transient(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return crawler.Transient(wrapped)
	}
	return wrapped
}
