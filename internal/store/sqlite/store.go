// Package sqlite provides a single-file destination store and run history on
// modernc.org/sqlite, for local runs without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var validFieldName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store keeps one table per kind with fields serialized as JSON text.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open creates (or opens) the database at path and ensures the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := MemoryPath
	if path != MemoryPath {
		if path == "" {
			return nil, fmt.Errorf("store.dsn is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, kind := range crawler.Kinds {
		table, _ := store.TableFor(kind)
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	unique_key TEXT PRIMARY KEY,
	fields TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, table)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, runsSchema); err != nil {
		return fmt.Errorf("create table %s: %w", store.RunsTable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the fields stored under uniqueKey. The existence
// probe and the write share one transaction so the insert/update report is exact.
func (s *Store) Upsert(ctx context.Context, kind crawler.RecordKind, uniqueKey string, fields map[string]any) (crawler.UpsertResult, error) {
	table, ok := store.TableFor(kind)
	if !ok {
		return "", crawler.Conflict(fmt.Errorf("unknown kind %q", kind))
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", crawler.Conflict(fmt.Errorf("marshal fields: %w", err))
	}
	query, args, err := sq.Insert(table).
		Columns("unique_key", "fields", "updated_at").
		Values(uniqueKey, string(payload), s.now().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT (unique_key) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build upsert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table+" WHERE unique_key = ?", uniqueKey).Scan(&exists)
	if err != nil {
		return "", classify("probe "+table, err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", classify("upsert "+table, err)
	}
	if err := tx.Commit(); err != nil {
		return "", classify("commit", err)
	}
	if exists > 0 {
		return crawler.UpsertUpdated, nil
	}
	return crawler.UpsertInserted, nil
}

// Select returns records whose JSON fields equal every filter entry.
func (s *Store) Select(ctx context.Context, kind crawler.RecordKind, filter map[string]any) ([]crawler.StoredRecord, error) {
	table, ok := store.TableFor(kind)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	builder := sq.Select("unique_key", "fields", "updated_at").From(table).OrderBy("unique_key")

	names := make([]string, 0, len(filter))
	for name := range filter {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "unique_key" {
			builder = builder.Where(sq.Eq{"unique_key": fmt.Sprint(filter[name])})
			continue
		}
		if !validFieldName.MatchString(name) {
			return nil, fmt.Errorf("invalid filter field %q", name)
		}
		builder = builder.Where("json_extract(fields, '$."+name+"') = ?", filter[name])
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("select "+table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.StoredRecord
	for rows.Next() {
		var (
			rec     crawler.StoredRecord
			raw     string
			updated string
		)
		if err := rows.Scan(&rec.UniqueKey, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode %s fields: %w", table, err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("decode %s updated_at: %w", table, err)
		}
		rec.Kind = kind
		out = append(out, rec)
	}
	return out, rows.Err()
}

func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return crawler.Transient(wrapped)
		case sqlite3.SQLITE_CONSTRAINT:
			return crawler.Conflict(wrapped)
		}
	}
	return wrapped
}
