package recordstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool for the Postgres-backed store.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps records in a table with key as its primary key.
// Uniqueness rides on the primary key; the database serializes writers, so
// no advisory file lock is involved.
//
// Expected schema: key text primary key, source_url text, title text,
// artifact_uri text, content_hash text, status text, completed_at
// timestamptz.
type PostgresStore struct {
	pool  pgxQuerier
	table string
}

// NewPostgresStore connects a pool and returns the store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("recordstore.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxQuerier, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// ReadAll returns every record, ordered by key.
func (s *PostgresStore) ReadAll(ctx context.Context) ([]pipeline.RecordEntry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`
SELECT key, source_url, title, artifact_uri, content_hash, status, completed_at
FROM %s
ORDER BY key`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.RecordEntry
	for rows.Next() {
		var (
			e      pipeline.RecordEntry
			status string
		)
		if err := rows.Scan(&e.Key, &e.SourceURL, &e.Title, &e.ArtifactURI, &e.ContentHash, &status, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		e.Status = pipeline.ItemStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return entries, nil
}

// Upsert inserts entry or replaces the row sharing its normalized key.
func (s *PostgresStore) Upsert(ctx context.Context, entry pipeline.RecordEntry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	key, err := entryKey(entry)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	key,
	source_url,
	title,
	artifact_uri,
	content_hash,
	status,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (key) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	title = EXCLUDED.title,
	artifact_uri = EXCLUDED.artifact_uri,
	content_hash = EXCLUDED.content_hash,
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at`, s.table)

	args := []any{
		key,
		entry.SourceURL,
		entry.Title,
		entry.ArtifactURI,
		entry.ContentHash,
		string(entry.Status),
		entry.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// IsProcessed reports whether a done record exists for the URL.
func (s *PostgresStore) IsProcessed(ctx context.Context, rawKey string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("record store is not configured")
	}
	key, err := lookupKey(rawKey)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE key = $1 AND status = $2
)`, s.table)

	var processed bool
	if err := s.pool.QueryRow(ctx, query, key, string(pipeline.ItemStatusDone)).Scan(&processed); err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return processed, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
