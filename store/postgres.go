package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/go-patch-history/patch"
)

// ConnectPostgres opens a pgx pool for dsn and checks it is reachable.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PostgresBackend opens one table per patch collection.
type PostgresBackend struct {
	Pool *pgxpool.Pool
}

func (b PostgresBackend) OpenPatches(ctx context.Context, collection string) (PatchStore, error) {
	return OpenPostgresPatchStore(ctx, b.Pool, collection)
}

// PostgresPatchStore is a PostgreSQL implementation of PatchStore. Append
// order is kept by a bigserial column.
type PostgresPatchStore struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgresPatchStore creates the patch table for collection if needed.
func OpenPostgresPatchStore(ctx context.Context, pool *pgxpool.Pool, collection string) (*PostgresPatchStore, error) {
	s := &PostgresPatchStore{
		pool:  pool,
		table: pgx.Identifier{collection}.Sanitize(),
	}
	index := pgx.Identifier{collection + "_ref_seq_idx"}.Sanitize()
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	ref        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	ops        JSONB NOT NULL,
	extra      JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS %s ON %s (ref, seq);`, s.table, index, s.table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create patch table %s: %w", s.table, err)
	}
	return s, nil
}

func (s *PostgresPatchStore) Append(ctx context.Context, ref string, ops []patch.Change, extra map[string]any) (*Patch, error) {
	p, err := newPatch(ref, ops, extra)
	if err != nil {
		return nil, err
	}
	opsJSON, err := json.Marshal(p.Ops)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ops: %w", err)
	}
	extraJSON := []byte("{}")
	if len(p.Extra) > 0 {
		if extraJSON, err = json.Marshal(p.Extra); err != nil {
			return nil, fmt.Errorf("failed to marshal extra fields: %w", err)
		}
	}

	sql := fmt.Sprintf(`INSERT INTO %s (id, ref, created_at, ops, extra) VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, sql, p.ID, p.Ref, p.CreatedAt, opsJSON, extraJSON); err != nil {
		return nil, fmt.Errorf("failed to append patch for %q: %w", ref, err)
	}
	return p, nil
}

func (s *PostgresPatchStore) FindByRef(ctx context.Context, ref string, order Order) ([]*Patch, error) {
	dir := "ASC"
	if order == Descending {
		dir = "DESC"
	}
	sql := fmt.Sprintf(`SELECT id::text, ref, created_at, ops, extra FROM %s WHERE ref = $1 ORDER BY seq %s`, s.table, dir)
	rows, err := s.pool.Query(ctx, sql, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list patches for %q: %w", ref, err)
	}
	defer rows.Close()

	var out []*Patch
	for rows.Next() {
		var (
			p         Patch
			opsJSON   []byte
			extraJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.Ref, &p.CreatedAt, &opsJSON, &extraJSON); err != nil {
			return nil, fmt.Errorf("failed to scan patch: %w", err)
		}
		if err := json.Unmarshal(opsJSON, &p.Ops); err != nil {
			return nil, fmt.Errorf("failed to decode ops of patch %s: %w", p.ID, err)
		}
		var extra map[string]any
		if err := json.Unmarshal(extraJSON, &extra); err != nil {
			return nil, fmt.Errorf("failed to decode extra fields of patch %s: %w", p.ID, err)
		}
		if len(extra) > 0 {
			p.Extra = extra
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresPatchStore) RemoveAllForRef(ctx context.Context, ref string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE ref = $1`, s.table)
	if _, err := s.pool.Exec(ctx, sql, ref); err != nil {
		return fmt.Errorf("failed to remove patches for %q: %w", ref, err)
	}
	return nil
}
