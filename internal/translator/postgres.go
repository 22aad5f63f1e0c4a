package translator

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore loads the code table from the error_codes table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS error_codes (
		code INTEGER PRIMARY KEY,
		class TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (map[int32]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, class FROM error_codes`)
	if err != nil {
		return nil, fmt.Errorf("query error codes: %w", err)
	}
	defer rows.Close()

	out := make(map[int32]string)
	for rows.Next() {
		var (
			code  int32
			class string
		)
		if err := rows.Scan(&code, &class); err != nil {
			return nil, fmt.Errorf("scan error code: %w", err)
		}
		out[code] = class
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error codes: %w", err)
	}
	return out, nil
}

// Put upserts one code mapping.
func (s *PostgresStore) Put(ctx context.Context, code int32, class string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_codes (code, class, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (code) DO UPDATE SET class = EXCLUDED.class, updated_at = NOW()
	`, code, class)
	if err != nil {
		return fmt.Errorf("put error code: %w", err)
	}
	return nil
}

// Delete removes one code mapping.
func (s *PostgresStore) Delete(ctx context.Context, code int32) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM error_codes WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete error code: %w", err)
	}
	return nil
}
