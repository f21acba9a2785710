package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS cache_generations (
		name       TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		generation TEXT NOT NULL REFERENCES cache_generations(name) ON DELETE CASCADE,
		key        TEXT NOT NULL,
		entry      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (generation, key)
	)`,
}

// PostgresStorage keeps generations in two tables of a Postgres database
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage wraps pool and makes sure the schema exists
func NewPostgresStorage(ctx context.Context, pool *pgxpool.Pool) (*PostgresStorage, error) {
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create cache schema: %w", err)
		}
	}
	return &PostgresStorage{pool: pool}, nil
}

// Open implements Storage
func (p *PostgresStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cache_generations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return &pgStore{pool: p.pool, name: name}, nil
}

// Lookup implements Storage
func (p *PostgresStorage) Lookup(ctx context.Context, name string) (Store, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cache_generations WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup generation %s: %w", name, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &pgStore{pool: p.pool, name: name}, nil
}

// Delete implements Storage
func (p *PostgresStorage) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_generations WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Names implements Storage
func (p *PostgresStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM cache_generations ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type pgStore struct {
	pool *pgxpool.Pool
	name string
}

func (s *pgStore) Name() string { return s.name }

func (s *pgStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entry FROM cache_entries WHERE generation = $1 AND key = $2`, s.name, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &entry, true, nil
}

func (s *pgStore) Put(ctx context.Context, key string, entry *Entry) error {
	stored := *entry
	stored.Key = key
	raw, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cache_entries (generation, key, entry) VALUES ($1, $2, $3)
		ON CONFLICT (generation, key) DO UPDATE SET entry = EXCLUDED.entry, updated_at = now()`,
		s.name, key, raw)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *pgStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM cache_entries WHERE generation = $1 ORDER BY key`, s.name)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
