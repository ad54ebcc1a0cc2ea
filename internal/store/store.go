package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrEmptyCode is returned when an item is added without a code.
var ErrEmptyCode = errors.New("catalog code must not be empty")

// Item is one catalog entry. Code is the decoded symbol payload.
type Item struct {
	Code      string
	Name      string
	Format    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store manages the PostgreSQL connection and catalog operations.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS catalog_items (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			format TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS catalog_items_name_idx ON catalog_items (name);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// Lookup returns the item registered under code. found is false when there is none.
func (s *Store) Lookup(ctx context.Context, code string) (item Item, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.conn.QueryRow(ctx, `
		SELECT code, name, format, created_at, updated_at
		FROM catalog_items WHERE code = $1
	`, strings.TrimSpace(code)).Scan(&item.Code, &item.Name, &item.Format, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

// Upsert registers code under name. An existing entry is renamed.
func (s *Store) Upsert(ctx context.Context, code, name, format string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO catalog_items (code, name, format)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, format = EXCLUDED.format, updated_at = NOW()
	`, code, name, format)
	return err
}

// List returns every item ordered by name.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT code, name, format, created_at, updated_at
		FROM catalog_items ORDER BY name ASC, code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Code, &it.Name, &it.Format, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Remove deletes the item registered under code. It reports whether a row was deleted.
func (s *Store) Remove(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, "DELETE FROM catalog_items WHERE code = $1", strings.TrimSpace(code))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS catalog_items CASCADE;`)
	return err
}
