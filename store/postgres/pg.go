package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/data-mirror/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgStateStorage struct {
	db *pgxpool.Pool
}

func NewPGStateStorage(databaseURL string) (*PgStateStorage, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, err
	}
	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgStateStorage{db: pgxPool}, nil
}

func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: "state_schema_migrations"})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationSource, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationSource, "data-mirror-state", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (s *PgStateStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgStateStorage) GetCursor(ctx context.Context, scope string) (*store.Cursor, error) {
	c := store.Cursor{Scope: scope}
	err := s.db.QueryRow(ctx, "SELECT token, updated_at FROM sync_cursors WHERE scope = $1", scope).Scan(&c.Token, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &c, nil
}

func (s *PgStateStorage) PutCursor(ctx context.Context, scope, token string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sync_cursors (scope, token, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (scope) DO UPDATE SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at`,
		scope, token)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *PgStateStorage) ResetCursor(ctx context.Context, scope string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM sync_cursors WHERE scope = $1", scope); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

func (s *PgStateStorage) ListCursors(ctx context.Context) ([]store.Cursor, error) {
	rows, err := s.db.Query(ctx, "SELECT scope, token, updated_at FROM sync_cursors ORDER BY scope")
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	cursors := make([]store.Cursor, 0)
	for rows.Next() {
		var c store.Cursor
		if err := rows.Scan(&c.Scope, &c.Token, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

func (s *PgStateStorage) GetMapping(ctx context.Context, scope, id string) (*store.Mapping, error) {
	m := store.Mapping{Scope: scope, ID: id}
	err := s.db.QueryRow(ctx,
		"SELECT locator, token, content_hash, updated_at FROM record_mappings WHERE scope = $1 AND id = $2",
		scope, id).Scan(&m.Locator, &m.Token, &m.ContentHash, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return &m, nil
}

func (s *PgStateStorage) PutMapping(ctx context.Context, m store.Mapping) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO record_mappings (scope, id, locator, token, content_hash, updated_at) VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (scope, id) DO UPDATE SET
		   locator = EXCLUDED.locator,
		   token = EXCLUDED.token,
		   content_hash = EXCLUDED.content_hash,
		   updated_at = EXCLUDED.updated_at`,
		m.Scope, m.ID, m.Locator, m.Token, m.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return nil
}

func (s *PgStateStorage) DeleteMapping(ctx context.Context, scope, id string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM record_mappings WHERE scope = $1 AND id = $2", scope, id); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

func (s *PgStateStorage) CountMappings(ctx context.Context, scope string) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM record_mappings WHERE scope = $1", scope).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}
