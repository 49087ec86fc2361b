package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/breez/data-mirror/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteStateStorage struct {
	db *sql.DB
}

func NewSQLiteStateStorage(file string) (*SQLiteStateStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// a single connection serializes writers and keeps in-memory databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: "state_schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationSource, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationSource, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteStateStorage{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStateStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStateStorage) GetCursor(ctx context.Context, scope string) (*store.Cursor, error) {
	var token, updatedAt string
	err := s.db.QueryRowContext(ctx, "SELECT token, updated_at FROM sync_cursors WHERE scope = ?", scope).Scan(&token, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	ts, err := store.ParseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cursor timestamp: %w", err)
	}
	return &store.Cursor{Scope: scope, Token: token, UpdatedAt: ts}, nil
}

func (s *SQLiteStateStorage) PutCursor(ctx context.Context, scope, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (scope, token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		scope, token, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStateStorage) ResetCursor(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_cursors WHERE scope = ?", scope); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStateStorage) ListCursors(ctx context.Context) ([]store.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT scope, token, updated_at FROM sync_cursors ORDER BY scope")
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	cursors := make([]store.Cursor, 0)
	for rows.Next() {
		var c store.Cursor
		var updatedAt string
		if err := rows.Scan(&c.Scope, &c.Token, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		if c.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse cursor timestamp: %w", err)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

func (s *SQLiteStateStorage) GetMapping(ctx context.Context, scope, id string) (*store.Mapping, error) {
	m := store.Mapping{Scope: scope, ID: id}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT locator, token, content_hash, updated_at FROM record_mappings WHERE scope = ? AND id = ?",
		scope, id).Scan(&m.Locator, &m.Token, &m.ContentHash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	if m.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse mapping timestamp: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStateStorage) PutMapping(ctx context.Context, m store.Mapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_mappings (scope, id, locator, token, content_hash, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, id) DO UPDATE SET
		   locator = excluded.locator,
		   token = excluded.token,
		   content_hash = excluded.content_hash,
		   updated_at = excluded.updated_at`,
		m.Scope, m.ID, m.Locator, m.Token, m.ContentHash, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStateStorage) DeleteMapping(ctx context.Context, scope, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM record_mappings WHERE scope = ? AND id = ?", scope, id); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStateStorage) CountMappings(ctx context.Context, scope string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM record_mappings WHERE scope = ?", scope).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}
