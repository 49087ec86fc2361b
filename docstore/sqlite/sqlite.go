package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/data-mirror/docstore"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteDocumentStorage struct {
	db *sql.DB
}

func NewSQLiteDocumentStorage(file string) (*SQLiteDocumentStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: "document_schema_migrations"})
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
	return &SQLiteDocumentStorage{db: db}, nil
}

func (s *SQLiteDocumentStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteDocumentStorage) Create(ctx context.Context, collection string, doc docstore.StoredDocument) (docstore.StoredDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return doc, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkIdentifierFree(ctx, tx, collection, doc.Identifier, ""); err != nil {
		return doc, err
	}
	newRevision, err := bumpRevision(ctx, tx, collection)
	if err != nil {
		return doc, err
	}
	if doc.Locator == "" {
		doc.Locator = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (collection, locator, identifier, kind, body, hash, revision, deleted) VALUES (?, ?, ?, ?, ?, ?, ?, 0)",
		collection, doc.Locator, doc.Identifier, doc.Kind, body(doc.Body), doc.Hash, newRevision)
	if err != nil {
		return doc, fmt.Errorf("failed to insert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return doc, fmt.Errorf("failed to commit transaction: %w", err)
	}
	doc.Revision = newRevision
	doc.Deleted = false
	return doc, nil
}

func (s *SQLiteDocumentStorage) Update(ctx context.Context, collection, locator string, doc docstore.StoredDocument, expectedRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkLiveRevision(ctx, tx, collection, locator, expectedRevision); err != nil {
		return 0, err
	}
	if err := checkIdentifierFree(ctx, tx, collection, doc.Identifier, locator); err != nil {
		return 0, err
	}
	newRevision, err := bumpRevision(ctx, tx, collection)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE documents SET identifier = ?, kind = ?, body = ?, hash = ?, revision = ? WHERE collection = ? AND locator = ?",
		doc.Identifier, doc.Kind, body(doc.Body), doc.Hash, newRevision, collection, locator)
	if err != nil {
		return 0, fmt.Errorf("failed to update document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *SQLiteDocumentStorage) Delete(ctx context.Context, collection, locator string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkLiveRevision(ctx, tx, collection, locator, 0); err != nil {
		return 0, err
	}
	newRevision, err := bumpRevision(ctx, tx, collection)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE documents SET deleted = 1, body = x'', revision = ? WHERE collection = ? AND locator = ?",
		newRevision, collection, locator)
	if err != nil {
		return 0, fmt.Errorf("failed to delete document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *SQLiteDocumentStorage) FindByIdentifier(ctx context.Context, collection, identifier string) (*docstore.StoredDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT locator, identifier, kind, body, hash, revision, deleted FROM documents WHERE collection = ? AND identifier = ? AND deleted = 0",
		collection, identifier)
	return scanDocument(row)
}

func (s *SQLiteDocumentStorage) Get(ctx context.Context, collection, locator string) (*docstore.StoredDocument, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT locator, identifier, kind, body, hash, revision, deleted FROM documents WHERE collection = ? AND locator = ?",
		collection, locator)
	return scanDocument(row)
}

func (s *SQLiteDocumentStorage) ListChanges(ctx context.Context, collection string, sinceRevision int64) ([]docstore.StoredDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT locator, identifier, kind, body, hash, revision, deleted FROM documents WHERE collection = ? AND revision > ? ORDER BY revision",
		collection, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]docstore.StoredDocument, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*docstore.StoredDocument, error) {
	var doc docstore.StoredDocument
	err := row.Scan(&doc.Locator, &doc.Identifier, &doc.Kind, &doc.Body, &doc.Hash, &doc.Revision, &doc.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &doc, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx, collection string) (int64, error) {
	var newRevision int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO collection_revisions (collection, revision) VALUES (?, 1)
		 ON CONFLICT(collection) DO UPDATE SET revision = revision + 1 RETURNING revision`,
		collection).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to bump collection revision: %w", err)
	}
	return newRevision, nil
}

// checkLiveRevision fails with ErrNotFound for missing or deleted documents
// and with ErrConflict when expected is set and stale.
func checkLiveRevision(ctx context.Context, tx *sql.Tx, collection, locator string, expected int64) error {
	var revision int64
	var deleted bool
	err := tx.QueryRowContext(ctx,
		"SELECT revision, deleted FROM documents WHERE collection = ? AND locator = ?",
		collection, locator).Scan(&revision, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return docstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get document's latest revision: %w", err)
	}
	if expected != 0 && expected != revision {
		return docstore.ErrConflict
	}
	return nil
}

func checkIdentifierFree(ctx context.Context, tx *sql.Tx, collection, identifier, locator string) error {
	var owner string
	err := tx.QueryRowContext(ctx,
		"SELECT locator FROM documents WHERE collection = ? AND identifier = ? AND deleted = 0",
		collection, identifier).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check identifier: %w", err)
	}
	if owner != locator {
		return docstore.ErrDuplicate
	}
	return nil
}

func body(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
