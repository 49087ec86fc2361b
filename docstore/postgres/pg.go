package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/data-mirror/docstore"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgDocumentStorage struct {
	db *pgxpool.Pool
}

func NewPGDocumentStorage(databaseURL string) (*PgDocumentStorage, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, err
	}
	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgDocumentStorage{db: pgxPool}, nil
}

func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: "document_schema_migrations"})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationSource, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationSource, "data-mirror-documents", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (s *PgDocumentStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgDocumentStorage) Create(ctx context.Context, collection string, doc docstore.StoredDocument) (docstore.StoredDocument, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return doc, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

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
	_, err = tx.Exec(ctx,
		"INSERT INTO documents (collection, locator, identifier, kind, body, hash, revision, deleted) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)",
		collection, doc.Locator, doc.Identifier, doc.Kind, body(doc.Body), doc.Hash, newRevision)
	if err != nil {
		return doc, fmt.Errorf("failed to insert document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return doc, fmt.Errorf("failed to commit transaction: %w", err)
	}
	doc.Revision = newRevision
	doc.Deleted = false
	return doc, nil
}

func (s *PgDocumentStorage) Update(ctx context.Context, collection, locator string, doc docstore.StoredDocument, expectedRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

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
	_, err = tx.Exec(ctx,
		"UPDATE documents SET identifier = $1, kind = $2, body = $3, hash = $4, revision = $5 WHERE collection = $6 AND locator = $7",
		doc.Identifier, doc.Kind, body(doc.Body), doc.Hash, newRevision, collection, locator)
	if err != nil {
		return 0, fmt.Errorf("failed to update document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *PgDocumentStorage) Delete(ctx context.Context, collection, locator string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if err := checkLiveRevision(ctx, tx, collection, locator, 0); err != nil {
		return 0, err
	}
	newRevision, err := bumpRevision(ctx, tx, collection)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx,
		"UPDATE documents SET deleted = TRUE, body = ''::bytea, revision = $1 WHERE collection = $2 AND locator = $3",
		newRevision, collection, locator)
	if err != nil {
		return 0, fmt.Errorf("failed to delete document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *PgDocumentStorage) FindByIdentifier(ctx context.Context, collection, identifier string) (*docstore.StoredDocument, error) {
	row := s.db.QueryRow(ctx,
		"SELECT locator, identifier, kind, body, hash, revision, deleted FROM documents WHERE collection = $1 AND identifier = $2 AND NOT deleted",
		collection, identifier)
	return scanDocument(row)
}

func (s *PgDocumentStorage) Get(ctx context.Context, collection, locator string) (*docstore.StoredDocument, error) {
	row := s.db.QueryRow(ctx,
		"SELECT locator, identifier, kind, body, hash, revision, deleted FROM documents WHERE collection = $1 AND locator = $2",
		collection, locator)
	return scanDocument(row)
}

func (s *PgDocumentStorage) ListChanges(ctx context.Context, collection string, sinceRevision int64) ([]docstore.StoredDocument, error) {
	rows, err := s.db.Query(ctx,
		"SELECT locator, identifier, kind, body, hash, revision, deleted FROM documents WHERE collection = $1 AND revision > $2 ORDER BY revision",
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

func scanDocument(row pgx.Row) (*docstore.StoredDocument, error) {
	var doc docstore.StoredDocument
	err := row.Scan(&doc.Locator, &doc.Identifier, &doc.Kind, &doc.Body, &doc.Hash, &doc.Revision, &doc.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &doc, nil
}

func bumpRevision(ctx context.Context, tx pgx.Tx, collection string) (int64, error) {
	var newRevision int64
	err := tx.QueryRow(ctx,
		`INSERT INTO collection_revisions (collection, revision) VALUES ($1, 1)
		 ON CONFLICT (collection) DO UPDATE SET revision = collection_revisions.revision + 1 RETURNING revision`,
		collection).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to bump collection revision: %w", err)
	}
	return newRevision, nil
}

func checkLiveRevision(ctx context.Context, tx pgx.Tx, collection, locator string, expected int64) error {
	var revision int64
	var deleted bool
	err := tx.QueryRow(ctx,
		"SELECT revision, deleted FROM documents WHERE collection = $1 AND locator = $2",
		collection, locator).Scan(&revision, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
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

func checkIdentifierFree(ctx context.Context, tx pgx.Tx, collection, identifier, locator string) error {
	var owner string
	err := tx.QueryRow(ctx,
		"SELECT locator FROM documents WHERE collection = $1 AND identifier = $2 AND NOT deleted",
		collection, identifier).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
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
