package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/tether/internal/types"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width UTC so stored timestamps order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// entityPageSize bounds how many rows QueryEntities reads per round trip.
const entityPageSize = 128

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the SQLite-backed local store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// migrations. An unreadable or damaged file yields ErrCorrupt.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each :memory: connection is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("enable pragmas: %w", err))
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("run migrations: %w", err))
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// dsn applies per-connection pragmas to every pooled connection and makes
// transactions take the write lock up front, so concurrent writers wait on
// busy_timeout instead of failing a lock upgrade.
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)&_txlock=immediate"
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckIntegrity runs a quick integrity check and returns ErrCorrupt when
// SQLite reports damage.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return classify(fmt.Errorf("integrity check: %w", err))
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Reset discards every entity and pending operation. Dead letters and the
// conflict audit are kept for inspection.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, table := range []string{"pending_operations", "entities"} {
			if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Tx exposes entity operations inside a single transaction.
type Tx struct {
	tx *sql.Tx
}

// GetEntity reads an entity within the transaction.
func (t *Tx) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, t.tx, id)
}

// PutEntity inserts or replaces an entity within the transaction.
func (t *Tx) PutEntity(ctx context.Context, e types.Entity) error {
	return putEntity(ctx, t.tx, e)
}

// DeleteEntity removes an entity within the transaction.
func (t *Tx) DeleteEntity(ctx context.Context, id string) error {
	return deleteEntity(ctx, t.tx, id)
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	e, err := getEntity(ctx, s.db, id)
	return e, classify(err)
}

// PutEntity inserts or replaces an entity.
func (s *SQLiteStore) PutEntity(ctx context.Context, e types.Entity) error {
	return classify(putEntity(ctx, s.db, e))
}

// DeleteEntity removes an entity. Deleting a missing entity is not an error.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, id string) error {
	return classify(deleteEntity(ctx, s.db, id))
}

// QueryEntities yields entities of kind (all kinds when empty) in ID order,
// reading one page at a time. Iteration stops at the first error.
func (s *SQLiteStore) QueryEntities(ctx context.Context, kind string, pred EntityPredicate) iter.Seq2[types.Entity, error] {
	return func(yield func(types.Entity, error) bool) {
		after := ""
		for {
			page, err := s.entityPage(ctx, kind, after)
			if err != nil {
				yield(types.Entity{}, classify(err))
				return
			}
			for _, e := range page {
				if pred != nil && !pred(e) {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < entityPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *SQLiteStore) entityPage(ctx context.Context, kind, after string) ([]types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE (? = '' OR kind = ?) AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, kind, kind, after, entityPageSize)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	page := make([]types.Entity, 0, entityPageSize)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *e)
	}
	return page, rows.Err()
}

const entityColumns = `id, kind, fields, deleted, local_version_at, synced_at, server_updated_at`

func getEntity(ctx context.Context, q execContext, id string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func putEntity(ctx context.Context, q execContext, e types.Entity) error {
	fields := e.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (id, kind, fields, deleted, local_version_at, synced_at, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			fields = excluded.fields,
			deleted = excluded.deleted,
			local_version_at = excluded.local_version_at,
			synced_at = excluded.synced_at,
			server_updated_at = excluded.server_updated_at
	`, e.ID, e.Kind, string(fieldsJSON), boolToInt(e.Deleted),
		formatTime(e.LocalVersionAt), formatTime(e.SyncedAt), formatTime(e.ServerUpdatedAt))
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

func deleteEntity(ctx context.Context, q execContext, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

func scanEntity(scanner interface{ Scan(...any) error }) (*types.Entity, error) {
	var e types.Entity
	var fieldsJSON string
	var deleted int
	var localAt, syncedAt, serverAt sql.NullString

	if err := scanner.Scan(&e.ID, &e.Kind, &fieldsJSON, &deleted, &localAt, &syncedAt, &serverAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("parse fields for %s: %w", e.ID, err)
	}
	e.Deleted = deleted != 0
	e.LocalVersionAt = parseTime(localAt, "local_version_at")
	e.SyncedAt = parseTime(syncedAt, "synced_at")
	e.ServerUpdatedAt = parseTime(serverAt, "server_updated_at")
	return &e, nil
}

// formatTime returns nil for the zero time so it is stored as NULL.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v sql.NullString, column string) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		slog.Warn("store: failed to parse timestamp", "column", column, "value", v.String, "error", err)
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString, column string) *time.Time {
	t := parseTime(v, column)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
