package libdbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteDBManager implements the DBManager interface for SQLite.
type sqliteDBManager struct {
	dbInstance *sql.DB
	// keeper pins one connection open; a shared-cache in-memory database is
	// dropped by SQLite as soon as its last connection closes.
	keeper *sql.Conn
}

// NewSQLiteDBManager creates a new DBManager for SQLite.
// path is the database file path (e.g. "./.dsmq/local.db" or "file:local.db").
// The parent directory is created if missing. schema is applied on open.
func NewSQLiteDBManager(ctx context.Context, path string, schema string) (DBManager, error) {
	if err := ensureSQLiteParentDir(path); err != nil {
		return nil, fmt.Errorf("sqlite parent dir: %w", err)
	}
	return openSQLite(ctx, path, schema)
}

// NewSQLiteMemoryDBManager opens a named shared-cache in-memory database.
// Every connection of the returned manager's pool sees the same tables; the
// data lives until Close is called.
func NewSQLiteMemoryDBManager(ctx context.Context, name string, schema string) (DBManager, error) {
	if name == "" {
		return nil, errors.New("sqlite: in-memory database name is required")
	}
	return openSQLite(ctx, MemoryDSN(name), schema)
}

// MemoryDSN returns the URI of the shared-cache in-memory database called name.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func openSQLite(ctx context.Context, dsn string, schema string) (DBManager, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", translateSQLiteError(err))
	}

	keeper, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite connection failed: %w", translateSQLiteError(err))
	}

	if err = keeper.PingContext(ctx); err != nil {
		_ = keeper.Close()
		_ = db.Close()
		return nil, fmt.Errorf("sqlite connection failed: %w", translateSQLiteError(err))
	}

	if schema != "" {
		if _, err = keeper.ExecContext(ctx, schema); err != nil {
			_ = keeper.Close()
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite schema: %w", translateSQLiteError(err))
		}
	}

	return &sqliteDBManager{dbInstance: db, keeper: keeper}, nil
}

// WithoutTransaction returns an executor that uses the connection pool directly.
func (sm *sqliteDBManager) WithoutTransaction() Exec {
	return &txAwareDB{db: sm.dbInstance, errTranslate: translateSQLiteError}
}

// Close closes the SQLite connection pool, discarding in-memory data.
func (sm *sqliteDBManager) Close() error {
	var errs []error
	if sm.keeper != nil {
		errs = append(errs, sm.keeper.Close())
	}
	if sm.dbInstance != nil {
		errs = append(errs, sm.dbInstance.Close())
	}
	return errors.Join(errs...)
}

// IsBusy reports whether err is a retryable lock conflict.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "database table is locked") ||
		strings.Contains(s, "SQLITE_BUSY") ||
		strings.Contains(s, "SQLITE_LOCKED")
}

// translateSQLiteError maps SQLite/driver errors to package errors where applicable.
func translateSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrQueryCanceled, context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrQueryCanceled, context.DeadlineExceeded)
	}
	if IsBusy(err) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return fmt.Errorf("libdb: sqlite error: %w", err)
}

// ensureSQLiteParentDir creates the parent directory of path if path is a file path.
// Skips in-memory databases. Uses the path before any ? query for file: URIs.
func ensureSQLiteParentDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file::memory") || strings.Contains(path, "mode=memory") {
		return nil
	}
	fsPath := path
	if strings.HasPrefix(fsPath, "file:") {
		fsPath = strings.TrimPrefix(fsPath, "file:")
		if before, _, ok := strings.Cut(fsPath, "?"); ok {
			fsPath = before
		}
	}
	dir := filepath.Dir(fsPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
