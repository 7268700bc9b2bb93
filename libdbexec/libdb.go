package libdbexec

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrNotFound      = errors.New("libdb: not found")
	ErrQueryCanceled = errors.New("libdb: query canceled")
	// ErrBusy marks a retryable lock conflict reported by the engine
	// (SQLITE_BUSY, SQLITE_LOCKED and their extended codes).
	ErrBusy = errors.New("libdb: database busy")
)

// DBManager owns a database handle and hands out executors bound to it.
type DBManager interface {
	WithoutTransaction() Exec
	Close() error
}

// Exec is the query surface shared by stores.
type Exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) QueryRower
}

// QueryRower is the Scan half of *sql.Row.
type QueryRower interface {
	Scan(dest ...any) error
}

// txAwareDB implements Exec on top of a *sql.DB and runs every error through
// the driver-specific translator so sentinels like ErrBusy survive wrapping.
type txAwareDB struct {
	db           *sql.DB
	errTranslate func(error) error
}

func (s *txAwareDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.db == nil {
		return nil, errors.New("libdb: Exec called on uninitialized txAwareDB")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	return res, s.errTranslate(err)
}

func (s *txAwareDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.db == nil {
		return nil, errors.New("libdb: Query called on uninitialized txAwareDB")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.errTranslate(err)
	}
	return rows, nil
}

func (s *txAwareDB) QueryRowContext(ctx context.Context, query string, args ...any) QueryRower {
	if s.db == nil {
		return &row{err: errors.New("libdb: QueryRow called on uninitialized txAwareDB")}
	}
	return &row{inner: s.db.QueryRowContext(ctx, query, args...), errTranslate: s.errTranslate}
}

// row wraps *sql.Row to translate Scan errors.
type row struct {
	inner        *sql.Row
	err          error
	errTranslate func(error) error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.inner == nil {
		return errors.New("libdb: Scan called on nil row wrapper")
	}
	return r.errTranslate(r.inner.Scan(dest...))
}
