package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
    name       TEXT PRIMARY KEY,
    body       BLOB NOT NULL,
    updated_at DATETIME DEFAULT (datetime('now'))
);
`

// SQLiteStore persists table documents in a SQLite file.
//
// Cross-process exclusion comes from BEGIN IMMEDIATE plus the busy_timeout
// pragma; in-process exclusion comes from the same bounded-wait table locks
// the memory store uses, so goroutines never pile up on the database lock.
type SQLiteStore struct {
	db     *sql.DB
	locks  *tableLocks
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(path string, lockTimeout time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", ErrStoreUnavailable, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		path, lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStoreUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(documentsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating database: %v", ErrStoreUnavailable, err)
	}

	logger.Debug("sqlite store opened", zap.String("path", path))

	return &SQLiteStore{
		db:     db,
		locks:  newTableLocks("sqlite", lockTimeout),
		logger: logger,
	}, nil
}

// Load returns the committed document for table.
func (s *SQLiteStore) Load(ctx context.Context, table string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, table).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "loading "+table)
	}
	return body, nil
}

// Update runs fn inside an immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, table string, fn func(current []byte) ([]byte, error)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	release, err := s.locks.acquire(ctx, table)
	if err != nil {
		return err
	}
	defer release()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return s.fail(table, classify(err, "acquiring connection"))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return s.fail(table, classify(err, "beginning transaction"))
	}
	committed := false
	defer func() {
		if !committed {
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				s.logger.Warn("rollback failed", zap.String("table", table), zap.Error(rbErr))
			}
		}
	}()

	var current []byte
	err = conn.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, table).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.fail(table, classify(err, "reading "+table))
	}

	next, err := fn(current)
	if err != nil {
		recordUpdate(table, resultAborted)
		return err
	}

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO documents (name, body, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		table, next); err != nil {
		return s.fail(table, classify(err, "writing "+table))
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return s.fail(table, classify(err, "committing "+table))
	}
	committed = true
	recordCommit(table, len(next))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) fail(table string, err error) error {
	if errors.Is(err, ErrStoreBusy) {
		recordUpdate(table, resultBusy)
	} else {
		recordUpdate(table, resultUnavailable)
	}
	return err
}

// classify maps driver errors onto the store taxonomy.
func classify(err error, op string) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s: %v", ErrStoreBusy, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
