// Package store owns the terminal's local SQLite database. It is opened once
// at the composition root and handed to the queue, vault and audit packages;
// nothing else opens the database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/store/migrations"
)

const (
	DefaultFile  = "terminal.db"
	LockFile     = "terminal.lock"
	busyTimeout  = 5000 // ms
	dirPerm      = 0o700
	lockFilePerm = 0o600
)

// Options controls where the store lives.
type Options struct {
	Dir  string // data directory, created if missing
	File string // database file name inside Dir, DefaultFile when empty
}

// Store is the open database plus the process lock guarding it.
type Store struct {
	db   *sql.DB
	lock *os.File
	path string
}

// Open creates the data directory, takes the exclusive process lock, opens
// the database and applies pending migrations. Every failure wraps
// common.ErrStorageUnavailable.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, unavailable("open", errors.New("data directory not set"))
	}
	if opts.File == "" {
		opts.File = DefaultFile
	}
	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, unavailable("mkdir", err)
	}

	lock, err := acquireLock(filepath.Join(opts.Dir, LockFile))
	if err != nil {
		return nil, unavailable("lock", err)
	}

	path := filepath.Join(opts.Dir, opts.File)
	db, err := openDB(ctx, path, true)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}

	return &Store{db: db, lock: lock, path: path}, nil
}

// OpenMemory returns a migrated in-memory store private to the caller.
// Used by tests.
func OpenMemory(ctx context.Context) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := openDB(ctx, dsn, false)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: ":memory:"}, nil
}

func openDB(ctx context.Context, dsn string, wal bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}

	// one connection serialises every writer in the process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeout),
		"PRAGMA foreign_keys = ON;",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, unavailable("pragma", err)
		}
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, unavailable("migrate", err)
	}
	return db, nil
}

// RunMigrations applies every embedded migration not yet recorded in
// goose_db_version. Running it twice is a no-op.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path is the database file path, ":memory:" for OpenMemory stores.
func (s *Store) Path() string { return s.path }

// Close closes the database and then releases the process lock.
func (s *Store) Close() error {
	err := s.db.Close()
	releaseLock(s.lock)
	s.lock = nil
	return err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStorageUnavailable, op, err)
}
