// Package sqlite implements store.Store on top of SQLite via
// modernc.org/sqlite, using the same write-pool/read-pool split and goose
// migration pattern the gateway has used since its original storage layer.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store using SQLite.
type Store struct {
	path  string
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens a SQLite database at path, runs migrations, and returns a Store.
// path == ":memory:" opens a shared-cache in-memory database, useful in tests.
func New(path string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if path == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{path: path, write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// OpenWithRecovery opens path as with New, but if the open or migration
// fails -- a truncated file, a WAL torn by an unclean shutdown, anything
// goose can't reconcile -- it quarantines path (and its -wal/-shm sidecars)
// by renaming them aside with a ".corrupt.<unix_ms>" suffix and retries
// once against a fresh, empty database at the original path, so a damaged
// store degrades the gateway to "start cold" instead of refusing to start.
// path == ":memory:" is passed straight to New; there's nothing to quarantine.
func OpenWithRecovery(path string) (s *Store, recovered bool, err error) {
	if path == ":memory:" {
		s, err = New(path)
		return s, false, err
	}

	s, openErr := openRecovering(path)
	if openErr == nil {
		return s, false, nil
	}
	slog.Warn("store open failed, quarantining and retrying with a fresh store",
		"path", path, "error", openErr)

	if err := quarantine(path); err != nil {
		return nil, false, fmt.Errorf("quarantine corrupt store: %w", err)
	}

	s, err = openRecovering(path)
	if err != nil {
		return nil, false, fmt.Errorf("open fresh store after quarantine: %w", err)
	}
	return s, true, nil
}

// openRecovering wraps New, turning a panic from the underlying driver
// (observed in the wild on severely truncated database files) into an error
// so OpenWithRecovery can quarantine and retry instead of crashing.
func openRecovering(path string) (s *Store, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic opening store: %v", r)
		}
	}()
	return New(path)
}

// quarantine renames path and its -wal/-shm sidecar files aside with a
// shared ".corrupt.<unix_ms>" suffix, leaving nothing at path so the next
// open starts clean.
func quarantine(path string) error {
	suffix := fmt.Sprintf(".corrupt.%d", time.Now().UnixMilli())
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Rename(p, p+suffix); err != nil {
			return fmt.Errorf("rename %s: %w", p, err)
		}
	}
	return nil
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
