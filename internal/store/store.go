// Package store is the persistent, transactional container for the survey
// domain: three singleton entities (survey, authorization record, reminder)
// and the row projection derived from them.
//
// TWO CONTEXTS:
// The store has a writer side and a reader side, like Core Data's background
// and view contexts:
//
//   - The WRITER is a single goroutine owning all mutations. Transact hands
//     it a function to run inside one SQLite transaction; submissions are
//     totally ordered, so callers never need their own locking.
//   - The READER is an immutable committed snapshot, swapped in after every
//     successful commit and always visible before the Transact call returns.
//     Readers never observe a half-finished transaction.
//
// Observe exposes the commit stream as ordered, row-granular change events —
// the diff between consecutive committed snapshots.
//
// WHY modernc.org/sqlite?
// Pure-Go SQLite: no C compiler, trivial cross-compilation, and ":memory:"
// databases make tests fast and hermetic.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sakif/daily-survey/internal/apperror"
	"github.com/sakif/daily-survey/internal/model"
)

var errClosed = errors.New("store is closed")

// Snapshot is one committed state of the store: the three singletons plus
// the full row set ordered by (section, row).
type Snapshot struct {
	Survey        *model.Survey
	Authorization *model.AuthorizationRecord
	Reminder      *model.Reminder
	Rows          []model.Row
}

type txJob struct {
	fn   func(*Tx) error
	done chan error
}

// Store owns the SQLite connection, the writer goroutine, the committed
// snapshot and the change-stream subscribers.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger

	jobs    chan *txJob
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu   sync.RWMutex
	snap Snapshot

	subMu sync.Mutex
	subs  map[*ChangeStream]struct{}
}

// Open opens (or creates) the database at path, runs migrations, loads the
// initial committed snapshot and starts the writer goroutine.
// Use ":memory:" for a throwaway in-memory store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	// WAL lets the reader snapshot be rebuilt while a write is in flight.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}

	// All transactions funnel through the single writer goroutine, so one
	// connection is enough and avoids SQLITE_BUSY between pool members.
	conn.SetMaxOpenConns(1)

	s := &Store{
		conn:    conn,
		logger:  logger,
		jobs:    make(chan *txJob),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[*ChangeStream]struct{}),
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}

	snap, err := s.loadSnapshot()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: loading initial state: %w", err)
	}
	s.snap = snap

	go s.writeLoop()
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS surveys (
			id          TEXT PRIMARY KEY,
			url         TEXT NOT NULL DEFAULT '',
			last_opened DATETIME,
			updated_at  DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS authorizations (
			id         TEXT PRIMARY KEY,
			settings   BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reminders (
			id              TEXT PRIMARY KEY,
			request         BLOB NOT NULL,
			is_being_edited INTEGER NOT NULL DEFAULT 0,
			updated_at      DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rows (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			owner_kind    INTEGER NOT NULL,
			row_type      INTEGER NOT NULL,
			section       INTEGER NOT NULL,
			row_idx       INTEGER NOT NULL,
			last_modified DATETIME NOT NULL,
			UNIQUE(section, row_idx)
		);
		CREATE INDEX IF NOT EXISTS idx_rows_owner ON rows(owner_id);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Transact runs fn inside one exclusive writer transaction.
//
// Submission order is commit order. Any error from fn rolls the transaction
// back — no partial commit. On success the commit is visible to Snapshot()
// before Transact returns, and the commit's change events have been emitted.
//
// Cancelling ctx before the job is picked up, or while it runs, only
// suppresses the completion (Transact returns ErrCancelled): once submitted,
// the transaction itself is owned by the writer goroutine and always runs to
// its natural end.
func (s *Store) Transact(ctx context.Context, fn func(*Tx) error) error {
	job := &txJob{fn: fn, done: make(chan error, 1)}

	select {
	case s.jobs <- job:
	case <-s.closing:
		return apperror.Storage("transact", errClosed)
	case <-ctx.Done():
		return apperror.Cancelled("transact")
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return apperror.Cancelled("transact")
	}
}

// Snapshot returns the latest committed state. The row slice is a copy; the
// entity pointers must be treated as read-only.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Rows = append([]model.Row(nil), s.snap.Rows...)
	return snap
}

// Close stops the writer and closes the database. Transactions already
// submitted finish first; new Transact calls fail.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.closing) })
	<-s.stopped

	s.subMu.Lock()
	for cs := range s.subs {
		delete(s.subs, cs)
		close(cs.ch)
	}
	s.subMu.Unlock()

	return s.conn.Close()
}

func (s *Store) writeLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.closing:
			return
		case job := <-s.jobs:
			job.done <- s.runTx(job.fn)
		}
	}
}

// runTx executes one transaction job: body, pre-commit snapshot read,
// commit, snapshot swap, event publication — in that order, so that readers
// and the change stream always agree by the time the completion fires.
func (s *Store) runTx(fn func(*Tx) error) error {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return apperror.Storage("begin transaction", err)
	}

	tx := &Tx{tx: sqlTx, now: time.Now}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && s.logger != nil {
			s.logger.Error("rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}

	// Read the post-transaction state while still inside the transaction:
	// this is exactly what the commit will make visible.
	snap, err := readSnapshot(sqlTx)
	if err != nil {
		_ = sqlTx.Rollback()
		return apperror.Storage("reading committed state", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return apperror.Storage("commit", err)
	}

	s.mu.Lock()
	old := s.snap
	s.snap = snap
	s.mu.Unlock()

	if batch := diffRows(old.Rows, snap.Rows); !batch.Empty() {
		s.publish(batch)
	}
	return nil
}

func (s *Store) loadSnapshot() (Snapshot, error) {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return Snapshot{}, err
	}
	defer sqlTx.Rollback()
	return readSnapshot(sqlTx)
}
