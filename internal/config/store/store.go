package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ntripduo/ntripduo/internal/config"
)

const defaultBusyTimeout = 5 * time.Second

// ErrInvalidType is returned when a typed accessor is used against a
// descriptor of a different type.
var ErrInvalidType = errors.New("config: invalid type for item")

// Notifier receives side-channel notification lines on store transitions
// (commit, reset). The daemon wires this to the serial output.
type Notifier func(format string, args ...any)

// Options describes parameters for opening a configuration store.
type Options struct {
	DBPath   string
	ReadOnly bool
}

// Store is the persistent typed key/value store backing the device
// configuration. Writes are staged in memory until Commit flushes them;
// reads resolve staged value, then persisted value, then the descriptor
// default, in that precedence.
type Store struct {
	db       *sql.DB
	dbPath   string
	readOnly bool

	mu     sync.Mutex
	staged map[string]string
	notify Notifier
}

// Open initialises the configuration store at the given path.
func Open(opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, errors.New("config: store path is required")
	}

	dsn := opts.DBPath
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", opts.DBPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("config: open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:       db,
		dbPath:   opts.DBPath,
		readOnly: opts.ReadOnly,
		staged:   make(map[string]string),
	}, nil
}

// Close finalises the underlying database connection. Staged writes that
// were never committed are discarded.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.dbPath
}

// SetNotifier installs the side-channel notification sink. A nil notifier
// silences notifications.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notify = n
	s.mu.Unlock()
}

// Items enumerates the descriptor table.
func (s *Store) Items() []config.Item {
	return config.Items()
}

// Commit flushes all staged writes to the database in one transaction and
// emits the CFG,UPDATED notification.
func (s *Store) Commit(ctx context.Context) error {
	if s.readOnly {
		return errors.New("config: commit: store opened read-only")
	}

	s.mu.Lock()
	pending := make(map[string]string, len(s.staged))
	for k, v := range s.staged {
		pending[k] = v
	}
	s.mu.Unlock()

	if len(pending) > 0 {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO settings (key, value, updated_at)
				VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(key) DO UPDATE SET
					value = excluded.value,
					updated_at = CURRENT_TIMESTAMP
			`)
			if err != nil {
				return fmt.Errorf("config: prepare commit: %w", err)
			}
			defer stmt.Close()

			for key, value := range pending {
				if _, err := stmt.ExecContext(ctx, key, value); err != nil {
					return fmt.Errorf("config: commit setting %q: %w", key, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	for k := range pending {
		delete(s.staged, k)
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify("$PESP,CFG,UPDATED")
	}
	return nil
}

// Reset erases all staged and persisted values, returning every key to its
// descriptor default, and emits the CFG,RESET notification.
func (s *Store) Reset(ctx context.Context) error {
	if s.readOnly {
		return errors.New("config: reset: store opened read-only")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings`); err != nil {
		return fmt.Errorf("config: reset: %w", err)
	}

	s.mu.Lock()
	s.staged = make(map[string]string)
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify("$PESP,CFG,RESET")
	}
	return nil
}

// lookup resolves the raw encoded value for item: staged first, then the
// database, then ok=false for descriptor-default fallback. Storage errors
// resolve to the default as well; the relay must keep running on a bad
// flash sector.
func (s *Store) lookup(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	if raw, ok := s.staged[key]; ok {
		s.mu.Unlock()
		return raw, true
	}
	s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		return "", false
	}
	return raw, true
}

// stage records an encoded value for key without flushing it.
func (s *Store) stage(key, raw string) {
	s.mu.Lock()
	s.staged[key] = raw
	s.mu.Unlock()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("config: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
