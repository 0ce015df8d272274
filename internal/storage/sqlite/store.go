package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/feedstate/internal/storage"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	_ "modernc.org/sqlite"
)

// Store implements storage.Store using SQLite.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	policy storage.Policy
	logger hclog.Logger
	now    func() time.Time
	closed bool
}

// Option is a function that configures the Store.
type Option func(*Store)

// WithPolicy sets the eviction policy.
func WithPolicy(p storage.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides the time source used for last-touched stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new SQLite-based state store.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	store := newStore(db, opts...)
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}

	return store, nil
}

// NewInMemory creates a new in-memory SQLite store (useful for testing).
func NewInMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	store := newStore(db, opts...)
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

func newStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		policy: storage.DefaultPolicy(),
		logger: hclog.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// initialize creates the necessary tables and indexes.
func (s *Store) initialize() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			touched_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_entries_touched ON cache_entries(touched_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save persists value under key and enforces the eviction policy.
func (s *Store) Save(ctx context.Context, key string, value any) error {
	name, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (key, data, size, touched_at) VALUES (?, ?, ?, ?)",
		name, data, len(data), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	s.enforceLocked(ctx)
	return nil
}

// Load decodes the blob stored under key into dst.
func (s *Store) Load(ctx context.Context, key string, dst any) (bool, error) {
	name, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrStoreClosed
	}

	var data []byte
	err = s.db.QueryRowContext(ctx,
		"SELECT data FROM cache_entries WHERE key = ?",
		name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("discarding corrupt entry", "key", name, "error", err)
		if _, rmErr := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", name); rmErr != nil {
			s.logger.Warn("failed to remove corrupt entry", "key", name, "error", rmErr)
		}
		return false, nil
	}

	// Update access time
	if _, err := s.db.ExecContext(ctx,
		"UPDATE cache_entries SET touched_at = ? WHERE key = ?",
		s.now().UnixNano(), name,
	); err != nil {
		s.logger.Debug("failed to refresh entry time", "key", name, "error", err)
	}

	return true, nil
}

// Clear removes the blob stored under key.
func (s *Store) Clear(ctx context.Context, key string) error {
	name, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	return s.removeLocked(ctx, name)
}

// ClearAll removes every blob.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("failed to clear state entries: %w", err)
	}

	return nil
}

// Entries lists stored blobs.
func (s *Store) Entries(ctx context.Context) ([]storage.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	return s.entriesLocked(ctx)
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func (s *Store) removeLocked(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", name)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

func (s *Store) entriesLocked(ctx context.Context) ([]storage.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, size, touched_at FROM cache_entries ORDER BY touched_at ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list state entries: %w", err)
	}
	defer rows.Close()

	var (
		entries []storage.Entry
		errs    *multierror.Error
	)
	for rows.Next() {
		var (
			e       storage.Entry
			touched int64
		)
		if err := rows.Scan(&e.Key, &e.Size, &touched); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to scan state entry: %w", err))
			continue
		}
		e.Touched = time.Unix(0, touched)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return entries, errs.ErrorOrNil()
}

func (s *Store) enforceLocked(ctx context.Context) {
	entries, err := s.entriesLocked(ctx)
	if err != nil {
		s.logger.Warn("eviction skipped", "error", err)
		return
	}

	removed, err := storage.Enforce(ctx, s.policy, entries, s.removeLocked, s.logger)
	if err != nil {
		s.logger.Warn("eviction incomplete", "removed", removed, "error", err)
	}
}

// Verify Store implements storage.Store interface
var _ storage.Store = (*Store)(nil)
