package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/artpar/feedstate/internal/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

const (
	blobExt   = ".json"
	tmpSuffix = ".tmp"
)

// Store implements storage.Store with one JSON file per key.
// A file's modification time doubles as its last-touched time: reads refresh it.
type Store struct {
	mu       sync.Mutex
	fs       afero.Fs
	basePath string
	policy   storage.Policy
	logger   hclog.Logger
	now      func() time.Time
	closed   bool
}

// Option is a function that configures the Store.
type Option func(*Store)

// WithFs sets the filesystem the store writes to.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

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

// New creates a filesystem-backed store rooted at basePath.
func New(basePath string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:       afero.NewOsFs(),
		basePath: basePath,
		policy:   storage.DefaultPolicy(),
		logger:   hclog.NewNullLogger(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return s, nil
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

	if err := s.writeAtomic(name, data); err != nil {
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

	path := s.blobPath(name)
	content, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(content, dst); err != nil {
		s.logger.Warn("discarding corrupt entry", "key", name, "error", err)
		if rmErr := s.fs.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove corrupt entry", "key", name, "error", rmErr)
		}
		return false, nil
	}

	s.touch(path)
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

	return s.removeLocked(name)
}

// ClearAll removes every blob, including abandoned temp files.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	infos, err := afero.ReadDir(s.fs, s.basePath)
	if err != nil {
		return fmt.Errorf("failed to read state directory: %w", err)
	}

	var result *multierror.Error
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		n := info.Name()
		if !strings.HasSuffix(n, blobExt) && !strings.HasSuffix(n, tmpSuffix) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.basePath, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", n, err))
		}
	}

	return result.ErrorOrNil()
}

// Entries lists stored blobs.
func (s *Store) Entries(ctx context.Context) ([]storage.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	return s.entriesLocked()
}

// Close marks the store closed. Files stay on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Internal helpers

func (s *Store) blobPath(name string) string {
	return filepath.Join(s.basePath, name+blobExt)
}

// writeAtomic writes to a hidden temp file in the same directory and renames
// it over the target, so readers never observe a partial blob.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmp := filepath.Join(s.basePath, "."+name+"-"+uuid.NewString()+tmpSuffix)

	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return err
	}

	path := s.blobPath(name)
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return err
	}

	s.touch(path)
	return nil
}

func (s *Store) touch(path string) {
	now := s.now()
	if err := s.fs.Chtimes(path, now, now); err != nil {
		s.logger.Debug("failed to refresh entry time", "path", path, "error", err)
	}
}

func (s *Store) removeLocked(name string) error {
	if err := s.fs.Remove(s.blobPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

func (s *Store) entriesLocked() ([]storage.Entry, error) {
	infos, err := afero.ReadDir(s.fs, s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	entries := make([]storage.Entry, 0, len(infos))
	for _, info := range infos {
		n := info.Name()
		if info.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, blobExt) {
			continue
		}
		entries = append(entries, storage.Entry{
			Key:     strings.TrimSuffix(n, blobExt),
			Size:    info.Size(),
			Touched: info.ModTime(),
		})
	}
	return entries, nil
}

func (s *Store) enforceLocked(ctx context.Context) {
	entries, err := s.entriesLocked()
	if err != nil {
		s.logger.Warn("eviction skipped", "error", err)
		return
	}

	removed, err := storage.Enforce(ctx, s.policy, entries, func(_ context.Context, key string) error {
		return s.removeLocked(key)
	}, s.logger)
	if err != nil {
		s.logger.Warn("eviction incomplete", "removed", removed, "error", err)
	}
}

// Verify Store implements storage.Store interface
var _ storage.Store = (*Store)(nil)
