package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/feedstate/internal/cache"
	"github.com/artpar/feedstate/internal/config"
	"github.com/artpar/feedstate/internal/guard"
	"github.com/artpar/feedstate/internal/logging"
	"github.com/artpar/feedstate/internal/mutation"
	"github.com/artpar/feedstate/internal/remote"
	"github.com/artpar/feedstate/internal/seen"
	"github.com/artpar/feedstate/internal/storage"
	"github.com/artpar/feedstate/internal/storage/filesystem"
	"github.com/artpar/feedstate/internal/storage/sqlite"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

const sqliteFile = "state.db"

// App is the application container with dependency injection.
type App struct {
	config  config.Config
	logger  hclog.Logger
	store   storage.Store
	cache   *cache.Cache
	seen    *seen.Set
	guard   *guard.Guard
	votes   *mutation.Engine
	follows *mutation.FollowEngine

	sender       mutation.Sender
	followSender mutation.FollowSender
	now          func() time.Time
}

// Option is a function that configures the App.
type Option func(*App)

// WithStore replaces the configured storage backend.
func WithStore(s storage.Store) Option {
	return func(a *App) {
		a.store = s
	}
}

// WithSender replaces the remote mutation sender.
func WithSender(s mutation.Sender) Option {
	return func(a *App) {
		a.sender = s
	}
}

// WithFollowSender replaces the remote follow sender.
func WithFollowSender(s mutation.FollowSender) Option {
	return func(a *App) {
		a.followSender = s
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		a.now = now
	}
}

// New wires the application from cfg and loads persisted state.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		config: cfg,
		guard:  guard.New(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	}

	if a.store == nil {
		store, err := a.openStore()
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	if a.sender == nil || a.followSender == nil {
		client, err := remote.NewClient(cfg.APIBaseURL,
			remote.WithTimeout(cfg.APITimeout),
			remote.WithRetryMax(cfg.APIRetries),
			remote.WithLogger(a.logger.Named("remote")),
		)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		if a.sender == nil {
			a.sender = client
		}
		if a.followSender == nil {
			a.followSender = client
		}
	}

	a.cache = cache.New(a.store, a.logger)
	a.cache.Load(ctx)

	a.seen = seen.New(a.store, cfg.SeenLimit)
	if err := a.seen.Load(ctx); err != nil {
		a.logger.Warn("starting with empty seen items", "error", err)
	}

	engineOpts := []mutation.Option{
		mutation.WithGuard(a.guard),
		mutation.WithLogger(a.logger),
		mutation.WithClock(a.now),
	}
	a.votes = mutation.NewEngine(a.cache, a.sender, engineOpts...)
	a.follows = mutation.NewFollowEngine(a.cache, a.followSender, engineOpts...)

	return a, nil
}

func (a *App) openStore() (storage.Store, error) {
	logger := a.logger.Named("store")
	policy := a.config.Policy()

	switch a.config.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(a.config.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return sqlite.New(filepath.Join(a.config.DataDir, sqliteFile),
			sqlite.WithPolicy(policy),
			sqlite.WithLogger(logger),
			sqlite.WithClock(a.now),
		)
	default:
		return filesystem.New(a.config.DataDir,
			filesystem.WithPolicy(policy),
			filesystem.WithLogger(logger),
			filesystem.WithClock(a.now),
		)
	}
}

// Config returns the application configuration.
func (a *App) Config() config.Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() hclog.Logger {
	return a.logger
}

// Store returns the storage backend.
func (a *App) Store() storage.Store {
	return a.store
}

// Cache returns the state cache.
func (a *App) Cache() *cache.Cache {
	return a.cache
}

// Seen returns the seen items set.
func (a *App) Seen() *seen.Set {
	return a.seen
}

// Votes returns the vote and favorite engine.
func (a *App) Votes() *mutation.Engine {
	return a.votes
}

// Follows returns the follow list engine.
func (a *App) Follows() *mutation.FollowEngine {
	return a.follows
}

// Clear removes one persisted entry and reloads the in-memory state.
func (a *App) Clear(ctx context.Context, key string) error {
	if err := a.store.Clear(ctx, key); err != nil {
		return err
	}
	return a.reload(ctx)
}

// ClearAll removes every persisted entry and resets the in-memory state.
func (a *App) ClearAll(ctx context.Context) error {
	if err := a.store.ClearAll(ctx); err != nil {
		return err
	}
	return a.reload(ctx)
}

func (a *App) reload(ctx context.Context) error {
	a.cache.Load(ctx)
	return a.seen.Load(ctx)
}

// Close flushes unsaved state and closes the store.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.cache.FlushDirty(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if a.seen.Changed() {
		if err := a.seen.Flush(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close store: %w", err))
	}
	return result.ErrorOrNil()
}
