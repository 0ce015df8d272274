package cli

import (
	"context"

	"github.com/artpar/feedstate/internal/app"
	"github.com/artpar/feedstate/internal/config"
	"github.com/artpar/feedstate/internal/logging"
	"github.com/spf13/cobra"
)

// GlobalOptions holds the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	DataDir    string
	Backend    string
	APIURL     string
	LogLevel   string

	appOpts []app.Option
}

// NewRootCommand creates the root command. appOpts are passed to every
// app.New call, which lets callers swap the remote or the store.
func NewRootCommand(version string, appOpts ...app.Option) *cobra.Command {
	opts := &GlobalOptions{appOpts: appOpts}

	cmd := &cobra.Command{
		Use:           "feedstate",
		Short:         "feedstate - local feed relationship state",
		Long:          "feedstate keeps votes, favorites and follows in a local cache and syncs them with the feed API.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "Config file (default ~/.config/feedstate/config.yaml)")
	flags.StringVar(&opts.DataDir, "data-dir", "", "Directory holding the state store")
	flags.StringVar(&opts.Backend, "backend", "", "Storage backend (filesystem or sqlite)")
	flags.StringVar(&opts.APIURL, "api-url", "", "Base URL of the feed API")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")

	// Add subcommands
	cmd.AddCommand(NewVoteCommand(opts))
	cmd.AddCommand(NewFavoriteCommand(opts))
	cmd.AddCommand(NewFollowCommand(opts))
	cmd.AddCommand(NewUnfollowCommand(opts))
	cmd.AddCommand(NewSubscribeCommand(opts))
	cmd.AddCommand(NewUnsubscribeCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewSeenCommand(opts))

	return cmd
}

// loadConfig resolves the configuration and applies flag overrides.
func (o *GlobalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.APIURL != "" {
		cfg.APIBaseURL = o.APIURL
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if err := cfg.Normalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// withApp builds the application, runs fn and closes the application,
// flushing whatever fn changed.
func (o *GlobalOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		JSON:   cfg.LogJSON,
		Output: cmd.ErrOrStderr(),
	})

	appOpts := append([]app.Option{app.WithLogger(logger)}, o.appOpts...)
	a, err := app.New(ctx, cfg, appOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(ctx, a)
}
