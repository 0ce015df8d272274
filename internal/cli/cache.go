package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/feedstate/internal/app"
	"github.com/artpar/feedstate/internal/storage"
	"github.com/spf13/cobra"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the persisted state store",
	}

	cmd.AddCommand(newCacheStatsCommand(opts))
	cmd.AddCommand(newCacheClearCommand(opts))

	return cmd
}

func newCacheStatsCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored entries, their size and last use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Store().Entries(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				cfg := a.Config()
				for _, e := range entries {
					fmt.Fprintf(out, "%s\t%d\t%s\n", e.Key, e.Size, e.Touched.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "backend: %s\n", cfg.Backend)
				fmt.Fprintf(out, "entries: %d\n", len(entries))
				fmt.Fprintf(out, "total: %d bytes\n", storage.TotalSize(entries))
				if cfg.BudgetBytes > 0 {
					fmt.Fprintf(out, "budget: %d bytes\n", cfg.BudgetBytes)
				} else {
					fmt.Fprintln(out, "budget: unlimited")
				}
				return nil
			})
		},
	}
}

func newCacheClearCommand(opts *GlobalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [KEY]",
		Short: "Remove one stored entry, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("specify either a KEY or --all")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if all {
					if err := a.ClearAll(ctx); err != nil {
						return err
					}
					fmt.Fprintln(out, "cleared all entries")
					return nil
				}
				if err := a.Clear(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "cleared %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every entry")

	return cmd
}
