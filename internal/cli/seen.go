package cli

import (
	"context"
	"fmt"

	"github.com/artpar/feedstate/internal/app"
	"github.com/spf13/cobra"
)

// NewSeenCommand creates the seen command group.
func NewSeenCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "Track feed items already viewed",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add ID...",
		Short: "Mark items as seen",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return opts.withApp(cmd, func(_ context.Context, a *app.App) error {
				added := a.Seen().Mark(ids...)
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d new of %d\n", added, len(ids))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List seen item ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(_ context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				for _, id := range a.Seen().IDs() {
					fmt.Fprintln(out, id)
				}
				return nil
			})
		},
	})

	return cmd
}
