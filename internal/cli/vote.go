package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/artpar/feedstate/internal/app"
	"github.com/artpar/feedstate/internal/mutation"
	"github.com/artpar/feedstate/internal/state"
	"github.com/spf13/cobra"
)

// NewVoteCommand creates the vote command.
func NewVoteCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vote {item|comment|tag} ID {up|down}",
		Short: "Vote on an item, comment or tag",
		Long: "Vote on an item, comment or tag. Repeating the current vote removes it; " +
			"voting the other way flips it in one step.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := state.ParseKind(args[0])
			if err != nil {
				return err
			}
			if !kind.IsVote() {
				return fmt.Errorf("%s cannot be voted on", kind)
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			dir, err := state.ParseDirection(args[2])
			if err != nil {
				return err
			}
			return runMutation(cmd, opts, kind, id, dir)
		},
	}
}

// NewFavoriteCommand creates the favorite command.
func NewFavoriteCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "favorite ID",
		Short: "Toggle a comment favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runMutation(cmd, opts, state.KindCommentFavorite, id, state.DirectionToggle)
		},
	}
}

func runMutation(cmd *cobra.Command, opts *GlobalOptions, kind state.Kind, id int64, dir state.Direction) error {
	return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.Votes().Mutate(ctx, kind, id, dir)
		if err != nil {
			if mutation.IsRemoteRejected(err) {
				return fmt.Errorf("%w (local state restored)", err)
			}
			return err
		}

		out := cmd.OutOrStdout()
		if res.Skipped {
			fmt.Fprintf(out, "%s %d: update already in flight, skipped\n", kind, id)
			return nil
		}
		fmt.Fprintf(out, "%s %d: %d -> %d\n", kind, id, res.Previous, res.Value)
		return nil
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: must be an integer", s)
	}
	return id, nil
}
