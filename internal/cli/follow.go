package cli

import (
	"context"
	"fmt"

	"github.com/artpar/feedstate/internal/app"
	"github.com/artpar/feedstate/internal/mutation"
	"github.com/spf13/cobra"
)

type followFunc func(ctx context.Context, e *mutation.FollowEngine, name string) (mutation.FollowResult, error)

// NewFollowCommand creates the follow command.
func NewFollowCommand(opts *GlobalOptions) *cobra.Command {
	return newFollowActionCommand(opts, "follow", "Follow a user",
		func(ctx context.Context, e *mutation.FollowEngine, name string) (mutation.FollowResult, error) {
			return e.Follow(ctx, name)
		},
		func(name string, _ mutation.FollowResult) string {
			return "following " + name
		})
}

// NewUnfollowCommand creates the unfollow command.
func NewUnfollowCommand(opts *GlobalOptions) *cobra.Command {
	return newFollowActionCommand(opts, "unfollow", "Stop following a user",
		func(ctx context.Context, e *mutation.FollowEngine, name string) (mutation.FollowResult, error) {
			return e.Unfollow(ctx, name)
		},
		func(name string, _ mutation.FollowResult) string {
			return "unfollowed " + name
		})
}

// NewSubscribeCommand creates the subscribe command.
func NewSubscribeCommand(opts *GlobalOptions) *cobra.Command {
	return newFollowActionCommand(opts, "subscribe", "Subscribe to a user's posts",
		func(ctx context.Context, e *mutation.FollowEngine, name string) (mutation.FollowResult, error) {
			return e.Subscribe(ctx, name)
		},
		func(name string, _ mutation.FollowResult) string {
			return "subscribed to " + name
		})
}

// NewUnsubscribeCommand creates the unsubscribe command.
func NewUnsubscribeCommand(opts *GlobalOptions) *cobra.Command {
	var keepFollow bool

	cmd := newFollowActionCommand(opts, "unsubscribe", "Unsubscribe from a user's posts",
		func(ctx context.Context, e *mutation.FollowEngine, name string) (mutation.FollowResult, error) {
			return e.Unsubscribe(ctx, name, keepFollow)
		},
		func(name string, res mutation.FollowResult) string {
			if res.Following {
				return "unsubscribed from " + name + " (still following)"
			}
			return "unsubscribed from " + name
		})
	cmd.Flags().BoolVar(&keepFollow, "keep-follow", false, "Keep following the user")

	return cmd
}

func newFollowActionCommand(
	opts *GlobalOptions,
	use, short string,
	action followFunc,
	describe func(name string, res mutation.FollowResult) string,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := action(ctx, a.Follows(), name)
				if err != nil {
					if mutation.IsRemoteRejected(err) {
						return fmt.Errorf("%w (follow list restored)", err)
					}
					return err
				}

				out := cmd.OutOrStdout()
				if res.Skipped {
					fmt.Fprintf(out, "%s: update already in flight, skipped\n", name)
					return nil
				}
				fmt.Fprintln(out, describe(name, res))
				return nil
			})
		},
	}
}
