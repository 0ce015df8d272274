package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/artpar/feedstate/internal/app"
	"github.com/artpar/feedstate/internal/state"
	"github.com/spf13/cobra"
)

// NewStateCommand creates the state command group.
func NewStateCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the cached relationship state",
	}

	cmd.AddCommand(newStateShowCommand(opts))
	cmd.AddCommand(newStateFollowsCommand(opts))

	return cmd
}

func newStateShowCommand(opts *GlobalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show KIND",
		Short: "List the non-neutral entries of one kind",
		Long:  "List the non-neutral entries of one kind: item, comment, tag, favorite, follow or subscribe.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := state.ParseKind(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(_ context.Context, a *app.App) error {
				if kind.InFollowList() {
					return showFollowNames(cmd, a, kind, asJSON)
				}

				values := a.Cache().Snapshot(kind)
				if asJSON {
					return writeJSON(cmd, values)
				}

				ids := make([]int64, 0, len(values))
				for id := range values {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintf(out, "no %s entries\n", kind)
					return nil
				}
				for _, id := range ids {
					fmt.Fprintf(out, "%d\t%d\n", id, values[id])
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

// showFollowNames lists the users related by kind: every followed user, or
// only the subscribed ones.
func showFollowNames(cmd *cobra.Command, a *app.App, kind state.Kind, asJSON bool) error {
	names := []string{}
	for _, item := range a.Cache().Follows() {
		if kind == state.KindUserSubscribe && !item.Subscribed {
			continue
		}
		names = append(names, item.Name)
	}
	if asJSON {
		return writeJSON(cmd, names)
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintf(out, "no %s entries\n", kind)
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func newStateFollowsCommand(opts *GlobalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "follows",
		Short: "List followed users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(_ context.Context, a *app.App) error {
				items := a.Cache().Follows()
				if asJSON {
					return writeJSON(cmd, items)
				}

				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "not following anyone")
					return nil
				}
				for _, item := range items {
					flag := ""
					if item.Subscribed {
						flag = "subscribed"
					}
					since := "-"
					if !item.FollowCreated.IsZero() {
						since = item.FollowCreated.Format(time.DateOnly)
					}
					fmt.Fprintf(out, "%s\t%s\t%s\n", item.Name, since, flag)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
