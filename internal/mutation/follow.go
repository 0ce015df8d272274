package mutation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/feedstate/internal/cache"
	"github.com/artpar/feedstate/internal/guard"
	"github.com/artpar/feedstate/internal/state"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// FollowAction is a change to the follow relationship with a user.
type FollowAction string

// Follow actions.
const (
	ActionFollow      FollowAction = "follow"
	ActionUnfollow    FollowAction = "unfollow"
	ActionSubscribe   FollowAction = "subscribe"
	ActionUnsubscribe FollowAction = "unsubscribe"
)

// FollowOptions carries action parameters.
type FollowOptions struct {
	// KeepFollow keeps following a user after unsubscribing.
	KeepFollow bool
}

// FollowSender delivers follow actions. confirmed reports whether the
// remote's resulting state matches the request.
type FollowSender interface {
	SendFollowAction(ctx context.Context, action FollowAction, name string, opts FollowOptions) (confirmed bool, err error)
}

// FollowSenderFunc adapts a function to the FollowSender interface.
type FollowSenderFunc func(ctx context.Context, action FollowAction, name string, opts FollowOptions) (bool, error)

// SendFollowAction calls f.
func (f FollowSenderFunc) SendFollowAction(ctx context.Context, action FollowAction, name string, opts FollowOptions) (bool, error) {
	return f(ctx, action, name, opts)
}

// FollowResult describes the follow list entry after an action.
type FollowResult struct {
	Skipped   bool
	Following bool
	Item      cache.FollowListItem
}

// FollowEngine applies follow actions optimistically to the follow list.
//
// All actions on one user share a single in-flight slot. A failed or
// unconfirmed action restores exactly the entry that existed before it,
// including its absence.
type FollowEngine struct {
	cache  *cache.Cache
	sender FollowSender
	guard  *guard.Guard
	logger hclog.Logger
	now    func() time.Time
}

// NewFollowEngine creates a follow engine writing to c.
func NewFollowEngine(c *cache.Cache, sender FollowSender, opts ...Option) *FollowEngine {
	o := buildOptions(opts)
	return &FollowEngine{
		cache:  c,
		sender: sender,
		guard:  o.guard,
		logger: o.logger.Named("follow"),
		now:    o.now,
	}
}

// Follow adds name to the follow list.
func (e *FollowEngine) Follow(ctx context.Context, name string) (FollowResult, error) {
	return e.run(ctx, ActionFollow, name, FollowOptions{}, func(prev cache.FollowListItem, had bool) {
		if !had {
			e.cache.PutFollow(e.provisional(name, false))
		}
	})
}

// Unfollow removes name from the follow list.
func (e *FollowEngine) Unfollow(ctx context.Context, name string) (FollowResult, error) {
	return e.run(ctx, ActionUnfollow, name, FollowOptions{}, func(prev cache.FollowListItem, had bool) {
		e.cache.RemoveFollow(name)
	})
}

// Subscribe marks name as subscribed. Subscribing to a user that is not yet
// followed follows them as well.
func (e *FollowEngine) Subscribe(ctx context.Context, name string) (FollowResult, error) {
	return e.run(ctx, ActionSubscribe, name, FollowOptions{}, func(prev cache.FollowListItem, had bool) {
		if had {
			e.cache.PutFollow(prev.WithSubscribed(true))
			return
		}
		e.cache.PutFollow(e.provisional(name, true))
	})
}

// Unsubscribe clears the subscription of name. Unless keepFollow is set the
// user is unfollowed too.
func (e *FollowEngine) Unsubscribe(ctx context.Context, name string, keepFollow bool) (FollowResult, error) {
	opts := FollowOptions{KeepFollow: keepFollow}
	return e.run(ctx, ActionUnsubscribe, name, opts, func(prev cache.FollowListItem, had bool) {
		if !keepFollow {
			e.cache.RemoveFollow(name)
			return
		}
		if had {
			e.cache.PutFollow(prev.WithSubscribed(false))
		}
	})
}

// InFlight reports whether an action on name is outstanding.
func (e *FollowEngine) InFlight(name string) bool {
	return e.guard.InFlight(guard.NameKey(state.KindUserFollow, name))
}

func (e *FollowEngine) provisional(name string, subscribed bool) cache.FollowListItem {
	return cache.FollowListItem{
		Name:          name,
		Subscribed:    subscribed,
		FollowCreated: e.now(),
	}
}

func (e *FollowEngine) run(
	ctx context.Context,
	action FollowAction,
	name string,
	opts FollowOptions,
	apply func(prev cache.FollowListItem, had bool),
) (FollowResult, error) {
	if strings.TrimSpace(name) == "" {
		return FollowResult{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	key := guard.NameKey(state.KindUserFollow, name)
	if !e.guard.TryBegin(key) {
		e.logger.Debug("follow action already in flight", "action", action, "name", name)
		return FollowResult{Skipped: true}, nil
	}
	defer e.guard.End(key)

	log := e.logger.With("mutation_id", uuid.NewString(), "action", action, "name", name)

	prev, had := e.cache.Follow(name)
	apply(prev, had)
	log.Debug("applied optimistic follow update", "was_following", had)

	confirmed, err := e.sender.SendFollowAction(ctx, action, name, opts)
	if err == nil && !confirmed {
		log.Warn("remote did not confirm follow action")
		err = ErrNotConfirmed
	}

	if err != nil {
		e.restore(name, prev, had)
		log.Warn("follow action rejected, rolled back", "error", err)
		e.persist(ctx, log)
		return e.result(name), &RemoteRejectedError{
			Kind:  actionKind(action),
			Ref:   name,
			Cause: err,
		}
	}

	log.Debug("remote confirmed follow action")
	e.persist(ctx, log)
	return e.result(name), nil
}

func (e *FollowEngine) restore(name string, prev cache.FollowListItem, had bool) {
	if had {
		e.cache.PutFollow(prev)
		return
	}
	e.cache.RemoveFollow(name)
}

func (e *FollowEngine) result(name string) FollowResult {
	item, ok := e.cache.Follow(name)
	return FollowResult{Following: ok, Item: item}
}

func (e *FollowEngine) persist(ctx context.Context, log hclog.Logger) {
	if err := e.cache.FlushFollows(context.WithoutCancel(ctx)); err != nil {
		log.Warn("failed to persist follow list", "error", err)
	}
}

func actionKind(action FollowAction) state.Kind {
	switch action {
	case ActionSubscribe, ActionUnsubscribe:
		return state.KindUserSubscribe
	}
	return state.KindUserFollow
}
