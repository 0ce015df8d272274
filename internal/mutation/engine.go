package mutation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/feedstate/internal/cache"
	"github.com/artpar/feedstate/internal/guard"
	"github.com/artpar/feedstate/internal/state"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Sender delivers a state change to the remote service.
type Sender interface {
	SendMutation(ctx context.Context, kind state.Kind, id int64, target int) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, kind state.Kind, id int64, target int) error

// SendMutation calls f.
func (f SenderFunc) SendMutation(ctx context.Context, kind state.Kind, id int64, target int) error {
	return f(ctx, kind, id, target)
}

// Result describes what a mutation did to the local state.
type Result struct {
	// Skipped is set when another mutation for the same entity was in
	// flight. Nothing was changed.
	Skipped  bool
	Previous int
	Value    int
}

// Outcome is the final result of an asynchronous mutation.
type Outcome struct {
	Result
	Err error
}

type options struct {
	guard  *guard.Guard
	logger hclog.Logger
	now    func() time.Time
}

// Option configures an engine.
type Option func(*options)

// WithGuard shares an in-flight guard between engines.
func WithGuard(g *guard.Guard) Option {
	return func(o *options) {
		o.guard = g
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the time source for provisional follow entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: hclog.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.guard == nil {
		o.guard = guard.New()
	}
	return o
}

// Engine applies votes and boolean toggles optimistically.
//
// The new value is written to the cache before the remote call starts. A
// failed remote call restores the previous value. Either way the kind's
// table is persisted afterwards; persistence failures are only logged.
type Engine struct {
	cache  *cache.Cache
	sender Sender
	guard  *guard.Guard
	logger hclog.Logger
}

// NewEngine creates an engine writing to c and confirming through sender.
func NewEngine(c *cache.Cache, sender Sender, opts ...Option) *Engine {
	o := buildOptions(opts)
	return &Engine{
		cache:  c,
		sender: sender,
		guard:  o.guard,
		logger: o.logger.Named("mutation"),
	}
}

type pending struct {
	key    guard.Key
	kind   state.Kind
	id     int64
	cur    int
	target int
	log    hclog.Logger
}

// Mutate applies dir to (kind, id).
//
// It returns a Skipped result and no error if a mutation for the same entity
// is already in flight, ErrInvalidDirection if dir does not apply to kind,
// state.ErrInvalidKind for kinds carried by the follow list,
// and a *RemoteRejectedError after rolling back a failed remote call.
func (e *Engine) Mutate(ctx context.Context, kind state.Kind, id int64, dir state.Direction) (Result, error) {
	p, res, err := e.begin(kind, id, dir)
	if p == nil {
		return res, err
	}
	return e.finish(ctx, p)
}

// MutateAsync applies the optimistic update synchronously and completes the
// remote round-trip on its own goroutine. The channel yields exactly one
// Outcome.
func (e *Engine) MutateAsync(ctx context.Context, kind state.Kind, id int64, dir state.Direction) <-chan Outcome {
	ch := make(chan Outcome, 1)

	p, res, err := e.begin(kind, id, dir)
	if p == nil {
		ch <- Outcome{Result: res, Err: err}
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		res, err := e.finish(ctx, p)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// InFlight reports whether (kind, id) has a mutation outstanding.
func (e *Engine) InFlight(kind state.Kind, id int64) bool {
	return e.guard.InFlight(guard.IDKey(kind, id))
}

// begin claims the entity and writes the target value. A nil pending means
// the mutation is over, with res and err as its result.
func (e *Engine) begin(kind state.Kind, id int64, dir state.Direction) (*pending, Result, error) {
	if kind.InFollowList() {
		return nil, Result{}, fmt.Errorf("%w: %s is changed through the follow engine", state.ErrInvalidKind, kind)
	}

	key := guard.IDKey(kind, id)
	if !e.guard.TryBegin(key) {
		e.logger.Debug("mutation already in flight", "kind", kind, "id", id)
		return nil, Result{Skipped: true}, nil
	}

	cur := e.cache.Value(kind, id)
	target, err := state.Target(kind, cur, dir)
	if err != nil {
		e.guard.End(key)
		return nil, Result{Previous: cur, Value: cur}, err
	}

	if err := e.cache.Set(kind, id, target); err != nil {
		e.guard.End(key)
		return nil, Result{Previous: cur, Value: cur}, err
	}

	log := e.logger.With("mutation_id", uuid.NewString(), "kind", kind, "id", id)
	log.Debug("applied optimistic update", "previous", cur, "target", target)

	return &pending{key: key, kind: kind, id: id, cur: cur, target: target, log: log}, Result{}, nil
}

func (e *Engine) finish(ctx context.Context, p *pending) (Result, error) {
	defer e.guard.End(p.key)

	if err := e.sender.SendMutation(ctx, p.kind, p.id, p.target); err != nil {
		if setErr := e.cache.Set(p.kind, p.id, p.cur); setErr != nil {
			p.log.Error("rollback failed", "error", setErr)
		}
		p.log.Warn("remote rejected mutation, rolled back", "restored", p.cur, "error", err)
		e.persist(ctx, p)
		return Result{Previous: p.cur, Value: p.cur}, &RemoteRejectedError{
			Kind:  p.kind,
			Ref:   strconv.FormatInt(p.id, 10),
			Cause: err,
		}
	}

	p.log.Debug("remote confirmed mutation")
	e.persist(ctx, p)
	return Result{Previous: p.cur, Value: p.target}, nil
}

func (e *Engine) persist(ctx context.Context, p *pending) {
	if err := e.cache.Flush(context.WithoutCancel(ctx), p.kind); err != nil {
		p.log.Warn("failed to persist state", "error", err)
	}
}
