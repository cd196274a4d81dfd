package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/graph"
	"github.com/dreamware/conductor/internal/lock"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/metrics"
	"github.com/dreamware/conductor/internal/notify"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

var tracer = otel.Tracer("conductor/dispatcher")

// Defaults used when the corresponding option is not given.
const (
	DefaultWorkers          = 8
	DefaultLifecycleTimeout = 60 * time.Second
	DefaultSweepInterval    = 30 * time.Second

	// abandonedAfter is how long an INIT action may sit before the sweep
	// assumes its request died half way.
	abandonedAfter = time.Minute
)

// Timer is a pending deadline. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Store     *store.Store
	Locks     *lock.Manager
	Pipeline  *policy.Pipeline
	Resolver  *graph.Resolver
	Drivers   *profile.Registry
	Publisher notify.Publisher
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithLifecycleTimeout sets the deadline used when a deletion hook does
// not name one.
func WithLifecycleTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.lifecycleTimeout = t }
}

// WithSweepInterval sets how often stalled actions are re-examined.
func WithSweepInterval(t time.Duration) Option {
	return func(d *Dispatcher) { d.sweepInterval = t }
}

// WithAfterFunc replaces the timer used for lifecycle deadlines.
func WithAfterFunc(f AfterFunc) Option {
	return func(d *Dispatcher) { d.afterFunc = f }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher runs READY actions on a fixed pool of workers. It is the only
// component that calls profile drivers.
type Dispatcher struct {
	Deps

	workers          int
	lifecycleTimeout time.Duration
	sweepInterval    time.Duration
	afterFunc        AfterFunc
	log              *zap.SugaredLogger

	queue *queue

	mu     sync.Mutex
	timers map[string]Timer
	base   context.Context
}

// New returns a dispatcher. It does nothing until Run is called, but
// actions may be enqueued before that.
func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		Deps:             deps,
		workers:          DefaultWorkers,
		lifecycleTimeout: DefaultLifecycleTimeout,
		sweepInterval:    DefaultSweepInterval,
		afterFunc:        realAfterFunc,
		queue:            newQueue(),
		timers:           map[string]Timer{},
		base:             context.Background(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.Publisher == nil {
		d.Publisher = notify.NewLog()
	}
	if d.log == nil {
		d.log = logger.For(logger.ComponentDispatcher)
	}
	return d
}

// Enqueue hands a READY action to the workers.
func (d *Dispatcher) Enqueue(a *action.Action) {
	if d.queue.push(a) {
		d.log.Debugw("action queued", "action_id", a.ID, "type", a.Type, "target", a.TargetID)
	}
}

// Pending returns the number of queued actions.
func (d *Dispatcher) Pending() int { return d.queue.len() }

// Run resumes whatever the store says is in flight, then runs the workers
// and the sweep until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	d.sweep(ctx, true)
	d.log.Infow("dispatcher started", "workers", d.workers, "engine_id", d.Locks.EngineID())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(d.sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				d.sweep(ctx, false)
			}
		}
	})
	err := g.Wait()
	d.stopTimers()
	d.log.Infow("dispatcher stopped")
	return err
}

func (d *Dispatcher) baseContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		id, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		d.execute(ctx, id)
	}
}

// execute takes the lock for a READY action, runs its handler and applies
// the result.
func (d *Dispatcher) execute(ctx context.Context, id string) {
	a, err := d.Store.GetAction(ctx, id)
	if err != nil {
		d.log.Warnw("queued action unreadable", "action_id", id, "error", err)
		return
	}
	if a.Status != action.StatusReady {
		return
	}

	if err := d.Locks.Acquire(ctx, a.TargetID, a.TargetKind, a.ID); err != nil {
		d.log.Infow("lock refused at dispatch", "action_id", a.ID, "target", a.TargetID, "error", err)
		d.complete(ctx, a.ID, []action.Status{action.StatusReady}, action.StatusFailed, err.Error(), nil)
		return
	}
	running, err := d.Store.TransitionAction(ctx, id, action.StatusRunning, []action.Status{action.StatusReady}, func(x *action.Action) {
		x.Owner = d.Locks.EngineID()
	})
	if err != nil {
		// Cancelled between pop and run.
		if rerr := d.Locks.Release(ctx, a.TargetID, id); rerr != nil {
			d.log.Warnw("release after lost race failed", "action_id", id, "error", rerr)
		}
		return
	}
	a = running

	metrics.BusyWorkers.Inc()
	defer metrics.BusyWorkers.Dec()

	spanCtx, span := tracer.Start(ctx, "action."+strings.ToLower(string(a.Type)),
		trace.WithAttributes(
			attribute.String("action.id", a.ID),
			attribute.String("action.target", a.TargetID),
			attribute.String("action.cause", a.Cause.String()),
		),
	)
	start := time.Now()
	res := d.handle(spanCtx, a)
	metrics.ActionDuration.WithLabelValues(string(a.Type), res.outcome()).Observe(time.Since(start).Seconds())
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if ctx.Err() != nil && res.err != nil && errors.Is(res.err, ctx.Err()) {
		// Shutting down; the next start fails the action as interrupted.
		return
	}
	d.apply(ctx, a, res)
}

func (d *Dispatcher) apply(ctx context.Context, a *action.Action, res result) {
	switch {
	case res.deferred:
		d.deferAction(ctx, a, res.deferFor)
	case len(res.children) > 0:
		d.spawn(ctx, a, res.children)
	case res.err != nil:
		d.complete(ctx, a.ID, []action.Status{action.StatusRunning}, action.StatusFailed, res.err.Error(), res.outputs)
	default:
		d.complete(ctx, a.ID, []action.Status{action.StatusRunning}, action.StatusSucceeded, res.reason, res.outputs)
	}
}

// spawn persists children and parks the parent in WAITING. The parent's
// worker is released; the parent is re-evaluated as children finish.
func (d *Dispatcher) spawn(ctx context.Context, parent *action.Action, children []*action.Action) {
	plan := parent.Clone()
	for _, c := range children {
		plan.DependsOn = append(plan.DependsOn, c.ID)
	}
	if err := graph.Validate(append([]*action.Action{plan}, children...)); err != nil {
		d.log.Errorw("refusing inconsistent action graph", "action_id", parent.ID, "error", err)
		d.complete(ctx, parent.ID, []action.Status{action.StatusRunning}, action.StatusFailed, err.Error(), nil)
		return
	}
	p, err := d.Store.AttachChildren(ctx, parent.ID, children)
	if err != nil {
		if errors.Is(err, action.ErrGraphInconsistency) {
			d.log.Errorw("attaching children failed", "action_id", parent.ID, "error", err)
		}
		d.complete(ctx, parent.ID, []action.Status{action.StatusRunning}, action.StatusFailed, err.Error(), nil)
		return
	}
	for _, c := range children {
		metrics.ActionsCreated.WithLabelValues(string(c.Type), string(c.Cause.Kind)).Inc()
		d.Enqueue(c)
	}
	d.log.Infow("action waiting on children", "action_id", p.ID, "children", len(children))
	if p.CancelRequested {
		d.cascade(ctx, p)
	}
}

// complete moves an action to a terminal status. Losing the race to
// another writer is not an error; trying to leave a terminal status is.
func (d *Dispatcher) complete(ctx context.Context, id string, expect []action.Status, to action.Status, reason string, outputs map[string]any) {
	a, err := d.Store.TransitionAction(ctx, id, to, expect, func(x *action.Action) {
		x.Reason = reason
		x.Deadline = time.Time{}
		for k, v := range outputs {
			x.SetOutput(k, v)
		}
	})
	switch {
	case errors.Is(err, action.ErrGraphInconsistency):
		d.log.Errorw("terminal action re-entered", "action_id", id, "to", to, "error", err)
		return
	case err != nil:
		d.log.Debugw("completion lost race", "action_id", id, "to", to, "error", err)
		return
	}
	d.finish(ctx, a)
}

// finish runs everything that follows a terminal transition: cluster
// bookkeeping, post-op hooks for roots, lock release and parent
// re-evaluation.
func (d *Dispatcher) finish(ctx context.Context, a *action.Action) {
	metrics.ActionsCompleted.WithLabelValues(string(a.Type), string(a.Status)).Inc()
	d.log.Infow("action finished",
		"action_id", a.ID, "type", a.Type, "target", a.TargetID, "status", a.Status, "reason", a.Reason)

	d.stopTimer(a.ID)
	if a.TargetKind == action.KindCluster {
		d.settle(ctx, a)
	}
	if a.IsRoot() {
		if err := d.Pipeline.PostOp(ctx, a); err != nil {
			d.log.Warnw("post-op failed", "action_id", a.ID, "error", err)
		}
	}
	if err := d.Locks.Release(ctx, a.TargetID, a.ID); err != nil {
		d.log.Warnw("lock release failed", "action_id", a.ID, "target", a.TargetID, "error", err)
	}
	if a.Parent != "" {
		d.evaluate(ctx, a.Parent)
	}
}

// evaluate completes a WAITING parent once all of its children are terminal.
func (d *Dispatcher) evaluate(ctx context.Context, id string) {
	p, err := d.Store.GetAction(ctx, id)
	if err != nil {
		d.log.Warnw("parent unreadable", "action_id", id, "error", err)
		return
	}
	if p.Status != action.StatusWaiting {
		return
	}
	children := make([]*action.Action, 0, len(p.DependsOn))
	for _, cid := range p.DependsOn {
		c, err := d.Store.GetAction(ctx, cid)
		if err != nil {
			d.log.Errorw("dependency unreadable", "action_id", id, "dependency", cid, "error", err)
			return
		}
		children = append(children, c)
	}
	out, done := graph.Aggregate(p, children)
	if !done {
		return
	}
	d.complete(ctx, id, []action.Status{action.StatusWaiting}, out.Status, out.Reason, out.Outputs)
}

// sweep re-examines in-flight actions so a lost notification or a crashed
// engine cannot leave work stranded. At startup it also fails actions this
// engine was running when it stopped.
func (d *Dispatcher) sweep(ctx context.Context, startup bool) {
	actions, err := d.Store.ListActions(ctx, store.ActionFilter{NonTerminal: true})
	if err != nil {
		d.log.Warnw("sweep failed", "error", err)
		return
	}
	now := d.Store.Now()
	for _, a := range actions {
		switch a.Status {
		case action.StatusReady:
			if !d.queue.has(a.ID) {
				d.Enqueue(a)
			}
		case action.StatusWaiting:
			d.evaluate(ctx, a.ID)
		case action.StatusWaitingLifecycle:
			if !d.armed(a.ID) {
				d.arm(a.ID, max(a.Deadline.Sub(now), 0))
			}
		case action.StatusRunning:
			if startup && a.Owner == d.Locks.EngineID() {
				d.complete(ctx, a.ID, []action.Status{action.StatusRunning}, action.StatusFailed,
					"interrupted by engine restart", nil)
			}
		case action.StatusInit:
			if now.Sub(a.CreatedAt) > abandonedAfter {
				d.complete(ctx, a.ID, []action.Status{action.StatusInit}, action.StatusFailed,
					"request abandoned before dispatch", nil)
			}
		}
	}
}

// driverFailure marks err as coming from a profile driver.
func driverFailure(err error) error {
	return fmt.Errorf("%w: %w", action.ErrDriverFailure, err)
}
