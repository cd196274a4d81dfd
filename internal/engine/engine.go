package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/dispatcher"
	"github.com/dreamware/conductor/internal/graph"
	"github.com/dreamware/conductor/internal/health"
	"github.com/dreamware/conductor/internal/lock"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/metrics"
	"github.com/dreamware/conductor/internal/notify"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

// ErrRateLimited is returned when a receiver is triggered faster than its
// limit allows.
var ErrRateLimited = errors.New("rate limited")

// Defaults used when the corresponding option is not given.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReapInterval      = 30 * time.Second
	DefaultReceiverRate      = rate.Limit(1)
	DefaultReceiverBurst     = 5
)

type options struct {
	engineID          string
	workers           int
	lifecycleTimeout  time.Duration
	criteria          string
	publisher         notify.Publisher
	staleness         time.Duration
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	receiverRate      rate.Limit
	receiverBurst     int
	afterFunc         dispatcher.AfterFunc
	healthOpts        []health.Option
	log               *zap.SugaredLogger
}

// Option configures an Engine.
type Option func(*options)

// WithEngineID names this engine in locks, heartbeats and action owners.
// A random id is used otherwise.
func WithEngineID(id string) Option { return func(o *options) { o.engineID = id } }

// WithWorkers sets the dispatcher pool size.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithLifecycleTimeout sets the deadline for deletion hooks that do not
// name one.
func WithLifecycleTimeout(d time.Duration) Option {
	return func(o *options) { o.lifecycleTimeout = d }
}

// WithDeletionCriteria sets victim ordering for clusters without a
// deletion policy.
func WithDeletionCriteria(c string) Option { return func(o *options) { o.criteria = c } }

// WithPublisher sets where lifecycle hook messages go.
func WithPublisher(p notify.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithLockTiming sets lock staleness and how often heartbeats and the
// reaper run.
func WithLockTiming(staleness, heartbeat, reap time.Duration) Option {
	return func(o *options) {
		o.staleness, o.heartbeatInterval, o.reapInterval = staleness, heartbeat, reap
	}
}

// WithReceiverRate limits how often each receiver may be triggered.
func WithReceiverRate(r rate.Limit, burst int) Option {
	return func(o *options) { o.receiverRate, o.receiverBurst = r, burst }
}

// WithAfterFunc replaces the timer used for lifecycle deadlines.
func WithAfterFunc(f dispatcher.AfterFunc) Option { return func(o *options) { o.afterFunc = f } }

// WithHealthOptions passes options to the health manager.
func WithHealthOptions(opts ...health.Option) Option {
	return func(o *options) { o.healthOpts = append(o.healthOpts, opts...) }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }

// Engine is the entry point for every operation. It owns the lock manager,
// policy pipeline, dispatcher and health monitors, and is the only place
// root actions are created.
type Engine struct {
	store      *store.Store
	drivers    *profile.Registry
	locks      *lock.Manager
	registry   *policy.Registry
	pipeline   *policy.Pipeline
	dispatcher *dispatcher.Dispatcher
	health     *health.Manager
	validate   *validator.Validate
	opts       options
	log        *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wires an engine over a store and the configured profile drivers.
func New(st *store.Store, drivers *profile.Registry, opts ...Option) *Engine {
	o := options{
		engineID:          "engine-" + uuid.NewString()[:8],
		criteria:          graph.DefaultCriteria,
		heartbeatInterval: DefaultHeartbeatInterval,
		reapInterval:      DefaultReapInterval,
		receiverRate:      DefaultReceiverRate,
		receiverBurst:     DefaultReceiverBurst,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logger.For(logger.ComponentEngine)
	}

	e := &Engine{
		store:    st,
		drivers:  drivers,
		validate: validator.New(),
		opts:     o,
		log:      o.log,
		limiters: map[string]*rate.Limiter{},
	}

	var lockOpts []lock.Option
	if o.staleness > 0 {
		lockOpts = append(lockOpts, lock.WithStaleness(o.staleness))
	}
	e.locks = lock.New(st, o.engineID, lockOpts...)

	e.health = health.NewManager(st, drivers, healthRecoverer{e}, o.healthOpts...)
	e.registry = policy.DefaultRegistry()
	e.registry.Register(policy.Key(policy.TypeHealth, policy.Version1), func(spec *cluster.PolicySpec) (policy.Policy, error) {
		return policy.NewHealth(spec, e.health)
	})
	e.pipeline = policy.NewPipeline(st, e.registry)

	dopts := []dispatcher.Option{}
	if o.workers > 0 {
		dopts = append(dopts, dispatcher.WithWorkers(o.workers))
	}
	if o.lifecycleTimeout > 0 {
		dopts = append(dopts, dispatcher.WithLifecycleTimeout(o.lifecycleTimeout))
	}
	if o.afterFunc != nil {
		dopts = append(dopts, dispatcher.WithAfterFunc(o.afterFunc))
	}
	e.dispatcher = dispatcher.New(dispatcher.Deps{
		Store:     st,
		Locks:     e.locks,
		Pipeline:  e.pipeline,
		Resolver:  graph.NewResolver(st, graph.WithCriteria(o.criteria)),
		Drivers:   drivers,
		Publisher: o.publisher,
	}, dopts...)
	return e
}

// ID returns the engine id.
func (e *Engine) ID() string { return e.opts.engineID }

// Store exposes the underlying store for read-only callers.
func (e *Engine) Store() *store.Store { return e.store }

// Registry returns the policy registry.
func (e *Engine) Registry() *policy.Registry { return e.registry }

// Run starts the dispatcher, heartbeats, the lock reaper and the health
// monitors, and blocks until ctx is done or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.locks.Run(ctx, e.opts.heartbeatInterval, e.opts.reapInterval) })
	g.Go(func() error { return e.health.Run(ctx) })
	e.log.Infow("engine running", "engine_id", e.opts.engineID)
	err := g.Wait()
	e.log.Infow("engine stopped", "engine_id", e.opts.engineID)
	return err
}

// Request describes an action to create.
type Request struct {
	Type     action.Type `validate:"required"`
	Target   string      `validate:"required"`
	Name     string      `validate:"max=255"`
	Inputs   map[string]any
	Priority int
	Cause    action.Cause
}

// Request creates a root action: it refuses locked targets, records the
// action, runs the pre-op policy hooks and queues the action for dispatch.
// A policy veto leaves a FAILED action and returns it together with a
// *action.PolicyRejection.
func (e *Engine) Request(ctx context.Context, req Request) (*action.Action, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown action type %q", action.ErrInvalidRequest, req.Type)
	}
	if req.Cause.Kind == "" {
		req.Cause.Kind = action.CauseUser
	}

	a := &action.Action{
		ID:         uuid.NewString(),
		Name:       req.Name,
		TargetID:   req.Target,
		TargetKind: req.Type.Kind(),
		Type:       req.Type,
		Status:     action.StatusInit,
		Cause:      req.Cause,
		Priority:   req.Priority,
	}
	for k, v := range req.Inputs {
		a.SetInput(k, v)
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("%s_%s", req.Type, req.Target)
	}
	if err := e.checkTarget(ctx, a); err != nil {
		return nil, err
	}

	locked, err := e.locks.IsLocked(ctx, a.TargetID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, fmt.Errorf("%w: %s", action.ErrResourceLocked, a.TargetID)
	}
	if err := e.store.CreateAction(ctx, a); err != nil {
		return nil, err
	}

	if err := e.pipeline.PreOp(ctx, a); err != nil {
		failed, terr := e.store.TransitionAction(ctx, a.ID, action.StatusFailed, []action.Status{action.StatusInit}, func(x *action.Action) {
			x.Inputs = a.Inputs
			x.Reason = err.Error()
		})
		if terr != nil {
			e.log.Warnw("recording rejected action failed", "action_id", a.ID, "error", terr)
			return nil, err
		}
		metrics.ActionsCompleted.WithLabelValues(string(failed.Type), string(failed.Status)).Inc()
		return failed, err
	}

	ready, err := e.store.TransitionAction(ctx, a.ID, action.StatusReady, []action.Status{action.StatusInit}, func(x *action.Action) {
		x.Inputs = a.Inputs
	})
	if err != nil {
		e.unwind(ctx, a, err)
		return nil, err
	}
	metrics.ActionsCreated.WithLabelValues(string(ready.Type), string(ready.Cause.Kind)).Inc()
	e.log.Infow("action accepted",
		"action_id", ready.ID, "type", ready.Type, "target", ready.TargetID, "cause", ready.Cause.String())
	e.dispatcher.Enqueue(ready)
	return ready, nil
}

// unwind fails an action that passed its pre-op hooks but could not be
// queued, and runs the post-op hooks so approvals with side effects, such as
// a suspended health monitor, are undone.
func (e *Engine) unwind(ctx context.Context, a *action.Action, cause error) {
	failed, err := e.store.TransitionAction(ctx, a.ID, action.StatusFailed, []action.Status{action.StatusInit}, func(x *action.Action) {
		x.Inputs = a.Inputs
		x.Reason = cause.Error()
	})
	if err != nil {
		e.log.Warnw("failing unqueued action failed", "action_id", a.ID, "error", err)
		failed = a.Clone()
		failed.Status = action.StatusFailed
	}
	if err := e.pipeline.PostOp(ctx, failed); err != nil {
		e.log.Warnw("post-op for unqueued action failed", "action_id", a.ID, "error", err)
	}
}

// checkTarget verifies the target exists (or, for creates, that it can be
// created) and records the owning cluster of node actions.
func (e *Engine) checkTarget(ctx context.Context, a *action.Action) error {
	switch a.Type {
	case action.ClusterCreate:
		c, err := e.store.GetCluster(ctx, a.TargetID)
		if err != nil {
			return err
		}
		if c.Status != cluster.StatusInit {
			return fmt.Errorf("%w: cluster %s is already %s", action.ErrInvalidRequest, c.ID, c.Status)
		}
		return nil
	case action.NodeCreate:
		if _, err := e.store.GetNode(ctx, a.TargetID); err == nil {
			return fmt.Errorf("node %s: %w", a.TargetID, store.ErrAlreadyExists)
		} else if !errors.Is(err, action.ErrNotFound) {
			return err
		}
		profileID, _ := a.Inputs[action.InputProfileID].(string)
		clusterID, _ := a.Inputs[action.InputClusterID].(string)
		if clusterID != "" {
			c, err := e.store.GetCluster(ctx, clusterID)
			if err != nil {
				return err
			}
			if !c.WithinBounds(len(c.NodeIDs) + 1) {
				return fmt.Errorf("%w: cluster %s is at its maximum size", action.ErrInvalidRequest, c.ID)
			}
			if profileID == "" {
				profileID = c.ProfileID
			}
		}
		if _, err := e.drivers.Get(profileID); err != nil {
			return err
		}
		return nil
	}

	if a.TargetKind == action.KindCluster {
		_, err := e.store.GetCluster(ctx, a.TargetID)
		return err
	}
	n, err := e.store.GetNode(ctx, a.TargetID)
	if err != nil {
		return err
	}
	if n.ClusterID != "" {
		a.SetInput(action.InputClusterID, n.ClusterID)
	}
	return nil
}

// Cancel cancels an action and its not-yet-started descendants.
func (e *Engine) Cancel(ctx context.Context, id string) (*action.Action, error) {
	return e.dispatcher.Cancel(ctx, id)
}

// CompleteLifecycle signals that the consumer of a lifecycle hook message
// is done with the node. The token is the one carried by the message.
func (e *Engine) CompleteLifecycle(ctx context.Context, token string) (*action.Action, error) {
	a, err := e.store.GetAction(ctx, token)
	if err != nil {
		return nil, err
	}
	if a.Status != action.StatusWaitingLifecycle {
		return a, fmt.Errorf("%w: action %s is %s, not waiting for lifecycle completion",
			action.ErrInvalidTransition, a.ID, a.Status)
	}
	return e.dispatcher.Resume(ctx, token)
}

// GetAction returns an action by id.
func (e *Engine) GetAction(ctx context.Context, id string) (*action.Action, error) {
	return e.store.GetAction(ctx, id)
}

// ListActions returns actions matching f.
func (e *Engine) ListActions(ctx context.Context, f store.ActionFilter) ([]*action.Action, error) {
	return e.store.ListActions(ctx, f)
}

// Locks returns the held resource locks.
func (e *Engine) Locks(ctx context.Context) ([]*store.Lock, error) {
	return e.store.ListLocks(ctx)
}

// Pending returns the number of actions waiting for a worker.
func (e *Engine) Pending() int { return e.dispatcher.Pending() }

// healthRecoverer submits recovery actions on behalf of health monitors.
type healthRecoverer struct{ e *Engine }

func (h healthRecoverer) RecoverNode(ctx context.Context, clusterID, nodeID string, ops []string) error {
	_, err := h.e.Request(ctx, Request{
		Type:   action.NodeRecover,
		Target: nodeID,
		Inputs: map[string]any{action.InputOperations: ops, action.InputClusterID: clusterID},
		Cause:  action.Cause{Kind: action.CauseHealth, ID: clusterID},
	})
	return err
}
