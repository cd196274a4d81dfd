package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/metrics"
	"github.com/dreamware/conductor/internal/store"
)

// DefaultStaleness is how long an engine may go without a heartbeat before
// its locks are considered abandoned.
const DefaultStaleness = 60 * time.Second

// ReasonEngineLost is recorded on actions whose engine died holding a lock.
const ReasonEngineLost = "engine lost"

// Manager grants and releases resource locks on behalf of one engine process.
// It never waits: every call is a single store transaction that either
// succeeds or returns a contention error.
type Manager struct {
	store     *store.Store
	engineID  string
	staleness time.Duration
	log       *zap.SugaredLogger
	onStolen  func(context.Context, *store.Lock)
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleness sets the heartbeat age after which locks are reaped.
func WithStaleness(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = l }
}

// OnStolen registers a callback invoked after a stale lock is reclaimed and
// its action failed. The dispatcher uses it to settle the action's parent.
func OnStolen(fn func(context.Context, *store.Lock)) Option {
	return func(m *Manager) { m.onStolen = fn }
}

// New creates a lock manager for engineID.
func New(st *store.Store, engineID string, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		engineID:  engineID,
		staleness: DefaultStaleness,
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logger.For(logger.ComponentLock)
	}
	return m
}

// EngineID returns the engine this manager acquires locks for.
func (m *Manager) EngineID() string { return m.engineID }

// Acquire takes the lock on resourceID for actionID.
//
// An action whose ancestor already holds the lock is inside that ancestor's
// critical section and is granted without a new lock record. Any other holder
// yields action.ErrResourceLocked; a non-terminal action outside the tree that
// targets the resource yields action.ErrActionConflict. Nothing is retried.
func (m *Manager) Acquire(ctx context.Context, resourceID string, kind action.TargetKind, actionID string) error {
	tree, err := m.ancestors(ctx, actionID)
	if err != nil {
		return err
	}
	l, err := m.store.AcquireLock(ctx, store.Lock{
		ResourceID:   resourceID,
		ResourceKind: kind,
		ActionID:     actionID,
		EngineID:     m.engineID,
	}, tree)
	switch {
	case errors.Is(err, action.ErrResourceLocked):
		metrics.LockAcquires.WithLabelValues("locked").Inc()
		return err
	case errors.Is(err, action.ErrActionConflict):
		metrics.LockAcquires.WithLabelValues("conflict").Inc()
		return err
	case err != nil:
		return fmt.Errorf("acquire lock on %s: %w", resourceID, err)
	}

	if l.ActionID != actionID {
		metrics.LockAcquires.WithLabelValues("shared").Inc()
		m.log.Debugw("lock shared with ancestor", "resource", resourceID, "action_id", actionID, "owner", l.ActionID)
		return nil
	}
	metrics.LockAcquires.WithLabelValues("granted").Inc()
	m.log.Debugw("lock granted", "resource", resourceID, "action_id", actionID)
	return nil
}

// ancestors returns the parent chain of actionID, nearest first.
func (m *Manager) ancestors(ctx context.Context, actionID string) ([]string, error) {
	var tree []string
	a, err := m.store.GetAction(ctx, actionID)
	if errors.Is(err, action.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{actionID: true}
	for parent := a.Parent; parent != ""; {
		if seen[parent] {
			return nil, fmt.Errorf("%w: parent chain of %s loops at %s", action.ErrGraphInconsistency, actionID, parent)
		}
		seen[parent] = true
		tree = append(tree, parent)
		p, err := m.store.GetAction(ctx, parent)
		if errors.Is(err, action.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		parent = p.Parent
	}
	return tree, nil
}

// Release drops the lock on resourceID if actionID is its owner. Descendants
// sharing an ancestor's lock release nothing.
func (m *Manager) Release(ctx context.Context, resourceID, actionID string) error {
	released, err := m.store.ReleaseLock(ctx, resourceID, actionID)
	if err != nil {
		return fmt.Errorf("release lock on %s: %w", resourceID, err)
	}
	if released {
		m.log.Debugw("lock released", "resource", resourceID, "action_id", actionID)
	}
	return nil
}

// IsLocked reports whether any lock record exists for resourceID.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	_, err := m.store.GetLock(ctx, resourceID)
	if errors.Is(err, action.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Holder returns the lock on resourceID.
func (m *Manager) Holder(ctx context.Context, resourceID string) (*store.Lock, error) {
	return m.store.GetLock(ctx, resourceID)
}

// Heartbeat records that this engine is alive.
func (m *Manager) Heartbeat(ctx context.Context) error {
	return m.store.Heartbeat(ctx, m.engineID)
}

// Reap reclaims locks held by engines whose last heartbeat is older than the
// staleness bound. Each lock is stolen with a compare-and-set on its owning
// action so concurrent reapers never double-steal. The owning action, if
// still non-terminal, is failed with ReasonEngineLost. Returns the number of
// locks reclaimed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	beats, err := m.store.Heartbeats(ctx)
	if err != nil {
		return 0, err
	}
	locks, err := m.store.ListLocks(ctx)
	if err != nil {
		return 0, err
	}

	now := m.store.Now()
	reaped := 0
	for _, l := range locks {
		if l.EngineID == m.engineID {
			continue
		}
		last, ok := beats[l.EngineID]
		if ok && now.Sub(last) <= m.staleness {
			continue
		}
		if !ok && now.Sub(l.AcquiredAt) <= m.staleness {
			// An engine that has not heartbeated yet gets a grace period from acquisition.
			continue
		}

		stolen, err := m.store.StealLock(ctx, l.ResourceID, l.ActionID)
		if err != nil {
			return reaped, err
		}
		if !stolen {
			continue
		}
		reaped++
		metrics.LocksStolen.Inc()
		m.log.Warnw("reclaimed stale lock",
			"resource", l.ResourceID, "action_id", l.ActionID, "engine_id", l.EngineID, "last_heartbeat", last)

		_, err = m.store.TransitionAction(ctx, l.ActionID, action.StatusFailed, nil, func(a *action.Action) {
			a.Reason = ReasonEngineLost
		})
		switch {
		case err == nil:
		case errors.Is(err, action.ErrNotFound), errors.Is(err, action.ErrGraphInconsistency):
			// Already terminal or gone; nothing to fail.
		default:
			m.log.Errorw("failing orphaned action", "action_id", l.ActionID, "error", err)
			continue
		}
		if m.onStolen != nil {
			m.onStolen(ctx, l)
		}
	}
	return reaped, nil
}

// Run heartbeats every interval and reaps every reapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, reapInterval time.Duration) error {
	if err := m.Heartbeat(ctx); err != nil {
		m.log.Warnw("initial heartbeat failed", "error", err)
	}
	beat := time.NewTicker(interval)
	defer beat.Stop()
	reap := time.NewTicker(reapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			if err := m.Heartbeat(ctx); err != nil {
				m.log.Warnw("heartbeat failed", "error", err)
			}
		case <-reap.C:
			if n, err := m.Reap(ctx); err != nil {
				m.log.Warnw("lock reaper failed", "error", err)
			} else if n > 0 {
				m.log.Infow("lock reaper reclaimed locks", "count", n)
			}
		}
	}
}
