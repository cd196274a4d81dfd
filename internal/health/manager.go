package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultReconcileInterval = 10 * time.Second
	DefaultRetryInterval     = time.Second
	DefaultCheckTimeout      = 2 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithReconcileInterval sets how often bindings are re-read.
func WithReconcileInterval(d time.Duration) Option {
	return func(m *Manager) { m.reconcileInterval = d }
}

// WithRetryInterval sets the pause between URL poll retries.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// WithHTTPClient replaces the client used for URL polling.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = l }
}

type running struct {
	monitor *Monitor
	cancel  context.CancelFunc
}

// Manager runs one Monitor per cluster that has an enabled health policy
// bound, starting and stopping monitors as bindings change. It also
// implements policy.Suspender: health policy hooks suspend a cluster's
// checks while it is deliberately shrinking.
type Manager struct {
	store     *store.Store
	drivers   *profile.Registry
	recoverer Recoverer

	reconcileInterval time.Duration
	retryInterval     time.Duration
	client            *http.Client
	log               *zap.SugaredLogger

	mu        sync.Mutex
	monitors  map[string]*running
	suspended map[string]int
	group     *errgroup.Group
	groupCtx  context.Context
}

var _ policy.Suspender = (*Manager)(nil)

// NewManager returns a manager that hands failed nodes to r.
func NewManager(st *store.Store, drivers *profile.Registry, r Recoverer, opts ...Option) *Manager {
	m := &Manager{
		store:             st,
		drivers:           drivers,
		recoverer:         r,
		reconcileInterval: DefaultReconcileInterval,
		retryInterval:     DefaultRetryInterval,
		client:            &http.Client{Timeout: DefaultCheckTimeout},
		monitors:          map[string]*running{},
		suspended:         map[string]int{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logger.For(logger.ComponentHealth)
	}
	return m
}

// Suspend pauses checks for a cluster. Calls nest.
func (m *Manager) Suspend(clusterID string) {
	m.mu.Lock()
	m.suspended[clusterID]++
	m.mu.Unlock()
	m.log.Debugw("health checks suspended", "cluster_id", clusterID)
}

// Resume undoes one Suspend.
func (m *Manager) Resume(clusterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended[clusterID] <= 1 {
		delete(m.suspended, clusterID)
		return
	}
	m.suspended[clusterID]--
}

// Suspended reports whether checks for a cluster are paused.
func (m *Manager) Suspended(clusterID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended[clusterID] > 0
}

// Run reconciles monitors with the stored bindings until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	m.group, m.groupCtx = g, gctx
	m.mu.Unlock()

	g.Go(func() error {
		t := time.NewTicker(m.reconcileInterval)
		defer t.Stop()
		for {
			if err := m.Reconcile(gctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warnw("health reconcile failed", "error", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	err := g.Wait()

	m.mu.Lock()
	for id, r := range m.monitors {
		r.cancel()
		delete(m.monitors, id)
	}
	m.group, m.groupCtx = nil, nil
	m.mu.Unlock()
	return err
}

// Reconcile starts monitors for newly bound clusters, restarts monitors
// whose policy changed and stops monitors for clusters that lost their
// health binding or no longer exist.
func (m *Manager) Reconcile(ctx context.Context) error {
	clusters, err := m.store.ListClusters(ctx)
	if err != nil {
		return err
	}
	want := map[string]*Monitor{}
	exists := map[string]bool{}
	for _, c := range clusters {
		exists[c.ID] = true
		bindings, err := m.store.ListBindings(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			if b.PolicyType != policy.TypeHealth || !b.Enabled {
				continue
			}
			spec, err := m.store.GetPolicy(ctx, b.PolicyID)
			if err != nil {
				m.log.Warnw("health policy unreadable", "cluster_id", c.ID, "policy_id", b.PolicyID, "error", err)
				break
			}
			cfg, err := policy.ParseHealth(spec)
			if err != nil {
				m.log.Warnw("health policy invalid", "cluster_id", c.ID, "policy_id", b.PolicyID, "error", err)
				break
			}
			want[c.ID] = m.newMonitor(c.ID, b.PolicyID, cfg)
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.monitors {
		if w, ok := want[id]; !ok || w.policyID != r.monitor.policyID {
			r.cancel()
			delete(m.monitors, id)
			m.log.Infow("health monitor removed", "cluster_id", id)
		}
	}
	for id := range m.suspended {
		if !exists[id] {
			delete(m.suspended, id)
		}
	}
	if m.group == nil {
		return nil
	}
	for id, mon := range want {
		if _, ok := m.monitors[id]; ok {
			continue
		}
		mctx, cancel := context.WithCancel(m.groupCtx)
		m.monitors[id] = &running{monitor: mon, cancel: cancel}
		m.group.Go(func() error {
			mon.Run(mctx)
			return nil
		})
	}
	return nil
}

func (m *Manager) newMonitor(clusterID, policyID string, cfg *policy.HealthConfig) *Monitor {
	return &Monitor{
		clusterID:     clusterID,
		policyID:      policyID,
		cfg:           cfg,
		store:         m.store,
		drivers:       m.drivers,
		recoverer:     recovererFunc(m.requestRecovery),
		client:        m.client,
		retryInterval: m.retryInterval,
		suspended:     func() bool { return m.Suspended(clusterID) },
		log:           m.log,
		events:        make(chan event, 64),
		nodes:         map[string]*NodeHealth{},
	}
}

type recovererFunc func(ctx context.Context, clusterID, nodeID string, ops []string) error

func (f recovererFunc) RecoverNode(ctx context.Context, clusterID, nodeID string, ops []string) error {
	return f(ctx, clusterID, nodeID, ops)
}

func (m *Manager) requestRecovery(ctx context.Context, clusterID, nodeID string, ops []string) error {
	if m.recoverer == nil {
		return errors.New("no recoverer configured")
	}
	return m.recoverer.RecoverNode(ctx, clusterID, nodeID, ops)
}

func (m *Manager) monitor(clusterID string) (*Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.monitors[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: no health monitor for cluster %s", action.ErrNotFound, clusterID)
	}
	return r.monitor, nil
}

// Notify routes a lifecycle event to the cluster's monitor.
func (m *Manager) Notify(clusterID, nodeID, kind string) error {
	mon, err := m.monitor(clusterID)
	if err != nil {
		return err
	}
	return mon.Notify(nodeID, kind)
}

// Report returns the per-node health records for a cluster.
func (m *Manager) Report(clusterID string) (map[string]*NodeHealth, error) {
	mon, err := m.monitor(clusterID)
	if err != nil {
		return nil, err
	}
	return mon.Nodes(), nil
}

// Monitored returns the ids of clusters with a running monitor.
func (m *Manager) Monitored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.monitors))
	for id := range m.monitors {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
