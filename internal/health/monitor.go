package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/metrics"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Lifecycle events a monitor accepts through Notify. Any of them marks the
// node failed at once.
const (
	EventStopped = "STOPPED"
	EventDeleted = "DELETED"
	EventError   = "ERROR"
)

// checkParallelism bounds concurrent node checks within one monitor.
const checkParallelism = 8

// NodeHealth tracks the health of a single node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// Recoverer requests recovery of a failed node. The engine implements it
// by submitting a NODE_RECOVER action caused by the health monitor.
type Recoverer interface {
	RecoverNode(ctx context.Context, clusterID, nodeID string, operations []string) error
}

type event struct {
	nodeID string
	kind   string
}

// Monitor periodically checks the nodes of one cluster against a health
// policy. Nodes that fail FailureThreshold consecutive checks are tainted
// and handed to the Recoverer.
type Monitor struct {
	clusterID string
	policyID  string
	cfg       *policy.HealthConfig

	store         *store.Store
	drivers       *profile.Registry
	recoverer     Recoverer
	client        *http.Client
	retryInterval time.Duration
	suspended     func() bool
	log           *zap.SugaredLogger

	events chan event

	mu    sync.RWMutex
	nodes map[string]*NodeHealth
}

func (m *Monitor) has(mode string) bool {
	for _, d := range m.cfg.Modes {
		if d.Type == mode {
			return true
		}
	}
	return false
}

// Run checks the cluster every interval until ctx is done. The first check
// runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()

	m.log.Infow("health monitor started", "cluster_id", m.clusterID, "interval", m.cfg.Interval)
	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Infow("health monitor stopped", "cluster_id", m.clusterID)
			return
		case <-t.C:
			m.checkAll(ctx)
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

// Notify feeds a lifecycle event for a node into the monitor. It does not
// block; events arriving faster than they are handled are dropped.
func (m *Monitor) Notify(nodeID, kind string) error {
	if !m.has(policy.ModeLifecycle) {
		return fmt.Errorf("%w: cluster %s does not listen for lifecycle events", action.ErrInvalidRequest, m.clusterID)
	}
	select {
	case m.events <- event{nodeID: nodeID, kind: kind}:
		return nil
	default:
		return fmt.Errorf("lifecycle event for node %s dropped: monitor busy", nodeID)
	}
}

// checkAll evaluates every node that is not in the middle of an operation
// and forgets nodes that left the cluster.
func (m *Monitor) checkAll(ctx context.Context) {
	if m.suspended() {
		m.log.Debugw("health checks suspended", "cluster_id", m.clusterID)
		return
	}
	nodes, err := m.store.ListNodes(ctx, m.clusterID)
	if err != nil {
		m.log.Warnw("listing nodes for health check failed", "cluster_id", m.clusterID, "error", err)
		return
	}

	current := make(map[string]bool, len(nodes))
	type verdict struct {
		node   *cluster.Node
		failed bool
		reason string
		err    error
	}
	verdicts := make([]verdict, len(nodes))

	polling := m.has(policy.ModeStatusPolling) || m.has(policy.ModePollURL)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkParallelism)
	for i, n := range nodes {
		current[n.ID] = true
		if !polling || busy(n.Status) {
			continue
		}
		g.Go(func() error {
			failed, reason, err := m.evaluate(gctx, n)
			verdicts[i] = verdict{node: n, failed: failed, reason: reason, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, v := range verdicts {
		switch {
		case v.node == nil:
			// skipped
		case v.err != nil:
			metrics.HealthChecks.WithLabelValues(m.clusterID, "error").Inc()
			m.log.Warnw("health check could not run", "cluster_id", m.clusterID, "node_id", v.node.ID, "error", v.err)
		default:
			m.record(ctx, v.node, v.failed, v.reason)
		}
	}

	m.mu.Lock()
	for id := range m.nodes {
		if !current[id] {
			delete(m.nodes, id)
			m.log.Debugw("node removed from health monitoring", "cluster_id", m.clusterID, "node_id", id)
		}
	}
	m.mu.Unlock()
}

// busy reports whether an action is currently changing the node.
func busy(s cluster.NodeStatus) bool {
	switch s {
	case cluster.NodeInit, cluster.NodeCreating, cluster.NodeDeleting, cluster.NodeRecovering:
		return true
	}
	return false
}

// evaluate runs every polling mode against n and combines the outcomes with
// the policy's conditional. err is set only when no mode could run at all.
func (m *Monitor) evaluate(ctx context.Context, n *cluster.Node) (bool, string, error) {
	var failures, ran int
	var reasons, errs []string
	for _, mode := range m.cfg.Modes {
		var err error
		switch mode.Type {
		case policy.ModeStatusPolling:
			err = m.pollStatus(ctx, n)
		case policy.ModePollURL:
			err = m.pollURL(ctx, n, mode)
		default:
			continue
		}
		if errors.Is(err, errCannotCheck) {
			errs = append(errs, err.Error())
			continue
		}
		ran++
		if err != nil {
			failures++
			reasons = append(reasons, err.Error())
		}
	}
	if ran == 0 {
		if len(errs) == 0 {
			return false, "", nil
		}
		return false, "", errors.New(strings.Join(errs, "; "))
	}

	failed := failures > 0
	if m.cfg.Conditional == policy.AllFailed {
		failed = failures == ran
	}
	return failed, strings.Join(reasons, "; "), nil
}

var errCannotCheck = errors.New("health check unavailable")

func (m *Monitor) pollStatus(ctx context.Context, n *cluster.Node) error {
	drv, err := m.drivers.Get(n.ProfileID)
	if err != nil {
		return fmt.Errorf("%w: %v", errCannotCheck, err)
	}
	status, err := drv.Status(ctx, n)
	if err != nil {
		return fmt.Errorf("status poll failed: %w", err)
	}
	if status != cluster.NodeActive {
		return fmt.Errorf("driver reports %s", status)
	}
	return nil
}

// pollURL GETs the mode's URL with {addr} and {id} substituted, retrying up
// to the mode's retry limit before reporting a failure.
func (m *Monitor) pollURL(ctx context.Context, n *cluster.Node, mode policy.DetectionMode) error {
	if mode.Options.PollURL == "" {
		return fmt.Errorf("%w: no poll_url configured", errCannotCheck)
	}
	if n.Addr == "" && strings.Contains(mode.Options.PollURL, "{addr}") {
		return fmt.Errorf("%w: node %s has no address", errCannotCheck, n.ID)
	}
	url := strings.NewReplacer("{addr}", n.Addr, "{id}", n.ID).Replace(mode.Options.PollURL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	ping := func() error {
		return cluster.PingMatch(ctx, m.client, url, mode.Options.PollURLHealthyResponse)
	}
	// WithMaxRetries treats zero as unlimited, so a zero limit polls once.
	if mode.Options.PollURLRetryLimit <= 0 {
		return ping()
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryInterval), uint64(mode.Options.PollURLRetryLimit))
	return backoff.Retry(ping, backoff.WithContext(b, ctx))
}

// record applies one observation to a node's health and declares the node
// failed once the threshold is reached.
func (m *Monitor) record(ctx context.Context, n *cluster.Node, failed bool, reason string) {
	m.mu.Lock()
	h, ok := m.nodes[n.ID]
	if !ok {
		h = &NodeHealth{NodeID: n.ID, Status: StatusUnknown, LastHealthy: time.Now()}
		m.nodes[n.ID] = h
	}
	h.LastCheck = time.Now()

	if !failed {
		if h.Status == StatusUnhealthy {
			m.log.Infow("node healthy again", "cluster_id", m.clusterID, "node_id", n.ID)
		}
		h.Status = StatusHealthy
		h.Reason = ""
		h.ConsecutiveFails = 0
		h.LastHealthy = h.LastCheck
		m.mu.Unlock()
		metrics.HealthChecks.WithLabelValues(m.clusterID, StatusHealthy).Inc()
		if n.Tainted {
			m.untaint(ctx, n.ID)
		}
		return
	}

	h.ConsecutiveFails++
	h.Reason = reason
	reached := h.ConsecutiveFails >= m.cfg.FailureThreshold
	declared := h.Status == StatusUnhealthy
	m.log.Infow("health check failed",
		"cluster_id", m.clusterID, "node_id", n.ID,
		"attempt", h.ConsecutiveFails, "threshold", m.cfg.FailureThreshold, "reason", reason)
	m.mu.Unlock()
	metrics.HealthChecks.WithLabelValues(m.clusterID, StatusUnhealthy).Inc()

	if reached && (!declared || !m.recovering(ctx, n.ID)) {
		m.declare(ctx, n.ID, reason)
	}
}

// recovering reports whether an action still owns the node. A declared node
// whose recovery has ended while it keeps failing is declared again.
func (m *Monitor) recovering(ctx context.Context, nodeID string) bool {
	holder, err := m.store.ActiveAction(ctx, nodeID)
	if err != nil {
		m.log.Warnw("reading active action failed", "cluster_id", m.clusterID, "node_id", nodeID, "error", err)
		return true
	}
	return holder != ""
}

// untaint clears the taint of a node that passes its checks again without a
// recovery, so it no longer leads victim selection. A node owned by an
// action is left to that action.
func (m *Monitor) untaint(ctx context.Context, nodeID string) {
	if m.recovering(ctx, nodeID) {
		return
	}
	_, err := m.store.UpdateNode(ctx, nodeID, func(n *cluster.Node) error {
		n.Tainted = false
		if n.Status == cluster.NodeError || n.Status == cluster.NodeWarning {
			n.Status = cluster.NodeActive
		}
		n.StatusReason = "health check passed"
		return nil
	})
	if err != nil {
		m.log.Warnw("clearing node taint failed", "cluster_id", m.clusterID, "node_id", nodeID, "error", err)
		return
	}
	m.log.Infow("node passes health checks again, taint cleared", "cluster_id", m.clusterID, "node_id", nodeID)
}

// declare taints the node and requests recovery. If another action holds
// the node, the node stays undeclared so the next check tries again.
func (m *Monitor) declare(ctx context.Context, nodeID, reason string) {
	_, err := m.store.UpdateNode(ctx, nodeID, func(n *cluster.Node) error {
		n.Tainted = true
		n.StatusReason = "health check failed: " + reason
		return nil
	})
	if err != nil {
		m.log.Warnw("tainting node failed", "cluster_id", m.clusterID, "node_id", nodeID, "error", err)
		return
	}

	err = m.recoverer.RecoverNode(ctx, m.clusterID, nodeID, m.cfg.Operations)
	switch {
	case action.IsContention(err):
		metrics.RecoveriesRequested.WithLabelValues(m.clusterID, "deferred").Inc()
		m.log.Infow("recovery deferred, node busy", "cluster_id", m.clusterID, "node_id", nodeID, "error", err)
		return
	case err != nil:
		m.log.Warnw("recovery request failed", "cluster_id", m.clusterID, "node_id", nodeID, "error", err)
		return
	}
	metrics.RecoveriesRequested.WithLabelValues(m.clusterID, "accepted").Inc()
	m.log.Infow("node declared unhealthy, recovery requested",
		"cluster_id", m.clusterID, "node_id", nodeID, "operations", m.cfg.Operations)

	m.mu.Lock()
	if h, ok := m.nodes[nodeID]; ok {
		h.Status = StatusUnhealthy
	}
	m.mu.Unlock()
}

func (m *Monitor) handleEvent(ctx context.Context, ev event) {
	if m.suspended() {
		return
	}
	n, err := m.store.GetNode(ctx, ev.nodeID)
	if err != nil || n.ClusterID != m.clusterID {
		m.log.Debugw("lifecycle event for unknown node", "cluster_id", m.clusterID, "node_id", ev.nodeID)
		return
	}
	switch ev.kind {
	case EventStopped, EventDeleted, EventError:
	default:
		m.log.Debugw("ignoring lifecycle event", "node_id", ev.nodeID, "event", ev.kind)
		return
	}

	m.mu.Lock()
	h, ok := m.nodes[n.ID]
	if !ok {
		h = &NodeHealth{NodeID: n.ID, Status: StatusUnknown}
		m.nodes[n.ID] = h
	}
	h.LastCheck = time.Now()
	h.ConsecutiveFails = max(h.ConsecutiveFails+1, m.cfg.FailureThreshold)
	h.Reason = "lifecycle event " + ev.kind
	declared := h.Status == StatusUnhealthy
	m.mu.Unlock()

	metrics.HealthChecks.WithLabelValues(m.clusterID, StatusUnhealthy).Inc()
	if !declared || !m.recovering(ctx, n.ID) {
		m.declare(ctx, n.ID, "lifecycle event "+ev.kind)
	}
}

// Node returns a copy of a node's health record, or nil if the node is not
// being monitored.
func (m *Monitor) Node(nodeID string) *NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// Nodes returns copies of all health records.
func (m *Monitor) Nodes() map[string]*NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(m.nodes))
	for id, h := range m.nodes {
		cp := *h
		out[id] = &cp
	}
	return out
}
