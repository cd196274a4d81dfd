package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/graph"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
)

// result is what a handler decided. Exactly one of: finished (err nil or
// not), children to wait for, or a deferral.
type result struct {
	reason   string
	outputs  map[string]any
	err      error
	children []*action.Action
	deferred bool
	deferFor time.Duration
}

func done(reason string, outputs map[string]any) result {
	return result{reason: reason, outputs: outputs}
}

func failed(err error) result { return result{err: err} }

func (r result) outcome() string {
	switch {
	case r.deferred:
		return "deferred"
	case len(r.children) > 0:
		return "waiting"
	case r.err != nil:
		return "failed"
	}
	return "succeeded"
}

func (d *Dispatcher) handle(ctx context.Context, a *action.Action) result {
	switch a.Type {
	case action.NodeCreate:
		return d.createNode(ctx, a)
	case action.NodeDelete:
		return d.deleteNode(ctx, a)
	case action.NodeRecover:
		return d.recoverNode(ctx, a)
	case action.NodeCheck:
		return d.checkNode(ctx, a)
	}
	return d.expandCluster(ctx, a)
}

func (d *Dispatcher) driverFor(n *cluster.Node) (profile.Driver, error) {
	return d.Drivers.Get(n.ProfileID)
}

// markNode records a node status, logging rather than failing on error:
// the action outcome is what callers observe.
func (d *Dispatcher) markNode(ctx context.Context, id string, s cluster.NodeStatus, reason string) {
	_, err := d.Store.UpdateNode(ctx, id, func(n *cluster.Node) error {
		n.Status = s
		n.StatusReason = reason
		return nil
	})
	if err != nil && !errors.Is(err, action.ErrNotFound) {
		d.log.Warnw("node status update failed", "node_id", id, "status", s, "error", err)
	}
}

func (d *Dispatcher) createNode(ctx context.Context, a *action.Action) result {
	n, err := d.Store.GetNode(ctx, a.TargetID)
	if errors.Is(err, action.ErrNotFound) {
		clusterID, _ := a.Inputs[action.InputClusterID].(string)
		profileID, _ := a.Inputs[action.InputProfileID].(string)
		if profileID == "" && clusterID != "" {
			c, err := d.Store.GetCluster(ctx, clusterID)
			if err != nil {
				return failed(err)
			}
			profileID = c.ProfileID
		}
		name, _ := a.Inputs[action.InputName].(string)
		if name == "" {
			name = "node-" + shortID(a.TargetID)
		}
		n = &cluster.Node{
			ID:        a.TargetID,
			Name:      name,
			ClusterID: clusterID,
			ProfileID: profileID,
			Status:    cluster.NodeCreating,
		}
		err = d.Store.CreateNode(ctx, n)
	}
	if err != nil {
		return failed(err)
	}

	drv, err := d.driverFor(n)
	if err != nil {
		d.markNode(ctx, n.ID, cluster.NodeError, err.Error())
		return failed(err)
	}
	physicalID, addr, err := drv.Create(ctx, n)
	if err != nil {
		d.markNode(ctx, n.ID, cluster.NodeError, err.Error())
		return failed(driverFailure(err))
	}
	_, err = d.Store.UpdateNode(ctx, n.ID, func(x *cluster.Node) error {
		x.PhysicalID = physicalID
		x.Addr = addr
		x.Status = cluster.NodeActive
		x.StatusReason = "created"
		return nil
	})
	if err != nil {
		return failed(err)
	}
	return done("node created", map[string]any{"node_id": n.ID, "physical_id": physicalID})
}

func (d *Dispatcher) deleteNode(ctx context.Context, a *action.Action) result {
	n, err := d.Store.GetNode(ctx, a.TargetID)
	if err != nil {
		return failed(err)
	}
	if a.Inputs[action.InputLifecycleHook] == policy.HookMessage && !a.Bool(action.InputLifecycleDone) {
		timeout := a.Seconds(action.InputLifecycleTimeout, 0)
		if timeout <= 0 {
			timeout = d.lifecycleTimeout
		}
		return result{deferred: true, deferFor: timeout}
	}
	if grace := a.Seconds(action.InputGracePeriod, 0); grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-ctx.Done():
			t.Stop()
			return failed(ctx.Err())
		case <-t.C:
		}
	}

	destroy := true
	if _, ok := a.Inputs[action.InputDestroy]; ok {
		destroy = a.Bool(action.InputDestroy)
	}
	d.markNode(ctx, n.ID, cluster.NodeDeleting, string(a.Type))

	if !destroy {
		if _, err := d.Store.LeaveCluster(ctx, n.ID); err != nil && !errors.Is(err, action.ErrInvalidRequest) {
			return failed(err)
		}
		d.markNode(ctx, n.ID, cluster.NodeActive, "removed from cluster")
		return done("node removed from cluster", map[string]any{"node_id": n.ID, "destroyed": false})
	}

	drv, err := d.driverFor(n)
	if err != nil {
		d.markNode(ctx, n.ID, cluster.NodeError, err.Error())
		return failed(err)
	}
	if err := drv.Delete(ctx, n); err != nil {
		d.markNode(ctx, n.ID, cluster.NodeError, err.Error())
		return failed(driverFailure(err))
	}
	if err := d.Store.DeleteNode(ctx, n.ID); err != nil {
		return failed(err)
	}
	return done("node deleted", map[string]any{"node_id": n.ID, "destroyed": true})
}

// recoverNode tries each requested operation in order until one succeeds.
func (d *Dispatcher) recoverNode(ctx context.Context, a *action.Action) result {
	n, err := d.Store.GetNode(ctx, a.TargetID)
	if err != nil {
		return failed(err)
	}
	drv, err := d.driverFor(n)
	if err != nil {
		return failed(err)
	}
	ops := a.Strings(action.InputOperations)
	if len(ops) == 0 {
		ops = []string{policy.OpReboot}
	}
	d.markNode(ctx, n.ID, cluster.NodeRecovering, "recovering")

	var errs []error
	for _, op := range ops {
		physicalID, addr := n.PhysicalID, n.Addr
		var err error
		switch op {
		case policy.OpReboot:
			err = drv.Reboot(ctx, n)
		case policy.OpRebuild:
			err = drv.Rebuild(ctx, n)
		case policy.OpRecreate:
			physicalID, addr, err = drv.Recreate(ctx, n)
		default:
			err = fmt.Errorf("%w: unknown recovery operation %q", action.ErrInvalidRequest, op)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
			continue
		}
		_, err = d.Store.UpdateNode(ctx, n.ID, func(x *cluster.Node) error {
			x.PhysicalID = physicalID
			x.Addr = addr
			x.Status = cluster.NodeActive
			x.StatusReason = "recovered by " + op
			x.Tainted = false
			return nil
		})
		if err != nil {
			return failed(err)
		}
		return done("node recovered", map[string]any{"node_id": n.ID, "operation": op})
	}
	joined := errors.Join(errs...)
	d.markNode(ctx, n.ID, cluster.NodeError, joined.Error())
	return failed(driverFailure(joined))
}

func (d *Dispatcher) checkNode(ctx context.Context, a *action.Action) result {
	n, err := d.Store.GetNode(ctx, a.TargetID)
	if err != nil {
		return failed(err)
	}
	drv, err := d.driverFor(n)
	if err != nil {
		return failed(err)
	}
	status, err := drv.Status(ctx, n)
	if err != nil {
		return failed(driverFailure(err))
	}
	d.markNode(ctx, n.ID, status, "checked")
	return done("node checked", map[string]any{"node_id": n.ID, "status": string(status)})
}

// busyStatus is the cluster status shown while an action of type t runs.
func busyStatus(t action.Type) cluster.Status {
	switch t {
	case action.ClusterCreate:
		return cluster.StatusCreating
	case action.ClusterDelete:
		return cluster.StatusDeleting
	case action.ClusterRecover:
		return cluster.StatusRecovering
	case action.ClusterCheck:
		return cluster.StatusChecking
	}
	return cluster.StatusResizing
}

func (d *Dispatcher) expandCluster(ctx context.Context, a *action.Action) result {
	_, err := d.Store.UpdateCluster(ctx, a.TargetID, func(c *cluster.Cluster) error {
		c.Status = busyStatus(a.Type)
		c.StatusReason = string(a.Type) + " in progress"
		return nil
	})
	if err != nil {
		return failed(err)
	}
	children, err := d.Resolver.Expand(ctx, a)
	if err != nil {
		return failed(err)
	}
	if len(children) == 0 {
		return done("nothing to do", nil)
	}
	return result{children: children}
}

// settle brings the cluster record in line with a finished cluster action.
// It only touches a cluster this action marked busy, so cancelling a queued
// action leaves the cluster alone.
func (d *Dispatcher) settle(ctx context.Context, a *action.Action) {
	c, err := d.Store.GetCluster(ctx, a.TargetID)
	if err != nil {
		if !errors.Is(err, action.ErrNotFound) {
			d.log.Warnw("cluster unreadable after action", "action_id", a.ID, "error", err)
		}
		return
	}
	if c.Status != busyStatus(a.Type) && !(a.Type == action.ClusterCreate && c.Status == cluster.StatusInit) {
		return
	}

	if a.Type == action.ClusterDelete && a.Status == action.StatusSucceeded {
		if err := d.Store.DeleteCluster(ctx, c.ID); err != nil {
			d.log.Errorw("deleting cluster record failed", "cluster_id", c.ID, "error", err)
		}
		return
	}

	nodes, err := d.Store.ListNodes(ctx, c.ID)
	if err != nil {
		d.log.Warnw("listing nodes after action failed", "cluster_id", c.ID, "error", err)
		return
	}
	unhealthy := 0
	for _, n := range nodes {
		if n.Status == cluster.NodeError || n.Tainted {
			unhealthy++
		}
	}

	_, err = d.Store.UpdateCluster(ctx, c.ID, func(c *cluster.Cluster) error {
		switch a.Type {
		case action.ClusterScaleOut, action.ClusterResize:
			c.DesiredCapacity = len(nodes)
		case action.ClusterScaleIn:
			if _, ok := a.Inputs[action.InputReduceDesired]; !ok || a.Bool(action.InputReduceDesired) {
				c.DesiredCapacity = len(nodes)
			}
		}
		partial, _ := a.Outputs[graph.OutputPartial].(bool)
		switch {
		case a.Status == action.StatusSucceeded && !partial && unhealthy == 0:
			c.Status = cluster.StatusActive
			c.StatusReason = a.Reason
		case a.Status == action.StatusSucceeded:
			c.Status = cluster.StatusWarning
			c.StatusReason = fmt.Sprintf("%d unhealthy nodes: %s", unhealthy, a.Reason)
		case a.Type == action.ClusterCreate || a.Type == action.ClusterDelete:
			c.Status = cluster.StatusError
			c.StatusReason = a.Reason
		default:
			c.Status = cluster.StatusWarning
			c.StatusReason = a.Reason
		}
		return nil
	})
	if err != nil {
		d.log.Warnw("cluster update after action failed", "cluster_id", c.ID, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
