package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/store"
)

// Pipeline runs the pre-op and post-op hooks of a cluster's bindings in
// priority order.
type Pipeline struct {
	store    *store.Store
	registry *Registry
	now      func() time.Time
	log      *zap.SugaredLogger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock overrides the clock used for cooldown checks and enforcement stamps.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline creates a pipeline over the bindings in st.
func NewPipeline(st *store.Store, reg *Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{store: st, registry: reg, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.For(logger.ComponentPolicy)
	}
	return p
}

// Registry returns the registry the pipeline builds policies from.
func (p *Pipeline) Registry() *Registry { return p.registry }

type bound struct {
	policy  Policy
	binding *cluster.Binding
	spec    *cluster.PolicySpec
}

// load returns the cluster an action affects and the enabled policies bound
// to it that govern the action's type, in evaluation order. A nil cluster
// means the action affects no cluster (an orphan node) and no policy applies.
func (p *Pipeline) load(ctx context.Context, a *action.Action) (*cluster.Cluster, []*cluster.Node, []bound, error) {
	clusterID := a.TargetID
	if a.TargetKind == action.KindNode {
		clusterID = ""
		if v, ok := a.Inputs[action.InputClusterID].(string); ok {
			clusterID = v
		} else if n, err := p.store.GetNode(ctx, a.TargetID); err == nil {
			clusterID = n.ClusterID
		} else if !errors.Is(err, action.ErrNotFound) {
			return nil, nil, nil, err
		}
	}
	if clusterID == "" {
		return nil, nil, nil, nil
	}

	c, err := p.store.GetCluster(ctx, clusterID)
	if errors.Is(err, action.ErrNotFound) && a.Type == action.ClusterCreate {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	nodes, err := p.store.ListNodes(ctx, c.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	bindings, err := p.store.ListBindings(ctx, c.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	var out []bound
	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		spec, err := p.store.GetPolicy(ctx, b.PolicyID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("binding %s/%s: %w", b.ClusterID, b.PolicyID, err)
		}
		pol, err := p.registry.Build(spec)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("binding %s/%s: %w", b.ClusterID, b.PolicyID, err)
		}
		if !pol.Governs(a.Type) {
			continue
		}
		out = append(out, bound{policy: pol, binding: b, spec: spec})
	}
	return c, nodes, out, nil
}

// PreOp runs every governing pre-op hook against a. Approved input changes
// are merged into a.Inputs in place. A veto or an unexpired cooldown returns
// a *action.PolicyRejection; the caller is responsible for failing the action.
func (p *Pipeline) PreOp(ctx context.Context, a *action.Action) error {
	c, nodes, policies, err := p.load(ctx, a)
	if err != nil {
		return err
	}
	now := p.now()
	for i, b := range policies {
		var rejection *action.PolicyRejection
		if left := b.binding.CooldownRemaining(now); left > 0 {
			rejection = &action.PolicyRejection{
				PolicyID:   b.binding.PolicyID,
				PolicyType: b.policy.Type(),
				Reason:     fmt.Sprintf("cooldown in progress, %ds remaining", int(left.Seconds()+0.999)),
			}
		} else {
			pc := &Context{Action: a, Cluster: c, Nodes: nodes, Binding: b.binding, Spec: b.spec, Now: now}
			d := b.policy.PreOp(ctx, pc)
			if d.Verdict == VerdictReject {
				rejection = &action.PolicyRejection{
					PolicyID:   b.binding.PolicyID,
					PolicyType: b.policy.Type(),
					Reason:     d.Reason,
				}
			}
			for k, v := range d.Inputs {
				a.SetInput(k, v)
			}
		}
		if rejection != nil {
			p.log.Infow("policy rejected action",
				"action_id", a.ID, "policy_id", rejection.PolicyID, "reason", rejection.Reason)
			p.abort(ctx, a, c, nodes, policies[:i], now)
			return rejection
		}
	}
	return nil
}

// abort gives hooks that already approved a chance to undo side effects when
// a later hook vetoes the action.
func (p *Pipeline) abort(ctx context.Context, a *action.Action, c *cluster.Cluster, nodes []*cluster.Node, approved []bound, now time.Time) {
	for _, b := range approved {
		pc := &Context{Action: a, Cluster: c, Nodes: nodes, Binding: b.binding, Spec: b.spec, Now: now}
		if err := b.policy.PostOp(ctx, pc); err != nil {
			p.log.Warnw("post-op after rejection failed", "action_id", a.ID, "policy_id", b.binding.PolicyID, "error", err)
		}
	}
}

// PostOp runs the post-op hooks for a finished action. When the action
// succeeded, each governing binding's last-enforcement time is stamped,
// which starts its cooldown.
func (p *Pipeline) PostOp(ctx context.Context, a *action.Action) error {
	c, nodes, policies, err := p.load(ctx, a)
	if err != nil {
		if errors.Is(err, action.ErrNotFound) {
			// The cluster went away, e.g. after CLUSTER_DELETE.
			return nil
		}
		return err
	}
	now := p.now()
	var errs []error
	for _, b := range policies {
		pc := &Context{Action: a, Cluster: c, Nodes: nodes, Binding: b.binding, Spec: b.spec, Now: now}
		if err := b.policy.PostOp(ctx, pc); err != nil {
			errs = append(errs, fmt.Errorf("policy %s post-op: %w", b.binding.PolicyID, err))
		}
		if a.Status != action.StatusSucceeded {
			continue
		}
		_, err := p.store.UpdateBinding(ctx, b.binding.ClusterID, b.binding.PolicyID, func(bb *cluster.Binding) error {
			bb.LastEnforced = now
			return nil
		})
		if err != nil && !errors.Is(err, action.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
