package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/policy"
)

// PolicySpec describes a policy to create.
type PolicySpec struct {
	Name       string         `json:"name" validate:"required,max=255"`
	Type       string         `json:"type" validate:"required"`
	Properties map[string]any `json:"properties"`
}

// CreatePolicy validates the properties against the registered policy type
// and stores the policy.
func (e *Engine) CreatePolicy(ctx context.Context, spec PolicySpec) (*cluster.PolicySpec, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	p := &cluster.PolicySpec{
		ID:         uuid.NewString(),
		Name:       spec.Name,
		Type:       spec.Type,
		Properties: spec.Properties,
	}
	if _, err := e.registry.Build(p); err != nil {
		return nil, err
	}
	if err := e.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	e.log.Infow("policy created", "policy_id", p.ID, "type", p.Type)
	return p, nil
}

// GetPolicy returns a policy by id.
func (e *Engine) GetPolicy(ctx context.Context, id string) (*cluster.PolicySpec, error) {
	return e.store.GetPolicy(ctx, id)
}

// ListPolicies returns every policy.
func (e *Engine) ListPolicies(ctx context.Context) ([]*cluster.PolicySpec, error) {
	return e.store.ListPolicies(ctx)
}

// DeletePolicy removes a policy that is not attached anywhere.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	return e.store.DeletePolicy(ctx, id)
}

// BindingSpec describes how a policy is attached to a cluster.
type BindingSpec struct {
	PolicyID string `json:"policy_id" validate:"required"`
	Priority int    `json:"priority" validate:"gte=0"`
	Cooldown int    `json:"cooldown" validate:"gte=0"`
	Level    int    `json:"enforcement_level" validate:"gte=0"`
	Disabled bool   `json:"disabled"`
}

// AttachPolicy binds a policy to a cluster. A cluster holds at most one
// policy of each type.
func (e *Engine) AttachPolicy(ctx context.Context, clusterID string, spec BindingSpec) (*cluster.Binding, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	p, err := e.store.GetPolicy(ctx, spec.PolicyID)
	if err != nil {
		return nil, err
	}
	ptype, _, ok := policy.SplitKey(p.Type)
	if !ok {
		return nil, fmt.Errorf("%w: policy %s has malformed type %q", action.ErrInvalidRequest, p.ID, p.Type)
	}
	b := &cluster.Binding{
		ClusterID:  clusterID,
		PolicyID:   p.ID,
		PolicyType: ptype,
		Priority:   spec.Priority,
		Cooldown:   spec.Cooldown,
		Level:      spec.Level,
		Enabled:    !spec.Disabled,
	}
	if err := e.store.AttachPolicy(ctx, b); err != nil {
		return nil, err
	}
	e.log.Infow("policy attached", "cluster_id", clusterID, "policy_id", p.ID, "type", ptype)
	return b, nil
}

// DetachPolicy removes a binding.
func (e *Engine) DetachPolicy(ctx context.Context, clusterID, policyID string) error {
	if err := e.store.DetachPolicy(ctx, clusterID, policyID); err != nil {
		return err
	}
	e.log.Infow("policy detached", "cluster_id", clusterID, "policy_id", policyID)
	return nil
}

// BindingUpdate changes the tunables of an existing binding. Nil fields are
// left alone.
type BindingUpdate struct {
	Priority *int  `json:"priority" validate:"omitempty,gte=0"`
	Cooldown *int  `json:"cooldown" validate:"omitempty,gte=0"`
	Enabled  *bool `json:"enabled"`
}

// UpdateBinding applies u to a binding.
func (e *Engine) UpdateBinding(ctx context.Context, clusterID, policyID string, u BindingUpdate) (*cluster.Binding, error) {
	if err := e.validate.Struct(u); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	return e.store.UpdateBinding(ctx, clusterID, policyID, func(b *cluster.Binding) error {
		if u.Priority != nil {
			b.Priority = *u.Priority
		}
		if u.Cooldown != nil {
			b.Cooldown = *u.Cooldown
		}
		if u.Enabled != nil {
			b.Enabled = *u.Enabled
		}
		return nil
	})
}

// ListBindings returns a cluster's bindings in enforcement order.
func (e *Engine) ListBindings(ctx context.Context, clusterID string) ([]*cluster.Binding, error) {
	if _, err := e.store.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	return e.store.ListBindings(ctx, clusterID)
}
