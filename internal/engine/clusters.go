package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/health"
)

// ClusterSpec describes a cluster to create.
type ClusterSpec struct {
	Name            string            `json:"name" validate:"required,max=255"`
	ProfileID       string            `json:"profile_id" validate:"required"`
	DesiredCapacity int               `json:"desired_capacity" validate:"gte=0"`
	MinSize         int               `json:"min_size" validate:"gte=0"`
	MaxSize         int               `json:"max_size" validate:"gte=-1"`
	Metadata        map[string]string `json:"metadata"`
}

// CreateCluster records a cluster in INIT and requests CLUSTER_CREATE to
// bring it to its desired capacity.
func (e *Engine) CreateCluster(ctx context.Context, spec ClusterSpec) (*cluster.Cluster, *action.Action, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	if spec.MaxSize == 0 {
		spec.MaxSize = cluster.Unlimited
	}
	c := &cluster.Cluster{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		Status:          cluster.StatusInit,
		ProfileID:       spec.ProfileID,
		DesiredCapacity: spec.DesiredCapacity,
		MinSize:         spec.MinSize,
		MaxSize:         spec.MaxSize,
		Metadata:        spec.Metadata,
	}
	if !c.WithinBounds(c.DesiredCapacity) || (c.MaxSize != cluster.Unlimited && c.MinSize > c.MaxSize) {
		return nil, nil, fmt.Errorf("%w: desired capacity %d outside [%d, %d]",
			action.ErrInvalidRequest, c.DesiredCapacity, c.MinSize, c.MaxSize)
	}
	if _, err := e.drivers.Get(c.ProfileID); err != nil {
		return nil, nil, err
	}
	if err := e.store.CreateCluster(ctx, c); err != nil {
		return nil, nil, err
	}
	a, err := e.Request(ctx, Request{
		Type:   action.ClusterCreate,
		Target: c.ID,
		Inputs: map[string]any{action.InputCapacity: c.DesiredCapacity},
	})
	return c, a, err
}

// ScaleOut adds nodes to a cluster. A count of zero leaves the number to
// the cluster's scaling policy, or one node without a policy.
func (e *Engine) ScaleOut(ctx context.Context, clusterID string, count int) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.ClusterScaleOut, Target: clusterID, Inputs: countInput(count)})
}

// ScaleIn removes nodes from a cluster. A count of zero leaves the number
// to the cluster's scaling policy, or one node without a policy.
func (e *Engine) ScaleIn(ctx context.Context, clusterID string, count int) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.ClusterScaleIn, Target: clusterID, Inputs: countInput(count)})
}

func countInput(count int) map[string]any {
	if count <= 0 {
		return nil
	}
	return map[string]any{action.InputCount: count}
}

// Resize sets a cluster's capacity, creating or removing nodes to match.
func (e *Engine) Resize(ctx context.Context, clusterID string, capacity int, bestEffort bool) (*action.Action, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", action.ErrInvalidRequest, capacity)
	}
	inputs := map[string]any{action.InputCapacity: capacity}
	if bestEffort {
		inputs[action.InputBestEffort] = true
	}
	return e.Request(ctx, Request{Type: action.ClusterResize, Target: clusterID, Inputs: inputs})
}

// DeleteCluster deletes every member node and then the cluster record.
func (e *Engine) DeleteCluster(ctx context.Context, clusterID string) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.ClusterDelete, Target: clusterID})
}

// RecoverCluster recovers the cluster's unhealthy nodes, trying operations
// in order. Without operations nodes are rebooted.
func (e *Engine) RecoverCluster(ctx context.Context, clusterID string, operations []string) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.ClusterRecover, Target: clusterID, Inputs: opsInput(operations)})
}

// CheckCluster refreshes every node's status from its driver.
func (e *Engine) CheckCluster(ctx context.Context, clusterID string) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.ClusterCheck, Target: clusterID})
}

func opsInput(ops []string) map[string]any {
	if len(ops) == 0 {
		return nil
	}
	return map[string]any{action.InputOperations: ops}
}

// GetCluster returns a cluster by id.
func (e *Engine) GetCluster(ctx context.Context, id string) (*cluster.Cluster, error) {
	return e.store.GetCluster(ctx, id)
}

// ListClusters returns all clusters.
func (e *Engine) ListClusters(ctx context.Context) ([]*cluster.Cluster, error) {
	return e.store.ListClusters(ctx)
}

// NodeSpec describes a node to create, standalone or as a cluster member.
type NodeSpec struct {
	Name      string `json:"name" validate:"max=255"`
	ProfileID string `json:"profile_id" validate:"required_without=ClusterID"`
	ClusterID string `json:"cluster_id"`
}

// CreateNode requests NODE_CREATE for a new node. The node id is returned
// as the action's target.
func (e *Engine) CreateNode(ctx context.Context, spec NodeSpec) (*action.Action, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	inputs := map[string]any{}
	if spec.Name != "" {
		inputs[action.InputName] = spec.Name
	}
	if spec.ProfileID != "" {
		inputs[action.InputProfileID] = spec.ProfileID
	}
	if spec.ClusterID != "" {
		inputs[action.InputClusterID] = spec.ClusterID
	}
	return e.Request(ctx, Request{Type: action.NodeCreate, Target: uuid.NewString(), Inputs: inputs})
}

// DeleteNode deletes a node. A nil destroy leaves it to the deletion
// policy, which destroys by default.
func (e *Engine) DeleteNode(ctx context.Context, nodeID string, destroy *bool) (*action.Action, error) {
	var inputs map[string]any
	if destroy != nil {
		inputs = map[string]any{action.InputDestroy: *destroy}
	}
	return e.Request(ctx, Request{Type: action.NodeDelete, Target: nodeID, Inputs: inputs})
}

// RecoverNode recovers a node, trying operations in order.
func (e *Engine) RecoverNode(ctx context.Context, nodeID string, operations []string) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.NodeRecover, Target: nodeID, Inputs: opsInput(operations)})
}

// CheckNode refreshes a node's status from its driver.
func (e *Engine) CheckNode(ctx context.Context, nodeID string) (*action.Action, error) {
	return e.Request(ctx, Request{Type: action.NodeCheck, Target: nodeID})
}

// GetNode returns a node by id.
func (e *Engine) GetNode(ctx context.Context, id string) (*cluster.Node, error) {
	return e.store.GetNode(ctx, id)
}

// ListNodes returns the members of a cluster, or every node when clusterID
// is empty.
func (e *Engine) ListNodes(ctx context.Context, clusterID string) ([]*cluster.Node, error) {
	return e.store.ListNodes(ctx, clusterID)
}

// HealthReport returns the health monitor's view of a cluster's nodes.
func (e *Engine) HealthReport(ctx context.Context, clusterID string) (map[string]*health.NodeHealth, error) {
	if _, err := e.store.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	return e.health.Report(clusterID)
}

// NodeEvent feeds a lifecycle event for a node to its cluster's monitor.
func (e *Engine) NodeEvent(ctx context.Context, nodeID, event string) error {
	n, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.ClusterID == "" {
		return fmt.Errorf("%w: node %s is not a cluster member", action.ErrInvalidRequest, nodeID)
	}
	err = e.health.Notify(n.ClusterID, nodeID, event)
	if errors.Is(err, action.ErrNotFound) {
		return fmt.Errorf("%w: cluster %s has no health policy", action.ErrInvalidRequest, n.ClusterID)
	}
	return err
}
