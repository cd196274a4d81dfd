package cluster

import (
	"time"

	"github.com/dreamware/conductor/internal/action"
)

// Status of a cluster as a whole.
type Status string

const (
	StatusInit       Status = "INIT"
	StatusCreating   Status = "CREATING"
	StatusActive     Status = "ACTIVE"
	StatusResizing   Status = "RESIZING"
	StatusRecovering Status = "RECOVERING"
	StatusChecking   Status = "CHECKING"
	StatusDeleting   Status = "DELETING"
	StatusWarning    Status = "WARNING"
	StatusError      Status = "ERROR"
)

// NodeStatus of a single managed node.
type NodeStatus string

const (
	NodeInit       NodeStatus = "INIT"
	NodeCreating   NodeStatus = "CREATING"
	NodeActive     NodeStatus = "ACTIVE"
	NodeRecovering NodeStatus = "RECOVERING"
	NodeDeleting   NodeStatus = "DELETING"
	NodeWarning    NodeStatus = "WARNING"
	NodeError      NodeStatus = "ERROR"
)

// Unlimited is the MaxSize value meaning "no upper bound".
const Unlimited = -1

// Cluster is the aggregate root for a group of homogeneous nodes.
// Membership and capacity change only as the result of completed actions.
type Cluster struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          Status            `json:"status"`
	StatusReason    string            `json:"status_reason,omitempty"`
	ProfileID       string            `json:"profile_id"`
	DesiredCapacity int               `json:"desired_capacity"`
	MinSize         int               `json:"min_size"`
	MaxSize         int               `json:"max_size"`
	NodeIDs         []string          `json:"nodes"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// WithinBounds reports whether n nodes satisfy the cluster size limits.
func (c *Cluster) WithinBounds(n int) bool {
	if n < c.MinSize {
		return false
	}
	return c.MaxSize == Unlimited || n <= c.MaxSize
}

// Clone returns a copy safe to mutate.
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	cp := *c
	cp.NodeIDs = append([]string(nil), c.NodeIDs...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Node is a single managed resource. ClusterID is empty for orphans; Index is
// unique within the owning cluster and zero for orphans.
type Node struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	ClusterID    string     `json:"cluster_id,omitempty"`
	Index        int        `json:"index"`
	Status       NodeStatus `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	ProfileID    string     `json:"profile_id"`
	PhysicalID   string     `json:"physical_id,omitempty"`
	Addr         string     `json:"addr,omitempty"`
	Tainted      bool       `json:"tainted"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	return &cp
}

// PolicySpec is a reusable policy definition. Type is a registry key of the
// form "<type>-<version>", e.g. "conductor.policy.scaling-1.0".
type PolicySpec struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Binding attaches a policy to a cluster.
type Binding struct {
	ClusterID    string    `json:"cluster_id"`
	PolicyID     string    `json:"policy_id"`
	PolicyType   string    `json:"policy_type"`
	Priority     int       `json:"priority"`
	Cooldown     int       `json:"cooldown"`
	Level        int       `json:"enforcement_level"`
	Enabled      bool      `json:"enabled"`
	LastEnforced time.Time `json:"last_enforced,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CooldownRemaining returns how long until the binding may be enforced again.
func (b *Binding) CooldownRemaining(now time.Time) time.Duration {
	if b.Cooldown <= 0 || b.LastEnforced.IsZero() {
		return 0
	}
	left := b.LastEnforced.Add(time.Duration(b.Cooldown) * time.Second).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Receiver is an external trigger bound to a fixed action. Token is the
// unguessable part of its webhook URL.
type Receiver struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Token      string            `json:"token"`
	TargetID   string            `json:"target_id"`
	TargetKind action.TargetKind `json:"target_kind"`
	ActionType action.Type       `json:"action_type"`
	Params     map[string]any    `json:"params,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
