package policy

import (
	"context"
	"math"
	"strconv"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// Adjustment types understood by the scaling policy.
const (
	ExactCapacity      = "EXACT_CAPACITY"
	ChangeInCapacity   = "CHANGE_IN_CAPACITY"
	ChangeInPercentage = "CHANGE_IN_PERCENTAGE"
)

// ScalingSpec is the property schema of the scaling policy.
type ScalingSpec struct {
	Event      string `json:"event" validate:"required,oneof=CLUSTER_SCALE_IN CLUSTER_SCALE_OUT"`
	Adjustment struct {
		Type       string  `json:"type" validate:"omitempty,oneof=EXACT_CAPACITY CHANGE_IN_CAPACITY CHANGE_IN_PERCENTAGE"`
		Number     float64 `json:"number" validate:"gte=0"`
		MinStep    int     `json:"min_step" validate:"gte=0"`
		BestEffort bool    `json:"best_effort"`
	} `json:"adjustment"`
}

// Scaling turns an unbounded scale request into a bounded node count and
// keeps the result inside the cluster's size limits.
type Scaling struct {
	spec  ScalingSpec
	event action.Type
}

// NewScaling builds a scaling policy from its spec.
func NewScaling(spec *cluster.PolicySpec) (Policy, error) {
	s := &Scaling{}
	if err := decode(spec.Properties, &s.spec); err != nil {
		return nil, err
	}
	if s.spec.Adjustment.Type == "" {
		s.spec.Adjustment.Type = ChangeInCapacity
		if s.spec.Adjustment.Number == 0 {
			s.spec.Adjustment.Number = 1
		}
	}
	s.event = action.Type(s.spec.Event)
	return s, nil
}

func (s *Scaling) Type() string    { return TypeScaling }
func (s *Scaling) Version() string { return Version1 }

func (s *Scaling) Governs(t action.Type) bool { return t == s.event }

// PreOp computes the adjustment count. An explicit count in the request is
// honoured and only bounds-checked.
func (s *Scaling) PreOp(_ context.Context, pc *Context) Decision {
	a := pc.Action
	current := len(pc.Nodes)

	count, err := a.Int(action.InputCount, 0)
	if err != nil {
		return Reject("%v", err)
	}
	if count <= 0 {
		count = s.adjustment(current)
	}
	if count <= 0 {
		return Reject("scaling adjustment yields no change (current=%d)", current)
	}

	target := current + count
	if s.event == action.ClusterScaleIn {
		target = current - count
	}
	if pc.Cluster != nil && !pc.Cluster.WithinBounds(target) {
		if !s.spec.Adjustment.BestEffort {
			return Reject("new capacity %d outside [%d, %s]", target, pc.Cluster.MinSize, maxString(pc.Cluster))
		}
		count = s.clamp(pc.Cluster, current, count)
		if count <= 0 {
			return Reject("cluster already at its size limit (current=%d)", current)
		}
	}
	return ApproveWith(map[string]any{action.InputCount: count})
}

func (s *Scaling) adjustment(current int) int {
	adj := s.spec.Adjustment
	switch adj.Type {
	case ExactCapacity:
		n := int(adj.Number)
		if s.event == action.ClusterScaleIn {
			return current - n
		}
		return n - current
	case ChangeInPercentage:
		delta := float64(current) * adj.Number / 100
		n := int(math.Floor(delta))
		if s.event == action.ClusterScaleOut {
			n = int(math.Ceil(delta))
		}
		if n < adj.MinStep {
			n = adj.MinStep
		}
		return n
	default:
		return int(adj.Number)
	}
}

func (s *Scaling) clamp(c *cluster.Cluster, current, count int) int {
	if s.event == action.ClusterScaleIn {
		if current-count < c.MinSize {
			return current - c.MinSize
		}
		return count
	}
	if c.MaxSize != cluster.Unlimited && current+count > c.MaxSize {
		return c.MaxSize - current
	}
	return count
}

// PostOp has nothing to do; the pipeline stamps the cooldown.
func (s *Scaling) PostOp(context.Context, *Context) error { return nil }

func maxString(c *cluster.Cluster) string {
	if c.MaxSize == cluster.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(c.MaxSize)
}
