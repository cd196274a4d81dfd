package action

import (
	"fmt"
	"strconv"
	"time"
)

// TargetKind is the kind of resource an action operates on.
type TargetKind string

const (
	KindCluster TargetKind = "cluster"
	KindNode    TargetKind = "node"
)

// Type names the operation an action performs.
type Type string

const (
	ClusterCreate   Type = "CLUSTER_CREATE"
	ClusterDelete   Type = "CLUSTER_DELETE"
	ClusterScaleOut Type = "CLUSTER_SCALE_OUT"
	ClusterScaleIn  Type = "CLUSTER_SCALE_IN"
	ClusterResize   Type = "CLUSTER_RESIZE"
	ClusterRecover  Type = "CLUSTER_RECOVER"
	ClusterCheck    Type = "CLUSTER_CHECK"
	NodeCreate      Type = "NODE_CREATE"
	NodeDelete      Type = "NODE_DELETE"
	NodeRecover     Type = "NODE_RECOVER"
	NodeCheck       Type = "NODE_CHECK"
)

// Kind reports which resource kind an action type targets.
func (t Type) Kind() TargetKind {
	switch t {
	case NodeCreate, NodeDelete, NodeRecover, NodeCheck:
		return KindNode
	default:
		return KindCluster
	}
}

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	switch t {
	case ClusterCreate, ClusterDelete, ClusterScaleOut, ClusterScaleIn, ClusterResize,
		ClusterRecover, ClusterCheck, NodeCreate, NodeDelete, NodeRecover, NodeCheck:
		return true
	}
	return false
}

// BestEffort reports whether the type tolerates partially failed children.
// Recover and check sweeps over a cluster are useful even when some nodes
// could not be handled; everything else is all-or-nothing.
func (t Type) BestEffort() bool {
	return t == ClusterRecover || t == ClusterCheck
}

// CauseKind identifies what spawned an action.
type CauseKind string

const (
	CauseUser     CauseKind = "user"
	CauseAction   CauseKind = "action"
	CauseReceiver CauseKind = "receiver"
	CausePolicy   CauseKind = "policy"
	CauseHealth   CauseKind = "health"
)

// Cause references the origin of an action.
type Cause struct {
	Kind CauseKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

func (c Cause) String() string {
	if c.ID == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.ID
}

// Well-known input keys shared by the resolver, policies and handlers.
const (
	InputCount            = "count"
	InputCapacity         = "capacity"
	InputBestEffort       = "best_effort"
	InputCandidates       = "candidates"
	InputCriteria         = "criteria"
	InputClusterID        = "cluster_id"
	InputLifecycleHook    = "lifecycle_hook"
	InputLifecycleTimeout = "lifecycle_timeout"
	InputLifecycleDone    = "lifecycle_done"
	InputDestroy          = "destroy_after_deletion"
	InputOperations       = "operations"
	InputReduceDesired    = "reduce_desired_capacity"
	InputGracePeriod      = "grace_period"
	InputProfileID        = "profile_id"
	InputName             = "name"
)

// Action is a unit of orchestrated work against a single target resource.
type Action struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	TargetID        string         `json:"target_id"`
	TargetKind      TargetKind     `json:"target_kind"`
	Type            Type           `json:"action_type"`
	Status          Status         `json:"status"`
	Reason          string         `json:"status_reason,omitempty"`
	Inputs          map[string]any `json:"inputs"`
	Outputs         map[string]any `json:"outputs"`
	Owner           string         `json:"engine_id,omitempty"`
	DependsOn       []string       `json:"dependency_ids"`
	Parent          string         `json:"parent,omitempty"`
	Cause           Cause          `json:"cause"`
	Priority        int            `json:"priority"`
	Deadline        time.Time      `json:"deadline,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsRoot reports whether the action was not spawned by another action.
func (a *Action) IsRoot() bool { return a.Parent == "" }

// Clone returns a deep copy of the action, safe to hand out to callers.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Inputs = cloneMap(a.Inputs)
	c.Outputs = cloneMap(a.Outputs)
	if a.DependsOn != nil {
		c.DependsOn = append([]string(nil), a.DependsOn...)
	}
	return &c
}

// SetInput records an input value, allocating the map on first use.
func (a *Action) SetInput(key string, v any) {
	if a.Inputs == nil {
		a.Inputs = map[string]any{}
	}
	a.Inputs[key] = v
}

// SetOutput records an output value, allocating the map on first use.
func (a *Action) SetOutput(key string, v any) {
	if a.Outputs == nil {
		a.Outputs = map[string]any{}
	}
	a.Outputs[key] = v
}

// Int reads an integer input. Values that went through JSON arrive as
// float64 and receiver params arrive as strings; both are accepted.
func (a *Action) Int(key string, def int) (int, error) {
	v, ok := a.Inputs[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: input %q: %v", ErrInvalidRequest, key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: input %q has type %T", ErrInvalidRequest, key, v)
}

// Bool reads a boolean input.
func (a *Action) Bool(key string) bool {
	switch v := a.Inputs[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Seconds reads a duration input expressed in (possibly fractional) seconds.
func (a *Action) Seconds(key string, def time.Duration) time.Duration {
	switch v := a.Inputs[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

// Strings reads a list-of-strings input.
func (a *Action) Strings(key string) []string {
	switch v := a.Inputs[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
