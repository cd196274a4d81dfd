package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// Built-in policy type names.
const (
	TypeScaling  = "conductor.policy.scaling"
	TypeDeletion = "conductor.policy.deletion"
	TypeHealth   = "conductor.policy.health"

	Version1 = "1.0"
)

// Context is what a hook sees: the action under check and the cluster it
// affects, loaded once per pipeline run.
type Context struct {
	Action  *action.Action
	Cluster *cluster.Cluster
	Nodes   []*cluster.Node
	Binding *cluster.Binding
	Spec    *cluster.PolicySpec
	Now     time.Time
}

// Verdict is the outcome of a pre-op hook.
type Verdict int

const (
	VerdictApprove Verdict = iota
	VerdictReject
)

// Decision is returned by PreOp. Inputs, if set, are merged into the
// action's inputs before later hooks and the resolver see it.
type Decision struct {
	Verdict Verdict
	Inputs  map[string]any
	Reason  string
}

// Approve lets the action proceed unchanged.
func Approve() Decision { return Decision{Verdict: VerdictApprove} }

// ApproveWith lets the action proceed with modified inputs.
func ApproveWith(inputs map[string]any) Decision {
	return Decision{Verdict: VerdictApprove, Inputs: inputs}
}

// Reject vetoes the action.
func Reject(format string, args ...any) Decision {
	return Decision{Verdict: VerdictReject, Reason: fmt.Sprintf(format, args...)}
}

// Policy is a capability bound to clusters. Implementations must be safe
// for concurrent use; they are rebuilt from their spec on every check.
type Policy interface {
	// Type is the policy type without version, e.g. "conductor.policy.scaling".
	Type() string
	Version() string
	// Governs reports whether the policy hooks actions of type t.
	Governs(t action.Type) bool
	PreOp(ctx context.Context, pc *Context) Decision
	PostOp(ctx context.Context, pc *Context) error
}

// Factory builds a policy from its persisted spec.
type Factory func(spec *cluster.PolicySpec) (Policy, error)

// Key returns the registry key for a policy type and version.
func Key(typ, version string) string { return typ + "-" + version }

// SplitKey splits "type-version" at the last dash.
func SplitKey(key string) (typ, version string, ok bool) {
	i := strings.LastIndex(key, "-")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Registry maps "type-version" keys to factories. It is populated at startup;
// there is no runtime plugin loading.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry with the built-in policies. The health
// policy has no suspender; callers that run health monitors re-register it.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Key(TypeScaling, Version1), NewScaling)
	r.Register(Key(TypeDeletion, Version1), func(spec *cluster.PolicySpec) (Policy, error) {
		return NewDeletion(spec, nil)
	})
	r.Register(Key(TypeHealth, Version1), func(spec *cluster.PolicySpec) (Policy, error) {
		return NewHealth(spec, nil)
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Build instantiates the policy for spec.
func (r *Registry) Build(spec *cluster.PolicySpec) (Policy, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy type %q", action.ErrInvalidRequest, spec.Type)
	}
	return f(spec)
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var validate = validator.New()

// decode converts a spec's property map into a typed struct and validates it.
func decode(props map[string]any, out any) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("%w: policy properties: %v", action.ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: policy properties: %v", action.ErrInvalidRequest, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: policy properties: %v", action.ErrInvalidRequest, err)
	}
	return nil
}
