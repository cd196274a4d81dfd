package graph

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/store"
)

// DefaultCriteria orders victims when no deletion policy chose them. It is
// deterministic so repeated runs remove the same nodes.
const DefaultCriteria = policy.OldestFirst

// Resolver expands cluster actions into per-node child actions.
type Resolver struct {
	store    *store.Store
	criteria string
	shuffle  policy.Shuffler
	newID    func() string
	log      *zap.SugaredLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCriteria sets the victim ordering used absent a deletion policy.
func WithCriteria(c string) Option {
	return func(r *Resolver) { r.criteria = c }
}

// WithShuffle sets the permutation used by the RANDOM criteria.
func WithShuffle(s policy.Shuffler) Option {
	return func(r *Resolver) { r.shuffle = s }
}

// WithIDs overrides child id generation.
func WithIDs(f func() string) Option {
	return func(r *Resolver) { r.newID = f }
}

// NewResolver returns a resolver reading cluster state from st.
func NewResolver(st *store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:    st,
		criteria: DefaultCriteria,
		shuffle:  rand.Shuffle,
		newID:    uuid.NewString,
		log:      logger.For(logger.ComponentGraph),
	}
	for _, o := range opts {
		o(r)
	}
	if !policy.ValidCriteria(r.criteria) {
		r.criteria = DefaultCriteria
	}
	return r
}

// Atomic reports whether actions of type t never have children.
func Atomic(t action.Type) bool { return t.Kind() == action.KindNode }

// Expand returns the children parent needs, in creation order. The children
// are READY, point at parent and are not persisted. An empty result means
// the parent completes without children. Size limit violations are
// returned as action.ErrInvalidRequest.
func (r *Resolver) Expand(ctx context.Context, parent *action.Action) ([]*action.Action, error) {
	if Atomic(parent.Type) {
		return nil, nil
	}
	c, err := r.store.GetCluster(ctx, parent.TargetID)
	if err != nil {
		return nil, err
	}
	nodes, err := r.store.ListNodes(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	switch parent.Type {
	case action.ClusterCreate:
		want, err := parent.Int(action.InputCapacity, c.DesiredCapacity)
		if err != nil {
			return nil, err
		}
		return r.creates(parent, c, want-len(nodes)), nil

	case action.ClusterScaleOut:
		count, err := parent.Int(action.InputCount, 1)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, fmt.Errorf("%w: negative count %d", action.ErrInvalidRequest, count)
		}
		if !c.WithinBounds(len(nodes) + count) {
			return nil, fmt.Errorf("%w: %d nodes would exceed max_size %d", action.ErrInvalidRequest, len(nodes)+count, c.MaxSize)
		}
		return r.creates(parent, c, count), nil

	case action.ClusterScaleIn:
		count, err := parent.Int(action.InputCount, 1)
		if err != nil {
			return nil, err
		}
		return r.shrink(parent, c, nodes, count)

	case action.ClusterResize:
		capacity, err := parent.Int(action.InputCapacity, -1)
		if err != nil {
			return nil, err
		}
		if capacity < 0 {
			return nil, fmt.Errorf("%w: resize needs a non-negative %q", action.ErrInvalidRequest, action.InputCapacity)
		}
		if capacity > len(nodes) {
			if !c.WithinBounds(capacity) {
				return nil, fmt.Errorf("%w: capacity %d exceeds max_size %d", action.ErrInvalidRequest, capacity, c.MaxSize)
			}
			return r.creates(parent, c, capacity-len(nodes)), nil
		}
		return r.shrink(parent, c, nodes, len(nodes)-capacity)

	case action.ClusterDelete:
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		return r.deletes(parent, c, ids), nil

	case action.ClusterRecover:
		var out []*action.Action
		ops := parent.Strings(action.InputOperations)
		for _, n := range nodes {
			if !n.Tainted && n.Status != cluster.NodeError && n.Status != cluster.NodeWarning {
				continue
			}
			child := r.child(parent, c, action.NodeRecover, n.ID)
			if len(ops) > 0 {
				child.SetInput(action.InputOperations, ops)
			}
			out = append(out, child)
		}
		return out, nil

	case action.ClusterCheck:
		out := make([]*action.Action, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, r.child(parent, c, action.NodeCheck, n.ID))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: no expansion for %s", action.ErrInvalidRequest, parent.Type)
}

func (r *Resolver) shrink(parent *action.Action, c *cluster.Cluster, nodes []*cluster.Node, count int) ([]*action.Action, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", action.ErrInvalidRequest, count)
	}
	if count > len(nodes) {
		return nil, fmt.Errorf("%w: cannot remove %d of %d nodes", action.ErrInvalidRequest, count, len(nodes))
	}
	if len(nodes)-count < c.MinSize {
		return nil, fmt.Errorf("%w: %d nodes would drop below min_size %d", action.ErrInvalidRequest, len(nodes)-count, c.MinSize)
	}
	victims, err := r.victims(parent, c, nodes, count)
	if err != nil {
		return nil, err
	}
	return r.deletes(parent, c, victims), nil
}

// victims prefers the candidates a deletion policy recorded and falls back
// to the recorded criteria, or the configured default ordering, for the
// rest. Candidates chosen for a smaller count than the final one, as when a
// scaling policy raises the count after the deletion policy ran, are topped
// up so the action removes exactly count nodes.
func (r *Resolver) victims(parent *action.Action, c *cluster.Cluster, nodes []*cluster.Node, count int) ([]string, error) {
	criteria := r.criteria
	if crit, ok := parent.Inputs[action.InputCriteria].(string); ok && policy.ValidCriteria(crit) {
		criteria = crit
	}
	candidates := parent.Strings(action.InputCandidates)
	if len(candidates) == 0 {
		return policy.SelectCandidates(criteria, nodes, c.ProfileID, count, r.shuffle), nil
	}
	members := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		members[n.ID] = true
	}
	var out []string
	for _, id := range candidates {
		if !members[id] {
			return nil, fmt.Errorf("%w: candidate %s is not a member of %s", action.ErrInvalidRequest, id, c.ID)
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) > count {
		out = out[:count]
	}
	if len(out) < count {
		rest := make([]*cluster.Node, 0, len(nodes)-len(out))
		for _, n := range nodes {
			if !slices.Contains(out, n.ID) {
				rest = append(rest, n)
			}
		}
		extra := policy.SelectCandidates(criteria, rest, c.ProfileID, count-len(out), r.shuffle)
		r.log.Infow("topping up deletion candidates",
			"action_id", parent.ID, "candidates", len(out), "count", count, "added", extra)
		out = append(out, extra...)
	}
	return out, nil
}

func (r *Resolver) creates(parent *action.Action, c *cluster.Cluster, count int) []*action.Action {
	out := make([]*action.Action, 0, max(count, 0))
	for i := 0; i < count; i++ {
		id := r.newID()
		child := r.child(parent, c, action.NodeCreate, id)
		child.SetInput(action.InputProfileID, c.ProfileID)
		child.SetInput(action.InputName, fmt.Sprintf("%s-%s", c.Name, shortID(id)))
		out = append(out, child)
	}
	return out
}

// deletionInputs are copied from a cluster action to each node deletion so
// the per-node handler sees the deletion policy's decisions.
var deletionInputs = []string{
	action.InputDestroy,
	action.InputGracePeriod,
	action.InputLifecycleHook,
	action.InputLifecycleTimeout,
}

func (r *Resolver) deletes(parent *action.Action, c *cluster.Cluster, ids []string) []*action.Action {
	out := make([]*action.Action, 0, len(ids))
	for _, id := range ids {
		child := r.child(parent, c, action.NodeDelete, id)
		for _, k := range deletionInputs {
			if v, ok := parent.Inputs[k]; ok {
				child.SetInput(k, v)
			}
		}
		out = append(out, child)
	}
	return out
}

func (r *Resolver) child(parent *action.Action, c *cluster.Cluster, t action.Type, target string) *action.Action {
	a := &action.Action{
		ID:         r.newID(),
		Name:       fmt.Sprintf("%s_%s", strings.ToLower(string(t)), shortID(target)),
		TargetID:   target,
		TargetKind: t.Kind(),
		Type:       t,
		Status:     action.StatusReady,
		Owner:      parent.Owner,
		Parent:     parent.ID,
		Cause:      action.Cause{Kind: action.CauseAction, ID: parent.ID},
		Priority:   parent.Priority,
	}
	a.SetInput(action.InputClusterID, c.ID)
	return a
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
