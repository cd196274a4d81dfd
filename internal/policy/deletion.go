package policy

import (
	"context"
	"math/rand/v2"

	"golang.org/x/exp/slices"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// Victim selection criteria.
const (
	OldestFirst        = "OLDEST_FIRST"
	YoungestFirst      = "YOUNGEST_FIRST"
	OldestProfileFirst = "OLDEST_PROFILE_FIRST"
	Random             = "RANDOM"
)

// HookMessage is the only supported lifecycle hook type: a message is
// published and the deletion waits for a completion call or the timeout.
const HookMessage = "message"

// ValidCriteria reports whether c names a known selection criteria.
func ValidCriteria(c string) bool {
	switch c {
	case OldestFirst, YoungestFirst, OldestProfileFirst, Random:
		return true
	}
	return false
}

// DeletionSpec is the property schema of the deletion policy.
type DeletionSpec struct {
	Criteria              string `json:"criteria" validate:"omitempty,oneof=OLDEST_FIRST YOUNGEST_FIRST OLDEST_PROFILE_FIRST RANDOM"`
	DestroyAfterDeletion  *bool  `json:"destroy_after_deletion"`
	GracePeriod           int    `json:"grace_period" validate:"gte=0"`
	ReduceDesiredCapacity *bool  `json:"reduce_desired_capacity"`
	Hooks                 struct {
		Type    string         `json:"type" validate:"omitempty,oneof=message"`
		Timeout int            `json:"timeout" validate:"gte=0"`
		Params  map[string]any `json:"params"`
	} `json:"hooks"`
}

// Shuffler permutes n elements via swap. rand.Shuffle satisfies it.
type Shuffler func(n int, swap func(i, j int))

// Deletion chooses which nodes a capacity reduction removes and how they are
// removed.
type Deletion struct {
	spec    DeletionSpec
	shuffle Shuffler
}

// NewDeletion builds a deletion policy. A nil shuffle uses math/rand.
func NewDeletion(spec *cluster.PolicySpec, shuffle Shuffler) (Policy, error) {
	d := &Deletion{shuffle: shuffle}
	if err := decode(spec.Properties, &d.spec); err != nil {
		return nil, err
	}
	if d.spec.Criteria == "" {
		d.spec.Criteria = Random
	}
	if d.shuffle == nil {
		d.shuffle = rand.Shuffle
	}
	return d, nil
}

func (d *Deletion) Type() string    { return TypeDeletion }
func (d *Deletion) Version() string { return Version1 }

func (d *Deletion) Governs(t action.Type) bool {
	switch t {
	case action.ClusterScaleIn, action.ClusterResize, action.NodeDelete:
		return true
	}
	return false
}

// PreOp records the victims and the deletion options on the action.
func (d *Deletion) PreOp(_ context.Context, pc *Context) Decision {
	a := pc.Action
	inputs := map[string]any{
		action.InputDestroy:       boolOr(d.spec.DestroyAfterDeletion, true),
		action.InputReduceDesired: boolOr(d.spec.ReduceDesiredCapacity, true),
		action.InputGracePeriod:   d.spec.GracePeriod,
	}
	if d.spec.Hooks.Type == HookMessage {
		inputs[action.InputLifecycleHook] = HookMessage
		inputs[action.InputLifecycleTimeout] = d.spec.Hooks.Timeout
	}
	if a.Type == action.NodeDelete {
		return ApproveWith(inputs)
	}

	inputs[action.InputCriteria] = d.spec.Criteria
	if len(a.Strings(action.InputCandidates)) > 0 {
		return ApproveWith(inputs)
	}

	count, err := removalCount(a, len(pc.Nodes))
	if err != nil {
		return Reject("%v", err)
	}
	if count <= 0 {
		return ApproveWith(inputs)
	}
	profileID := ""
	if pc.Cluster != nil {
		profileID = pc.Cluster.ProfileID
	}
	inputs[action.InputCandidates] = SelectCandidates(d.spec.Criteria, pc.Nodes, profileID, count, d.shuffle)
	return ApproveWith(inputs)
}

func (d *Deletion) PostOp(context.Context, *Context) error { return nil }

// removalCount returns how many nodes a scale-in or resize removes.
func removalCount(a *action.Action, current int) (int, error) {
	switch a.Type {
	case action.ClusterScaleIn:
		return a.Int(action.InputCount, 1)
	case action.ClusterResize:
		capacity, err := a.Int(action.InputCapacity, current)
		if err != nil {
			return 0, err
		}
		return current - capacity, nil
	}
	return 0, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// SelectCandidates returns the ids of count nodes to remove, in removal
// order. Nodes in ERROR or WARNING status or tainted by a failed health check
// always go first; the criteria orders the rest. OLDEST_FIRST and
// YOUNGEST_FIRST are deterministic, ties broken by index then id.
// OLDEST_PROFILE_FIRST prefers nodes whose profile differs from the cluster's.
func SelectCandidates(criteria string, nodes []*cluster.Node, clusterProfile string, count int, shuffle Shuffler) []string {
	if count <= 0 {
		return nil
	}
	pool := slices.Clone(nodes)
	slices.SortStableFunc(pool, byAge)

	switch criteria {
	case YoungestFirst:
		slices.Reverse(pool)
	case OldestProfileFirst:
		slices.SortStableFunc(pool, func(a, b *cluster.Node) int {
			return boolRank(a.ProfileID != clusterProfile, b.ProfileID != clusterProfile)
		})
	case Random:
		if shuffle == nil {
			shuffle = rand.Shuffle
		}
		shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}
	slices.SortStableFunc(pool, func(a, b *cluster.Node) int {
		return boolRank(unhealthy(a), unhealthy(b))
	})

	if count > len(pool) {
		count = len(pool)
	}
	out := make([]string, 0, count)
	for _, n := range pool[:count] {
		out = append(out, n.ID)
	}
	return out
}

func byAge(a, b *cluster.Node) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if a.Index != b.Index {
		return a.Index - b.Index
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// boolRank orders true before false.
func boolRank(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	}
	return 1
}

func unhealthy(n *cluster.Node) bool {
	return n.Tainted || n.Status == cluster.NodeError || n.Status == cluster.NodeWarning
}
