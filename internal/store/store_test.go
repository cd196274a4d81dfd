package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stores returns a Store per engine, sharing one fake clock.
func stores(t *testing.T) (map[string]*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	out := map[string]*Store{}
	for name, kv := range engines(t) {
		out[name] = New(kv, WithClock(clk.Now))
	}
	return out, clk
}

func newAction(id, target string, status action.Status) *action.Action {
	return &action.Action{
		ID:         id,
		TargetID:   target,
		TargetKind: action.KindCluster,
		Type:       action.ClusterScaleOut,
		Status:     status,
	}
}

func TestCreateActionConflict(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateAction(ctx, newAction("a1", "c1", action.StatusInit)))

			err := s.CreateAction(ctx, newAction("a2", "c1", action.StatusInit))
			assert.ErrorIs(t, err, action.ErrActionConflict)
			_, err = s.GetAction(ctx, "a2")
			assert.ErrorIs(t, err, action.ErrNotFound)

			holder, err := s.ActiveAction(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "a1", holder)

			// Another target is unaffected.
			require.NoError(t, s.CreateAction(ctx, newAction("a3", "c2", action.StatusInit)))

			// Duplicate id.
			assert.ErrorIs(t, s.CreateAction(ctx, newAction("a1", "c9", action.StatusInit)), ErrAlreadyExists)
		})
	}
}

func TestCreateActionAfterTerminal(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateAction(ctx, newAction("a1", "c1", action.StatusInit)))
			_, err := s.TransitionAction(ctx, "a1", action.StatusFailed, nil, func(a *action.Action) { a.Reason = "x" })
			require.NoError(t, err)

			holder, err := s.ActiveAction(ctx, "c1")
			require.NoError(t, err)
			assert.Empty(t, holder)
			assert.NoError(t, s.CreateAction(ctx, newAction("a2", "c1", action.StatusInit)))
		})
	}
}

func TestCreateActionConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			var wins, conflicts atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a := newAction("race-"+string(rune('a'+i)), "shared", action.StatusInit)
					err := s.CreateAction(ctx, a)
					switch {
					case err == nil:
						wins.Add(1)
					case assert.ErrorIs(t, err, action.ErrActionConflict):
						conflicts.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(19), conflicts.Load())

			live, err := s.ListActions(ctx, ActionFilter{TargetID: "shared", NonTerminal: true})
			require.NoError(t, err)
			assert.Len(t, live, 1)
		})
	}
}

func TestTransitionAction(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateAction(ctx, newAction("a1", "c1", action.StatusInit)))

			a, err := s.TransitionAction(ctx, "a1", action.StatusReady, []action.Status{action.StatusInit}, nil)
			require.NoError(t, err)
			assert.Equal(t, action.StatusReady, a.Status)

			// Expected-status mismatch is a failed compare-and-set.
			_, err = s.TransitionAction(ctx, "a1", action.StatusRunning, []action.Status{action.StatusInit}, nil)
			assert.ErrorIs(t, err, action.ErrInvalidTransition)

			// Illegal edge.
			_, err = s.TransitionAction(ctx, "a1", action.StatusSucceeded, nil, nil)
			assert.ErrorIs(t, err, action.ErrInvalidTransition)

			_, err = s.TransitionAction(ctx, "a1", action.StatusRunning, nil, func(a *action.Action) { a.Owner = "e1" })
			require.NoError(t, err)
			a, err = s.TransitionAction(ctx, "a1", action.StatusSucceeded, nil, func(a *action.Action) {
				a.SetOutput("nodes", 2)
				a.Status = action.StatusFailed // ignored
			})
			require.NoError(t, err)
			assert.Equal(t, action.StatusSucceeded, a.Status)
			assert.Equal(t, "e1", a.Owner)

			for _, to := range []action.Status{action.StatusReady, action.StatusFailed, action.StatusCancelled} {
				_, err = s.TransitionAction(ctx, "a1", to, nil, nil)
				assert.ErrorIs(t, err, action.ErrGraphInconsistency, "to %s", to)
			}
			_, err = s.TransitionAction(ctx, "a1", action.StatusFailed, []action.Status{action.StatusRunning}, nil)
			assert.ErrorIs(t, err, action.ErrGraphInconsistency)

			got, err := s.GetAction(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, action.StatusSucceeded, got.Status)

			_, err = s.TransitionAction(ctx, "missing", action.StatusReady, nil, nil)
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}

func TestUpdateActionKeepsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateAction(ctx, newAction("a1", "c1", action.StatusInit)))
	a, err := s.UpdateAction(ctx, "a1", func(a *action.Action) error {
		a.CancelRequested = true
		a.Status = action.StatusSucceeded
		return nil
	})
	require.NoError(t, err)
	assert.True(t, a.CancelRequested)
	assert.Equal(t, action.StatusInit, a.Status)
}

func TestAttachChildren(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			parent := newAction("p", "c1", action.StatusInit)
			require.NoError(t, s.CreateAction(ctx, parent))
			_, err := s.TransitionAction(ctx, "p", action.StatusReady, nil, nil)
			require.NoError(t, err)
			_, err = s.TransitionAction(ctx, "p", action.StatusRunning, nil, nil)
			require.NoError(t, err)

			children := []*action.Action{
				{ID: "k1", TargetID: "n1", TargetKind: action.KindNode, Type: action.NodeCreate, Status: action.StatusInit, Parent: "p"},
				{ID: "k2", TargetID: "n2", TargetKind: action.KindNode, Type: action.NodeCreate, Status: action.StatusInit, Parent: "p"},
				// Same target as the parent: shares the parent's claim.
				{ID: "k3", TargetID: "c1", TargetKind: action.KindCluster, Type: action.ClusterCheck, Status: action.StatusInit, Parent: "p"},
			}
			p, err := s.AttachChildren(ctx, "p", children)
			require.NoError(t, err)
			assert.Equal(t, action.StatusWaiting, p.Status)
			assert.Equal(t, []string{"k1", "k2", "k3"}, p.DependsOn)

			kids, err := s.ListActions(ctx, ActionFilter{Parent: "p"})
			require.NoError(t, err)
			assert.Len(t, kids, 3)

			// A root on a child's target conflicts.
			assert.ErrorIs(t, s.CreateAction(ctx, newAction("x", "n1", action.StatusInit)), action.ErrActionConflict)
		})
	}
}

func TestAttachChildrenAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateAction(ctx, newAction("busy", "n2", action.StatusInit)))
	require.NoError(t, s.CreateAction(ctx, newAction("p", "c1", action.StatusInit)))
	_, _ = s.TransitionAction(ctx, "p", action.StatusReady, nil, nil)
	_, _ = s.TransitionAction(ctx, "p", action.StatusRunning, nil, nil)

	_, err := s.AttachChildren(ctx, "p", []*action.Action{
		{ID: "k1", TargetID: "n1", Status: action.StatusInit, Parent: "p"},
		{ID: "k2", TargetID: "n2", Status: action.StatusInit, Parent: "p"},
	})
	assert.ErrorIs(t, err, action.ErrActionConflict)

	_, err = s.GetAction(ctx, "k1")
	assert.ErrorIs(t, err, action.ErrNotFound)
	p, err := s.GetAction(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, action.StatusRunning, p.Status)
	assert.Empty(t, p.DependsOn)

	_, err = s.AttachChildren(ctx, "p", []*action.Action{{ID: "k9", TargetID: "n9", Status: action.StatusInit, Parent: "other"}})
	assert.ErrorIs(t, err, action.ErrGraphInconsistency)
}

func TestListActionsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	all, clk := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"z", "y", "x"} {
				require.NoError(t, s.CreateAction(ctx, newAction(id, "t-"+id, action.StatusInit)))
				clk.Advance(time.Second)
			}
			_, err := s.TransitionAction(ctx, "y", action.StatusCancelled, nil, nil)
			require.NoError(t, err)

			got, err := s.ListActions(ctx, ActionFilter{})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"z", "y", "x"}, []string{got[0].ID, got[1].ID, got[2].ID})

			got, err = s.ListActions(ctx, ActionFilter{NonTerminal: true})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			got, err = s.ListActions(ctx, ActionFilter{Status: []action.Status{action.StatusCancelled}})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "y", got[0].ID)
		})
	}
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			l, err := s.AcquireLock(ctx, Lock{ResourceID: "c1", ResourceKind: action.KindCluster, ActionID: "a1", EngineID: "e1"}, nil)
			require.NoError(t, err)
			assert.False(t, l.AcquiredAt.IsZero())

			// Same action again is granted without a second record.
			_, err = s.AcquireLock(ctx, Lock{ResourceID: "c1", ActionID: "a1", EngineID: "e1"}, nil)
			require.NoError(t, err)

			// A descendant of the owner shares the critical section.
			got, err := s.AcquireLock(ctx, Lock{ResourceID: "c1", ActionID: "child", EngineID: "e1"}, []string{"a1"})
			require.NoError(t, err)
			assert.Equal(t, "a1", got.ActionID)

			_, err = s.AcquireLock(ctx, Lock{ResourceID: "c1", ActionID: "a2", EngineID: "e2"}, nil)
			assert.ErrorIs(t, err, action.ErrResourceLocked)

			held, err := s.GetLock(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "a1", held.ActionID)

			// Only the owner releases.
			ok, err := s.ReleaseLock(ctx, "c1", "child")
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.ReleaseLock(ctx, "c1", "a1")
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = s.GetLock(ctx, "c1")
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}

func TestAcquireLockActiveConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateAction(ctx, newAction("a1", "c1", action.StatusInit)))

	_, err := s.AcquireLock(ctx, Lock{ResourceID: "c1", ActionID: "other"}, nil)
	assert.ErrorIs(t, err, action.ErrActionConflict)

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	_, err = s.AcquireLock(ctx, Lock{ResourceID: "c1", ActionID: "a1"}, nil)
	assert.NoError(t, err)
}

func TestLockMutualExclusionUnderRace(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.AcquireLock(ctx, Lock{ResourceID: "hot", ActionID: string(rune('A' + i))}, nil)
					if err == nil {
						wins.Add(1)
						return
					}
					assert.ErrorIs(t, err, action.ErrResourceLocked)
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
			locks, err := s.ListLocks(ctx)
			require.NoError(t, err)
			assert.Len(t, locks, 1)
		})
	}
}

func TestStealLockCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.AcquireLock(ctx, Lock{ResourceID: "c1", ActionID: "a1", EngineID: "dead"}, nil)
	require.NoError(t, err)

	ok, err := s.StealLock(ctx, "c1", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.StealLock(ctx, "c1", "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.StealLock(ctx, "c1", "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeats(t *testing.T) {
	ctx := context.Background()
	all, clk := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Heartbeat(ctx, "e1"))
			clk.Advance(time.Minute)
			require.NoError(t, s.Heartbeat(ctx, "e2"))

			hb, err := s.Heartbeats(ctx)
			require.NoError(t, err)
			require.Len(t, hb, 2)
			assert.Equal(t, time.Minute, hb["e2"].Sub(hb["e1"]))
		})
	}
}

func TestNodeIndexAllocation(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateCluster(ctx, &cluster.Cluster{ID: "c1", MaxSize: cluster.Unlimited}))
			for _, id := range []string{"n1", "n2", "n3"} {
				require.NoError(t, s.CreateNode(ctx, &cluster.Node{ID: id, ClusterID: "c1"}))
			}
			n2, err := s.GetNode(ctx, "n2")
			require.NoError(t, err)
			assert.Equal(t, 2, n2.Index)

			left, err := s.LeaveCluster(ctx, "n2")
			require.NoError(t, err)
			assert.Empty(t, left.ClusterID)
			assert.Zero(t, left.Index)

			// Lowest free index is reused.
			require.NoError(t, s.CreateNode(ctx, &cluster.Node{ID: "n4", ClusterID: "c1"}))
			n4, err := s.GetNode(ctx, "n4")
			require.NoError(t, err)
			assert.Equal(t, 2, n4.Index)

			joined, err := s.JoinCluster(ctx, "n2", "c1")
			require.NoError(t, err)
			assert.Equal(t, 4, joined.Index)

			_, err = s.JoinCluster(ctx, "n2", "c1")
			assert.ErrorIs(t, err, action.ErrInvalidRequest)

			c, err := s.GetCluster(ctx, "c1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"n1", "n3", "n4", "n2"}, c.NodeIDs)

			nodes, err := s.ListNodes(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, nodes, 4)
			assert.Equal(t, []int{1, 2, 3, 4}, []int{nodes[0].Index, nodes[1].Index, nodes[2].Index, nodes[3].Index})

			// Cluster cannot be removed with members.
			assert.ErrorIs(t, s.DeleteCluster(ctx, "c1"), action.ErrInvalidRequest)
			for _, n := range nodes {
				require.NoError(t, s.DeleteNode(ctx, n.ID))
			}
			require.NoError(t, s.DeleteCluster(ctx, "c1"))
			_, err = s.GetCluster(ctx, "c1")
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}

func TestUpdateNodeKeepsMembership(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateCluster(ctx, &cluster.Cluster{ID: "c1"}))
	require.NoError(t, s.CreateNode(ctx, &cluster.Node{ID: "n1", ClusterID: "c1"}))
	n, err := s.UpdateNode(ctx, "n1", func(n *cluster.Node) error {
		n.Tainted = true
		n.ClusterID = ""
		return nil
	})
	require.NoError(t, err)
	assert.True(t, n.Tainted)
	assert.Equal(t, "c1", n.ClusterID)
}

func TestBindings(t *testing.T) {
	ctx := context.Background()
	all, clk := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateCluster(ctx, &cluster.Cluster{ID: "c1"}))
			for _, p := range []*cluster.PolicySpec{
				{ID: "scale-a", Type: "conductor.policy.scaling-1.0"},
				{ID: "scale-b", Type: "conductor.policy.scaling-1.0"},
				{ID: "del", Type: "conductor.policy.deletion-1.0"},
				{ID: "hp", Type: "conductor.policy.health-1.0"},
			} {
				require.NoError(t, s.CreatePolicy(ctx, p))
			}

			require.NoError(t, s.AttachPolicy(ctx, &cluster.Binding{ClusterID: "c1", PolicyID: "scale-a", PolicyType: "conductor.policy.scaling", Priority: 50, Enabled: true}))
			clk.Advance(time.Second)
			require.NoError(t, s.AttachPolicy(ctx, &cluster.Binding{ClusterID: "c1", PolicyID: "del", PolicyType: "conductor.policy.deletion", Priority: 50, Enabled: true}))
			clk.Advance(time.Second)
			require.NoError(t, s.AttachPolicy(ctx, &cluster.Binding{ClusterID: "c1", PolicyID: "hp", PolicyType: "conductor.policy.health", Priority: 10, Enabled: true}))

			err := s.AttachPolicy(ctx, &cluster.Binding{ClusterID: "c1", PolicyID: "scale-b", PolicyType: "conductor.policy.scaling"})
			assert.ErrorIs(t, err, ErrAlreadyExists)
			assert.ErrorIs(t, s.AttachPolicy(ctx, &cluster.Binding{ClusterID: "nope", PolicyID: "scale-b"}), action.ErrNotFound)

			bs, err := s.ListBindings(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, bs, 3)
			assert.Equal(t, []string{"hp", "scale-a", "del"}, []string{bs[0].PolicyID, bs[1].PolicyID, bs[2].PolicyID})

			stamp := clk.Now()
			b, err := s.UpdateBinding(ctx, "c1", "scale-a", func(b *cluster.Binding) error {
				b.LastEnforced = stamp
				b.PolicyType = "hijack"
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, "conductor.policy.scaling", b.PolicyType)
			assert.True(t, b.LastEnforced.Equal(stamp))

			assert.ErrorIs(t, s.DeletePolicy(ctx, "scale-a"), action.ErrInvalidRequest)
			require.NoError(t, s.DetachPolicy(ctx, "c1", "scale-a"))
			assert.ErrorIs(t, s.DetachPolicy(ctx, "c1", "scale-a"), action.ErrNotFound)
			require.NoError(t, s.DeletePolicy(ctx, "scale-a"))
			require.NoError(t, s.AttachPolicy(ctx, &cluster.Binding{ClusterID: "c1", PolicyID: "scale-b", PolicyType: "conductor.policy.scaling"}))
		})
	}
}

func TestReceivers(t *testing.T) {
	ctx := context.Background()
	all, _ := stores(t)
	for name, s := range all {
		t.Run(name, func(t *testing.T) {
			r := &cluster.Receiver{ID: "r1", Token: "tok", TargetID: "c1", TargetKind: action.KindCluster, ActionType: action.ClusterScaleOut}
			require.NoError(t, s.CreateReceiver(ctx, r))
			assert.ErrorIs(t, s.CreateReceiver(ctx, &cluster.Receiver{ID: "r2", Token: "tok"}), ErrAlreadyExists)

			got, err := s.ReceiverByToken(ctx, "tok")
			require.NoError(t, err)
			assert.Equal(t, "r1", got.ID)

			_, err = s.ReceiverByToken(ctx, "guess")
			assert.ErrorIs(t, err, action.ErrNotFound)

			require.NoError(t, s.DeleteReceiver(ctx, "r1"))
			_, err = s.ReceiverByToken(ctx, "tok")
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}
