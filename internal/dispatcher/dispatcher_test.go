package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/graph"
	"github.com/dreamware/conductor/internal/lock"
	"github.com/dreamware/conductor/internal/notify"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTimer struct {
	after   time.Duration
	fire    func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// timers records every deadline instead of scheduling it.
type timers struct {
	mu   sync.Mutex
	list []*fakeTimer
}

func (ts *timers) afterFunc(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{after: d, fire: f}
	ts.list = append(ts.list, t)
	return t
}

func (ts *timers) last() *fakeTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.list) == 0 {
		return nil
	}
	return ts.list[len(ts.list)-1]
}

type harness struct {
	store  *store.Store
	driver *profile.MemoryDriver
	pub    *notify.Memory
	timers *timers
	d      *Dispatcher
	pipe   *policy.Pipeline
	seq    int
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	st := store.NewMemory()
	drivers := profile.NewRegistry()
	drv := profile.NewMemoryDriver()
	drivers.Register("p1", drv)
	nop := zap.NewNop().Sugar()

	h := &harness{store: st, driver: drv, pub: notify.NewMemory(), timers: &timers{}}
	h.pipe = policy.NewPipeline(st, policy.DefaultRegistry(), policy.WithLogger(nop))
	h.d = New(Deps{
		Store:     st,
		Locks:     lock.New(st, "engine-1", lock.WithLogger(nop)),
		Pipeline:  h.pipe,
		Resolver:  graph.NewResolver(st),
		Drivers:   drivers,
		Publisher: h.pub,
	},
		WithWorkers(workers),
		WithSweepInterval(time.Hour),
		WithAfterFunc(h.timers.afterFunc),
		WithLogger(nop),
	)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// cluster stores cluster c1 with n provisioned nodes, oldest first.
func (h *harness) cluster(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateCluster(ctx, &cluster.Cluster{
		ID: "c1", Name: "web", ProfileID: "p1", DesiredCapacity: n, MaxSize: 10, Status: cluster.StatusActive,
	}))
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= n; i++ {
		node := &cluster.Node{
			ID:        fmt.Sprintf("n%d", i),
			ClusterID: "c1",
			ProfileID: "p1",
			Status:    cluster.NodeActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		pid, addr, err := h.driver.Create(ctx, node)
		require.NoError(t, err)
		node.PhysicalID, node.Addr = pid, addr
		require.NoError(t, h.store.CreateNode(ctx, node))
	}
}

// bindDeletion attaches a deletion policy with a message hook.
func (h *harness) bindDeletion(t *testing.T, timeout int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreatePolicy(ctx, &cluster.PolicySpec{
		ID:   "del",
		Type: policy.Key(policy.TypeDeletion, policy.Version1),
		Properties: map[string]any{
			"criteria": policy.OldestFirst,
			"hooks":    map[string]any{"type": policy.HookMessage, "timeout": timeout},
		},
	}))
	require.NoError(t, h.store.AttachPolicy(ctx, &cluster.Binding{
		ClusterID: "c1", PolicyID: "del", PolicyType: policy.TypeDeletion, Enabled: true,
	}))
}

// submit runs pre-op hooks, stores the action as READY and queues it.
func (h *harness) submit(t *testing.T, typ action.Type, target string, inputs map[string]any) string {
	t.Helper()
	ctx := context.Background()
	h.seq++
	a := &action.Action{
		ID:         fmt.Sprintf("a%d", h.seq),
		Type:       typ,
		TargetID:   target,
		TargetKind: typ.Kind(),
		Status:     action.StatusReady,
		Cause:      action.Cause{Kind: action.CauseUser},
		Inputs:     inputs,
	}
	if a.TargetKind == action.KindNode {
		a.SetInput(action.InputClusterID, "c1")
	}
	require.NoError(t, h.pipe.PreOp(ctx, a))
	require.NoError(t, h.store.CreateAction(ctx, a))
	h.d.Enqueue(a)
	return a.ID
}

func (h *harness) get(t *testing.T, id string) *action.Action {
	t.Helper()
	a, err := h.store.GetAction(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) waitStatus(t *testing.T, id string, want action.Status) *action.Action {
	t.Helper()
	var last *action.Action
	require.Eventually(t, func() bool {
		a, err := h.store.GetAction(context.Background(), id)
		if err != nil {
			return false
		}
		last = a
		return a.Status == want
	}, waitFor, tick, "action %s never reached %s", id, want)
	return last
}

func (h *harness) children(t *testing.T, parent string) []*action.Action {
	t.Helper()
	out, err := h.store.ListActions(context.Background(), store.ActionFilter{Parent: parent})
	require.NoError(t, err)
	return out
}

func (h *harness) locks(t *testing.T) []*store.Lock {
	t.Helper()
	out, err := h.store.ListLocks(context.Background())
	require.NoError(t, err)
	return out
}

func TestScaleOutCreatesNodes(t *testing.T) {
	h := newHarness(t, 4)
	h.cluster(t, 1)
	h.start(t)

	id := h.submit(t, action.ClusterScaleOut, "c1", map[string]any{action.InputCount: 2})
	a := h.waitStatus(t, id, action.StatusSucceeded)

	assert.Len(t, a.DependsOn, 2)
	for _, c := range h.children(t, id) {
		assert.Equal(t, action.NodeCreate, c.Type)
		assert.Equal(t, action.StatusSucceeded, c.Status)
		assert.Equal(t, action.CauseAction, c.Cause.Kind)
	}

	ctx := context.Background()
	nodes, err := h.store.ListNodes(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	for _, n := range nodes {
		assert.Equal(t, cluster.NodeActive, n.Status)
		assert.NotEmpty(t, n.PhysicalID)
	}
	assert.Equal(t, 3, h.driver.Servers())

	c, err := h.store.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.DesiredCapacity)
	assert.Equal(t, cluster.StatusActive, c.Status)
	assert.Empty(t, h.locks(t))
}

func TestScaleInRemovesOldestWithPolicy(t *testing.T) {
	h := newHarness(t, 2)
	h.cluster(t, 3)
	ctx := context.Background()
	require.NoError(t, h.store.CreatePolicy(ctx, &cluster.PolicySpec{
		ID:         "del",
		Type:       policy.Key(policy.TypeDeletion, policy.Version1),
		Properties: map[string]any{"criteria": policy.OldestFirst},
	}))
	require.NoError(t, h.store.AttachPolicy(ctx, &cluster.Binding{
		ClusterID: "c1", PolicyID: "del", PolicyType: policy.TypeDeletion, Enabled: true,
	}))
	h.start(t)

	id := h.submit(t, action.ClusterScaleIn, "c1", map[string]any{action.InputCount: 1})
	h.waitStatus(t, id, action.StatusSucceeded)

	_, err := h.store.GetNode(ctx, "n1")
	assert.ErrorIs(t, err, action.ErrNotFound)
	nodes, err := h.store.ListNodes(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	c, err := h.store.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.DesiredCapacity)
}

func TestDriverFailureFailsParent(t *testing.T) {
	h := newHarness(t, 2)
	h.cluster(t, 1)
	h.driver.SetHook(func(_ context.Context, op string, _ *cluster.Node) error {
		if op == profile.OpCreate {
			return errors.New("quota exceeded")
		}
		return nil
	})
	h.start(t)

	id := h.submit(t, action.ClusterScaleOut, "c1", map[string]any{action.InputCount: 1})
	a := h.waitStatus(t, id, action.StatusFailed)
	assert.Contains(t, a.Reason, "quota exceeded")

	kids := h.children(t, id)
	require.Len(t, kids, 1)
	assert.Equal(t, action.StatusFailed, kids[0].Status)
	assert.Contains(t, kids[0].Reason, action.ErrDriverFailure.Error())

	node, err := h.store.GetNode(context.Background(), kids[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeError, node.Status)

	c, err := h.store.GetCluster(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusWarning, c.Status)
	assert.Empty(t, h.locks(t))
}

func TestRecoverIsBestEffort(t *testing.T) {
	h := newHarness(t, 2)
	h.cluster(t, 2)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2"} {
		_, err := h.store.UpdateNode(ctx, id, func(n *cluster.Node) error {
			n.Tainted = true
			return nil
		})
		require.NoError(t, err)
	}
	h.driver.SetHook(func(_ context.Context, op string, n *cluster.Node) error {
		if n.ID == "n1" {
			return errors.New("hypervisor gone")
		}
		return nil
	})
	h.start(t)

	id := h.submit(t, action.ClusterRecover, "c1", map[string]any{
		action.InputOperations: []string{policy.OpReboot, policy.OpRebuild},
	})
	a := h.waitStatus(t, id, action.StatusSucceeded)
	assert.Equal(t, true, a.Outputs[graph.OutputPartial])

	n1, err := h.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeError, n1.Status)
	n2, err := h.store.GetNode(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeActive, n2.Status)
	assert.False(t, n2.Tainted)

	// Both operations were tried on the failing node, in order.
	calls := h.driver.Calls()
	assert.Contains(t, calls, "reboot:n1")
	assert.Contains(t, calls, "rebuild:n1")
	assert.NotContains(t, calls, "rebuild:n2")

	c, err := h.store.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusWarning, c.Status)
}

func TestDeferredDeletionTimesOut(t *testing.T) {
	h := newHarness(t, 2)
	h.cluster(t, 2)
	h.bindDeletion(t, 60)
	msgs := h.pub.Subscribe(4)
	h.start(t)

	id := h.submit(t, action.NodeDelete, "n1", nil)
	a := h.waitStatus(t, id, action.StatusWaitingLifecycle)
	assert.False(t, a.Deadline.IsZero())

	select {
	case m := <-msgs:
		assert.Equal(t, id, m.Token)
		assert.Equal(t, "n1", m.NodeID)
		assert.Equal(t, "c1", m.ClusterID)
		assert.Equal(t, notify.TransitionTermination, m.Transition)
	case <-time.After(waitFor):
		t.Fatal("no lifecycle message published")
	}

	timer := h.timers.last()
	require.NotNil(t, timer)
	assert.Equal(t, 60*time.Second, timer.after)

	// Still present and still locked while waiting.
	_, err := h.store.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Len(t, h.locks(t), 1)

	timer.fire()
	a = h.waitStatus(t, id, action.StatusSucceeded)
	assert.Equal(t, true, a.Inputs[action.InputLifecycleDone])
	_, err = h.store.GetNode(context.Background(), "n1")
	assert.ErrorIs(t, err, action.ErrNotFound)
	assert.Empty(t, h.locks(t))
}

func TestDeferredDeletionCompletes(t *testing.T) {
	h := newHarness(t, 2)
	h.cluster(t, 2)
	h.bindDeletion(t, 0)
	h.start(t)

	id := h.submit(t, action.NodeDelete, "n2", nil)
	h.waitStatus(t, id, action.StatusWaitingLifecycle)
	timer := h.timers.last()
	require.NotNil(t, timer)
	assert.Equal(t, DefaultLifecycleTimeout, timer.after)

	ctx := context.Background()
	resumed, err := h.d.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "lifecycle completed", resumed.Reason)
	assert.True(t, timer.stopped.Load())

	h.waitStatus(t, id, action.StatusSucceeded)
	_, err = h.store.GetNode(ctx, "n2")
	assert.ErrorIs(t, err, action.ErrNotFound)

	// A late deadline and a second completion are both no-ops.
	timer.fire()
	assert.Equal(t, action.StatusSucceeded, h.get(t, id).Status)
	_, err = h.d.Resume(ctx, id)
	assert.Error(t, err)
}

func TestDeferredScaleInWaitsPerChild(t *testing.T) {
	h := newHarness(t, 4)
	h.cluster(t, 3)
	h.bindDeletion(t, 30)
	h.start(t)

	id := h.submit(t, action.ClusterScaleIn, "c1", map[string]any{action.InputCount: 2})
	var kids []*action.Action
	require.Eventually(t, func() bool {
		kids = h.children(t, id)
		if len(kids) != 2 {
			return false
		}
		for _, k := range kids {
			if h.get(t, k.ID).Status != action.StatusWaitingLifecycle {
				return false
			}
		}
		return true
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.pub.Messages()) == 2 }, waitFor, tick)
	assert.Equal(t, action.StatusWaiting, h.get(t, id).Status)

	for _, k := range kids {
		_, err := h.d.Resume(context.Background(), k.ID)
		require.NoError(t, err)
	}
	h.waitStatus(t, id, action.StatusSucceeded)

	nodes, err := h.store.ListNodes(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n3", nodes[0].ID)
}

func TestCascadingCancellation(t *testing.T) {
	h := newHarness(t, 1)
	h.cluster(t, 0)

	started := make(chan string, 3)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	h.driver.SetHook(func(ctx context.Context, op string, n *cluster.Node) error {
		if op != profile.OpCreate {
			return nil
		}
		started <- n.ID
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	h.start(t)

	id := h.submit(t, action.ClusterScaleOut, "c1", map[string]any{action.InputCount: 3})
	var running string
	select {
	case running = <-started:
	case <-time.After(waitFor):
		t.Fatal("no child started")
	}

	p, err := h.d.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.CancelRequested)

	kids := h.children(t, id)
	require.Len(t, kids, 3)
	for _, k := range kids {
		if k.TargetID == running {
			assert.Equal(t, action.StatusRunning, k.Status)
			continue
		}
		assert.Equal(t, action.StatusCancelled, k.Status)
	}
	assert.Equal(t, action.StatusWaiting, h.get(t, id).Status)

	unblock()
	p = h.waitStatus(t, id, action.StatusCancelled)
	assert.Len(t, p.Outputs[graph.OutputSucceeded], 1)
	assert.Len(t, p.Outputs[graph.OutputCancelled], 2)

	// The child that was already running finished normally.
	nodes, err := h.store.ListNodes(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, running, nodes[0].ID)
	assert.Len(t, started, 0)
	assert.Empty(t, h.locks(t))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 1)
	h.cluster(t, 1)
	ctx := context.Background()

	// Not started: cancelling a queued action is immediate.
	id := h.submit(t, action.NodeCheck, "n1", nil)
	a, err := h.d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, a.Status)
	assert.True(t, a.CancelRequested)

	claim, err := h.store.ActiveAction(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, claim)

	_, err = h.d.Cancel(ctx, id)
	assert.ErrorIs(t, err, action.ErrInvalidTransition)

	_, err = h.d.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, action.ErrNotFound)

	// Once running, the cancelled action is skipped by the workers.
	h.start(t)
	next := h.submit(t, action.NodeCheck, "n1", nil)
	h.waitStatus(t, next, action.StatusSucceeded)
	assert.Equal(t, action.StatusCancelled, h.get(t, id).Status)
	assert.Equal(t, []string{"create:n1", "status:n1"}, h.driver.Calls())
}

func TestLockRefusedAtDispatch(t *testing.T) {
	h := newHarness(t, 1)
	h.cluster(t, 1)
	ctx := context.Background()
	_, err := h.store.AcquireLock(ctx, store.Lock{
		ResourceID: "n1", ResourceKind: action.KindNode, ActionID: "foreign", EngineID: "engine-2",
	}, nil)
	require.NoError(t, err)
	h.start(t)

	id := h.submit(t, action.NodeCheck, "n1", nil)
	a := h.waitStatus(t, id, action.StatusFailed)
	assert.Contains(t, a.Reason, action.ErrResourceLocked.Error())

	holder, err := h.store.GetLock(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "foreign", holder.ActionID)
}

func TestConflictingChildrenFailParent(t *testing.T) {
	h := newHarness(t, 1)
	h.cluster(t, 2)
	ctx := context.Background()
	require.NoError(t, h.store.CreateAction(ctx, &action.Action{
		ID: "other", Type: action.NodeRecover, TargetID: "n2", TargetKind: action.KindNode, Status: action.StatusInit,
	}))
	h.start(t)

	id := h.submit(t, action.ClusterDelete, "c1", nil)
	a := h.waitStatus(t, id, action.StatusFailed)
	assert.Contains(t, a.Reason, action.ErrActionConflict.Error())
	assert.Empty(t, h.children(t, id))

	c, err := h.store.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusError, c.Status)
}

func TestClusterDeleteRemovesRecord(t *testing.T) {
	h := newHarness(t, 2)
	h.cluster(t, 2)
	h.start(t)

	id := h.submit(t, action.ClusterDelete, "c1", nil)
	h.waitStatus(t, id, action.StatusSucceeded)

	ctx := context.Background()
	_, err := h.store.GetCluster(ctx, "c1")
	assert.ErrorIs(t, err, action.ErrNotFound)
	assert.Equal(t, 0, h.driver.Servers())
}

func TestStartupSweep(t *testing.T) {
	h := newHarness(t, 1)
	h.cluster(t, 3)
	ctx := context.Background()

	require.NoError(t, h.store.CreateAction(ctx, &action.Action{
		ID: "interrupted", Type: action.NodeCheck, TargetID: "n1", TargetKind: action.KindNode,
		Status: action.StatusRunning, Owner: "engine-1",
	}))
	_, err := h.store.AcquireLock(ctx, store.Lock{
		ResourceID: "n1", ResourceKind: action.KindNode, ActionID: "interrupted", EngineID: "engine-1",
	}, nil)
	require.NoError(t, err)

	require.NoError(t, h.store.CreateAction(ctx, &action.Action{
		ID: "parked", Type: action.NodeDelete, TargetID: "n2", TargetKind: action.KindNode,
		Status: action.StatusWaitingLifecycle, Owner: "engine-1", Deadline: time.Now().Add(time.Minute),
		Inputs: map[string]any{action.InputLifecycleHook: policy.HookMessage, action.InputClusterID: "c1"},
	}))
	require.NoError(t, h.store.CreateAction(ctx, &action.Action{
		ID: "queued", Type: action.NodeCheck, TargetID: "n3", TargetKind: action.KindNode,
		Status: action.StatusReady, Inputs: map[string]any{action.InputClusterID: "c1"},
	}))
	h.start(t)

	a := h.waitStatus(t, "interrupted", action.StatusFailed)
	assert.Equal(t, "interrupted by engine restart", a.Reason)
	h.waitStatus(t, "queued", action.StatusSucceeded)

	require.Eventually(t, func() bool { return h.timers.last() != nil }, waitFor, tick)
	timer := h.timers.last()
	assert.Greater(t, timer.after, time.Duration(0))
	assert.LessOrEqual(t, timer.after, time.Minute)

	timer.fire()
	h.waitStatus(t, "parked", action.StatusSucceeded)
	_, err = h.store.GetNode(ctx, "n2")
	assert.ErrorIs(t, err, action.ErrNotFound)
	assert.Empty(t, h.locks(t))
}

func TestQueueOrder(t *testing.T) {
	q := newQueue()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, a := range []*action.Action{
		{ID: "late", CreatedAt: t0.Add(time.Second)},
		{ID: "low", CreatedAt: t0, Priority: 5},
		{ID: "high", CreatedAt: t0, Priority: 1},
		{ID: "high-again", CreatedAt: t0, Priority: 1},
	} {
		assert.True(t, q.push(a))
	}
	assert.False(t, q.push(&action.Action{ID: "low", CreatedAt: t0}))
	assert.True(t, q.has("late"))
	assert.Equal(t, 4, q.len())

	ctx := context.Background()
	var got []string
	for q.len() > 0 {
		id, ok := q.pop(ctx)
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []string{"high", "high-again", "low", "late"}, got)
	assert.False(t, q.has("late"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok := q.pop(cancelled)
	assert.False(t, ok)
}
