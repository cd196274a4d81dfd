package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/health"
	"github.com/dreamware/conductor/internal/notify"
	"github.com/dreamware/conductor/internal/policy"
	"github.com/dreamware/conductor/internal/profile"
	"github.com/dreamware/conductor/internal/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	engine *Engine
	store  *store.Store
	driver *profile.MemoryDriver
	pub    *notify.Memory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		driver: profile.NewMemoryDriver(),
		pub:    notify.NewMemory(),
	}
	drivers := profile.NewRegistry()
	drivers.Register("p1", f.driver)
	nop := zap.NewNop().Sugar()
	opts = append([]Option{
		WithEngineID("e1"),
		WithWorkers(4),
		WithPublisher(f.pub),
		WithLogger(nop),
		WithHealthOptions(health.WithReconcileInterval(10*time.Millisecond), health.WithLogger(nop)),
	}, opts...)
	f.engine = New(f.store, drivers, opts...)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (f *fixture) wait(t *testing.T, id string, want action.Status) *action.Action {
	t.Helper()
	var last *action.Action
	require.Eventually(t, func() bool {
		a, err := f.store.GetAction(context.Background(), id)
		if err != nil {
			return false
		}
		last = a
		return a.Status == want
	}, waitFor, tick, "action %s never reached %s", id, want)
	return last
}

// cluster creates a cluster through the engine and waits until it is ACTIVE.
func (f *fixture) cluster(t *testing.T, desired int) *cluster.Cluster {
	t.Helper()
	c, a, err := f.engine.CreateCluster(context.Background(), ClusterSpec{
		Name: "web", ProfileID: "p1", DesiredCapacity: desired, MaxSize: 10,
	})
	require.NoError(t, err)
	f.wait(t, a.ID, action.StatusSucceeded)
	return c
}

func TestCreateCluster(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	c := f.cluster(t, 3)
	got, err := f.engine.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusActive, got.Status)
	assert.Len(t, got.NodeIDs, 3)
	assert.Equal(t, 3, got.DesiredCapacity)

	nodes, err := f.engine.ListNodes(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for i, n := range nodes {
		assert.Equal(t, i+1, n.Index)
		assert.Equal(t, cluster.NodeActive, n.Status)
		assert.Contains(t, n.Name, "web-")
	}
	assert.Equal(t, 3, f.driver.Servers())
}

func TestCreateClusterValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		spec ClusterSpec
	}{
		{name: "missing name", spec: ClusterSpec{ProfileID: "p1"}},
		{name: "missing profile", spec: ClusterSpec{Name: "web"}},
		{name: "unknown profile", spec: ClusterSpec{Name: "web", ProfileID: "nope"}},
		{name: "desired above max", spec: ClusterSpec{Name: "web", ProfileID: "p1", DesiredCapacity: 4, MaxSize: 3}},
		{name: "desired below min", spec: ClusterSpec{Name: "web", ProfileID: "p1", DesiredCapacity: 1, MinSize: 2}},
		{name: "min above max", spec: ClusterSpec{Name: "web", ProfileID: "p1", MinSize: 3, MaxSize: 2, DesiredCapacity: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.engine.CreateCluster(context.Background(), tt.spec)
			assert.ErrorIs(t, err, action.ErrInvalidRequest)
		})
	}
	clusters, err := f.engine.ListClusters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Request(ctx, Request{Type: "CLUSTER_EXPLODE", Target: "c1"})
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
	_, err = f.engine.Request(ctx, Request{Type: action.ClusterScaleOut})
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
	_, err = f.engine.ScaleOut(ctx, "missing", 1)
	assert.ErrorIs(t, err, action.ErrNotFound)
	_, err = f.engine.CheckNode(ctx, "missing")
	assert.ErrorIs(t, err, action.ErrNotFound)
	_, err = f.engine.Resize(ctx, "missing", -1, false)
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
}

func TestRequestFailsFastOnLockedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCluster(ctx, &cluster.Cluster{ID: "c1", ProfileID: "p1", MaxSize: 10, Status: cluster.StatusActive}))
	_, err := f.store.AcquireLock(ctx, store.Lock{
		ResourceID: "c1", ResourceKind: action.KindCluster, ActionID: "foreign", EngineID: "e2",
	}, nil)
	require.NoError(t, err)

	_, err = f.engine.ScaleOut(ctx, "c1", 1)
	assert.ErrorIs(t, err, action.ErrResourceLocked)
	assert.True(t, action.IsContention(err))

	actions, err := f.engine.ListActions(ctx, store.ActionFilter{TargetID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestRequestConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCluster(ctx, &cluster.Cluster{ID: "c1", ProfileID: "p1", MaxSize: 10, Status: cluster.StatusActive}))

	// Not running: the first action stays queued and keeps its claim.
	first, err := f.engine.ScaleOut(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, action.StatusReady, first.Status)
	assert.Equal(t, 1, f.engine.Pending())

	_, err = f.engine.ScaleIn(ctx, "c1", 1)
	assert.ErrorIs(t, err, action.ErrActionConflict)

	_, err = f.engine.Cancel(ctx, first.ID)
	require.NoError(t, err)
	second, err := f.engine.CheckCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, action.CauseUser, second.Cause.Kind)
}

func TestPolicyCooldownRejects(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	c := f.cluster(t, 1)

	p, err := f.engine.CreatePolicy(ctx, PolicySpec{
		Name: "grow",
		Type: policy.Key(policy.TypeScaling, policy.Version1),
		Properties: map[string]any{
			"event":      string(action.ClusterScaleOut),
			"adjustment": map[string]any{"type": policy.ChangeInCapacity, "number": 2},
		},
	})
	require.NoError(t, err)
	_, err = f.engine.AttachPolicy(ctx, c.ID, BindingSpec{PolicyID: p.ID, Cooldown: 3600})
	require.NoError(t, err)

	a, err := f.engine.ScaleOut(ctx, c.ID, 0)
	require.NoError(t, err)
	f.wait(t, a.ID, action.StatusSucceeded)
	nodes, err := f.engine.ListNodes(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	// Post-op stamped the binding, so the next request is vetoed.
	require.Eventually(t, func() bool {
		bs, err := f.engine.ListBindings(ctx, c.ID)
		return err == nil && len(bs) == 1 && !bs[0].LastEnforced.IsZero()
	}, waitFor, tick)

	rejected, err := f.engine.ScaleOut(ctx, c.ID, 0)
	require.Error(t, err)
	var rej *action.PolicyRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, p.ID, rej.PolicyID)
	assert.ErrorIs(t, err, action.ErrPolicyRejected)
	require.NotNil(t, rejected)
	assert.Equal(t, action.StatusFailed, rejected.Status)
	assert.Contains(t, rejected.Reason, "cooldown")

	// The veto released the claim.
	_, err = f.engine.CheckCluster(ctx, c.ID)
	assert.NoError(t, err)
}

func TestPolicyManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCluster(ctx, &cluster.Cluster{ID: "c1", ProfileID: "p1", MaxSize: 10}))

	_, err := f.engine.CreatePolicy(ctx, PolicySpec{Name: "x", Type: "conductor.policy.unknown-1.0"})
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
	_, err = f.engine.CreatePolicy(ctx, PolicySpec{
		Name:       "bad",
		Type:       policy.Key(policy.TypeDeletion, policy.Version1),
		Properties: map[string]any{"criteria": "BIGGEST_FIRST"},
	})
	assert.ErrorIs(t, err, action.ErrInvalidRequest)

	del := func(name string) *cluster.PolicySpec {
		p, err := f.engine.CreatePolicy(ctx, PolicySpec{
			Name:       name,
			Type:       policy.Key(policy.TypeDeletion, policy.Version1),
			Properties: map[string]any{"criteria": policy.YoungestFirst},
		})
		require.NoError(t, err)
		return p
	}
	p1, p2 := del("d1"), del("d2")

	b, err := f.engine.AttachPolicy(ctx, "c1", BindingSpec{PolicyID: p1.ID, Priority: 10})
	require.NoError(t, err)
	assert.Equal(t, policy.TypeDeletion, b.PolicyType)
	assert.True(t, b.Enabled)

	_, err = f.engine.AttachPolicy(ctx, "c1", BindingSpec{PolicyID: p2.ID})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	_, err = f.engine.AttachPolicy(ctx, "c1", BindingSpec{PolicyID: "missing"})
	assert.ErrorIs(t, err, action.ErrNotFound)

	assert.ErrorIs(t, f.engine.DeletePolicy(ctx, p1.ID), action.ErrInvalidRequest)

	off := false
	prio := 5
	updated, err := f.engine.UpdateBinding(ctx, "c1", p1.ID, BindingUpdate{Enabled: &off, Priority: &prio})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 5, updated.Priority)

	require.NoError(t, f.engine.DetachPolicy(ctx, "c1", p1.ID))
	assert.ErrorIs(t, f.engine.DetachPolicy(ctx, "c1", p1.ID), action.ErrNotFound)
	require.NoError(t, f.engine.DeletePolicy(ctx, p1.ID))

	policies, err := f.engine.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, p2.ID, policies[0].ID)
}

func TestReceivers(t *testing.T) {
	f := newFixture(t, WithReceiverRate(rate.Every(time.Hour), 2))
	ctx := context.Background()
	require.NoError(t, f.store.CreateCluster(ctx, &cluster.Cluster{ID: "c1", ProfileID: "p1", MaxSize: 10, Status: cluster.StatusActive}))

	_, err := f.engine.CreateReceiver(ctx, ReceiverSpec{Name: "r", TargetID: "c1", ActionType: action.ClusterCreate})
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
	_, err = f.engine.CreateReceiver(ctx, ReceiverSpec{Name: "r", TargetID: "missing", ActionType: action.ClusterCheck})
	assert.ErrorIs(t, err, action.ErrNotFound)

	r, err := f.engine.CreateReceiver(ctx, ReceiverSpec{
		Name: "check", TargetID: "c1", ActionType: action.ClusterCheck,
		Params: map[string]any{"source": "alarm"},
	})
	require.NoError(t, err)
	assert.Len(t, r.Token, 48)
	other, err := f.engine.CreateReceiver(ctx, ReceiverSpec{Name: "other", TargetID: "c1", ActionType: action.ClusterCheck})
	require.NoError(t, err)
	assert.NotEqual(t, r.Token, other.Token)

	a, err := f.engine.Trigger(ctx, r.Token, map[string]any{"severity": "high"})
	require.NoError(t, err)
	assert.Equal(t, action.Cause{Kind: action.CauseReceiver, ID: r.ID}, a.Cause)
	assert.Equal(t, "alarm", a.Inputs["source"])
	assert.Equal(t, "high", a.Inputs["severity"])
	_, err = f.engine.Cancel(ctx, a.ID)
	require.NoError(t, err)

	a, err = f.engine.Trigger(ctx, r.Token, nil)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, a.ID)
	require.NoError(t, err)

	_, err = f.engine.Trigger(ctx, r.Token, nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = f.engine.Trigger(ctx, "not-a-token", nil)
	assert.ErrorIs(t, err, action.ErrNotFound)

	require.NoError(t, f.engine.DeleteReceiver(ctx, r.ID))
	_, err = f.engine.Trigger(ctx, r.Token, nil)
	assert.ErrorIs(t, err, action.ErrNotFound)

	receivers, err := f.engine.ListReceivers(ctx)
	require.NoError(t, err)
	assert.Len(t, receivers, 1)
}

func TestCompleteLifecycle(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	c := f.cluster(t, 2)

	p, err := f.engine.CreatePolicy(ctx, PolicySpec{
		Name: "drain",
		Type: policy.Key(policy.TypeDeletion, policy.Version1),
		Properties: map[string]any{
			"hooks": map[string]any{"type": policy.HookMessage, "timeout": 600},
		},
	})
	require.NoError(t, err)
	_, err = f.engine.AttachPolicy(ctx, c.ID, BindingSpec{PolicyID: p.ID})
	require.NoError(t, err)

	nodes, err := f.engine.ListNodes(ctx, c.ID)
	require.NoError(t, err)
	victim := nodes[0].ID

	a, err := f.engine.DeleteNode(ctx, victim, nil)
	require.NoError(t, err)
	assert.Equal(t, c.ID, a.Inputs[action.InputClusterID])
	f.wait(t, a.ID, action.StatusWaitingLifecycle)

	require.Eventually(t, func() bool { return len(f.pub.Messages()) == 1 }, waitFor, tick)
	msg := f.pub.Messages()[0]
	assert.Equal(t, victim, msg.NodeID)

	_, err = f.engine.CompleteLifecycle(ctx, "unknown")
	assert.ErrorIs(t, err, action.ErrNotFound)

	_, err = f.engine.CompleteLifecycle(ctx, msg.Token)
	require.NoError(t, err)
	f.wait(t, a.ID, action.StatusSucceeded)
	_, err = f.engine.GetNode(ctx, victim)
	assert.ErrorIs(t, err, action.ErrNotFound)

	_, err = f.engine.CompleteLifecycle(ctx, msg.Token)
	assert.ErrorIs(t, err, action.ErrInvalidTransition)
}

func TestHealthMonitorRequestsRecovery(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	c := f.cluster(t, 2)

	nodes, err := f.engine.ListNodes(ctx, c.ID)
	require.NoError(t, err)
	sick := nodes[1]
	f.driver.SetStatus(sick.PhysicalID, cluster.NodeError)

	p, err := f.engine.CreatePolicy(ctx, PolicySpec{
		Name: "watch",
		Type: policy.Key(policy.TypeHealth, policy.Version1),
		Properties: map[string]any{
			"detection": map[string]any{
				"detection_modes": []any{map[string]any{"type": policy.ModeStatusPolling}},
				"interval":        3600,
			},
			"recovery": map[string]any{"actions": []any{map[string]any{"name": policy.OpRebuild}}},
		},
	})
	require.NoError(t, err)
	_, err = f.engine.AttachPolicy(ctx, c.ID, BindingSpec{PolicyID: p.ID})
	require.NoError(t, err)

	var recovery *action.Action
	require.Eventually(t, func() bool {
		actions, err := f.engine.ListActions(ctx, store.ActionFilter{TargetID: sick.ID, Type: action.NodeRecover})
		if err != nil || len(actions) == 0 {
			return false
		}
		recovery = actions[0]
		return recovery.Status == action.StatusSucceeded
	}, waitFor, tick)
	assert.Equal(t, action.CauseHealth, recovery.Cause.Kind)
	assert.Equal(t, []string{policy.OpRebuild}, recovery.Strings(action.InputOperations))

	healed, err := f.engine.GetNode(ctx, sick.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeActive, healed.Status)
	assert.False(t, healed.Tainted)

	report, err := f.engine.HealthReport(ctx, c.ID)
	require.NoError(t, err)
	assert.Contains(t, report, sick.ID)

	// Polling-only policies do not take lifecycle events.
	assert.ErrorIs(t, f.engine.NodeEvent(ctx, sick.ID, health.EventStopped), action.ErrInvalidRequest)
}

func TestHealthMonitorRetriesFailedRecovery(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	c := f.cluster(t, 1)

	nodes, err := f.engine.ListNodes(ctx, c.ID)
	require.NoError(t, err)
	sick := nodes[0]

	var reboots atomic.Int32
	f.driver.SetHook(func(_ context.Context, op string, _ *cluster.Node) error {
		if op == profile.OpReboot && reboots.Add(1) == 1 {
			return errors.New("hypervisor unavailable")
		}
		return nil
	})
	f.driver.SetStatus(sick.PhysicalID, cluster.NodeError)

	p, err := f.engine.CreatePolicy(ctx, PolicySpec{
		Name: "watch",
		Type: policy.Key(policy.TypeHealth, policy.Version1),
		Properties: map[string]any{
			"detection": map[string]any{
				"detection_modes": []any{map[string]any{"type": policy.ModeStatusPolling}},
				"interval":        1,
			},
			"recovery": map[string]any{"actions": []any{map[string]any{"name": policy.OpReboot}}},
		},
	})
	require.NoError(t, err)
	_, err = f.engine.AttachPolicy(ctx, c.ID, BindingSpec{PolicyID: p.ID})
	require.NoError(t, err)

	var actions []*action.Action
	require.Eventually(t, func() bool {
		actions, err = f.engine.ListActions(ctx, store.ActionFilter{TargetID: sick.ID, Type: action.NodeRecover})
		if err != nil {
			return false
		}
		for _, a := range actions {
			if a.Status == action.StatusSucceeded {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	statuses := map[action.Status]int{}
	for _, a := range actions {
		statuses[a.Status]++
	}
	assert.Equal(t, 1, statuses[action.StatusFailed])
	assert.Equal(t, 1, statuses[action.StatusSucceeded])

	healed, err := f.engine.GetNode(ctx, sick.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeActive, healed.Status)
	assert.False(t, healed.Tainted)
}

// interfering fails the action it governs from inside its pre-op hook, so
// the engine can no longer queue it.
type interfering struct{ store *store.Store }

func (interfering) Type() string { return "test.policy.interfering" }

func (interfering) Version() string { return policy.Version1 }

func (interfering) Governs(t action.Type) bool { return t == action.ClusterScaleIn }

func (interfering) PostOp(context.Context, *policy.Context) error { return nil }

func (p interfering) PreOp(ctx context.Context, pc *policy.Context) policy.Decision {
	_, _ = p.store.TransitionAction(ctx, pc.Action.ID, action.StatusFailed, []action.Status{action.StatusInit}, func(a *action.Action) {
		a.Reason = "failed elsewhere"
	})
	return policy.Approve()
}

func TestRequestResumesHealthWhenQueueingFails(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	c := f.cluster(t, 2)

	key := policy.Key("test.policy.interfering", policy.Version1)
	f.engine.Registry().Register(key, func(*cluster.PolicySpec) (policy.Policy, error) {
		return interfering{store: f.store}, nil
	})
	watch, err := f.engine.CreatePolicy(ctx, PolicySpec{
		Name: "watch",
		Type: policy.Key(policy.TypeHealth, policy.Version1),
		Properties: map[string]any{
			"detection": map[string]any{
				"detection_modes": []any{map[string]any{"type": policy.ModeStatusPolling}},
				"interval":        3600,
			},
			"recovery": map[string]any{"actions": []any{map[string]any{"name": policy.OpRebuild}}},
		},
	})
	require.NoError(t, err)
	meddle, err := f.engine.CreatePolicy(ctx, PolicySpec{Name: "meddle", Type: key})
	require.NoError(t, err)
	_, err = f.engine.AttachPolicy(ctx, c.ID, BindingSpec{PolicyID: watch.ID, Priority: 1})
	require.NoError(t, err)
	_, err = f.engine.AttachPolicy(ctx, c.ID, BindingSpec{PolicyID: meddle.ID, Priority: 2})
	require.NoError(t, err)

	a, err := f.engine.ScaleIn(ctx, c.ID, 1)
	require.ErrorIs(t, err, action.ErrInvalidTransition)
	assert.Nil(t, a)
	assert.False(t, f.engine.health.Suspended(c.ID))

	actions, err := f.engine.ListActions(ctx, store.ActionFilter{TargetID: c.ID, Type: action.ClusterScaleIn})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, action.StatusFailed, actions[0].Status)

	nodes, err := f.engine.ListNodes(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}
