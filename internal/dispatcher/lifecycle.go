package dispatcher

import (
	"context"
	"time"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/notify"
)

// deferAction parks a running deletion until an external completion signal
// or its deadline, whichever comes first. The resource lock stays held.
func (d *Dispatcher) deferAction(ctx context.Context, a *action.Action, timeout time.Duration) {
	deadline := d.Store.Now().Add(timeout)
	w, err := d.Store.TransitionAction(ctx, a.ID, action.StatusWaitingLifecycle, []action.Status{action.StatusRunning}, func(x *action.Action) {
		x.Deadline = deadline
		x.Reason = "waiting for lifecycle completion"
	})
	if err != nil {
		d.log.Errorw("deferring action failed", "action_id", a.ID, "error", err)
		d.complete(ctx, a.ID, []action.Status{action.StatusRunning}, action.StatusFailed, err.Error(), nil)
		return
	}
	d.arm(w.ID, timeout)

	clusterID, _ := w.Inputs[action.InputClusterID].(string)
	msg := notify.Message{
		Token:      w.ID,
		NodeID:     w.TargetID,
		ClusterID:  clusterID,
		Transition: notify.TransitionTermination,
		Deadline:   deadline,
	}
	if err := notify.Publish(ctx, d.Publisher, msg); err != nil {
		d.log.Warnw("lifecycle message not delivered, deadline still applies", "action_id", w.ID, "error", err)
	}
	d.log.Infow("action deferred", "action_id", w.ID, "target", w.TargetID, "deadline", deadline)
}

// Resume moves a WAITING_LIFECYCLE_COMPLETION action back to READY and
// cancels its deadline. It is the handler for lifecycle completion calls.
func (d *Dispatcher) Resume(ctx context.Context, id string) (*action.Action, error) {
	return d.resume(ctx, id, "completed")
}

// resume is shared by the completion call and the deadline timer. The
// status compare-and-set picks exactly one of them.
func (d *Dispatcher) resume(ctx context.Context, id, why string) (*action.Action, error) {
	a, err := d.Store.TransitionAction(ctx, id, action.StatusReady, []action.Status{action.StatusWaitingLifecycle}, func(x *action.Action) {
		x.SetInput(action.InputLifecycleDone, true)
		x.Deadline = time.Time{}
		x.Reason = "lifecycle " + why
	})
	if err != nil {
		return nil, err
	}
	d.stopTimer(id)
	d.log.Infow("lifecycle wait over", "action_id", id, "by", why)
	d.Enqueue(a)
	return a, nil
}

func (d *Dispatcher) arm(id string, after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[id]; ok {
		t.Stop()
	}
	d.timers[id] = d.afterFunc(after, func() {
		if _, err := d.resume(d.baseContext(), id, "timeout"); err != nil {
			d.log.Debugw("deadline fired after resume", "action_id", id, "error", err)
		}
	})
}

func (d *Dispatcher) armed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[id]
	return ok
}

func (d *Dispatcher) stopTimer(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}
