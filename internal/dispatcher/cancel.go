package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/conductor/internal/action"
)

// Cancel cancels an action and cascades to its not-yet-started
// descendants. A RUNNING action cannot be interrupted: it is flagged and
// finishes normally, and a flagged parent ends CANCELLED once its children
// are terminal, with their results in its outputs.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*action.Action, error) {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := d.Store.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status.IsTerminal() {
			return a, fmt.Errorf("%w: action %s already %s", action.ErrInvalidTransition, id, a.Status)
		}

		switch a.Status {
		case action.StatusRunning, action.StatusWaiting:
			flagged, err := d.Store.UpdateAction(ctx, id, func(x *action.Action) error {
				if x.Status.IsTerminal() {
					return fmt.Errorf("%w: action %s already %s", action.ErrInvalidTransition, id, x.Status)
				}
				x.CancelRequested = true
				return nil
			})
			if err != nil {
				return nil, err
			}
			d.log.Infow("cancel requested", "action_id", id, "status", flagged.Status)
			if flagged.Status == action.StatusWaiting {
				d.cascade(ctx, flagged)
			}
			return flagged, nil

		default:
			c, err := d.Store.TransitionAction(ctx, id, action.StatusCancelled,
				[]action.Status{action.StatusInit, action.StatusReady, action.StatusWaitingLifecycle},
				func(x *action.Action) {
					x.CancelRequested = true
					x.Reason = "cancelled"
					x.Deadline = time.Time{}
				})
			if errors.Is(err, action.ErrInvalidTransition) || errors.Is(err, action.ErrGraphInconsistency) {
				// A worker or the deadline moved it in the meantime.
				continue
			}
			if err != nil {
				return nil, err
			}
			d.finish(ctx, c)
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: action %s kept changing status", action.ErrInvalidTransition, id)
}

// cascade cancels the children of a flagged parent, then checks whether the
// parent can already be completed.
func (d *Dispatcher) cascade(ctx context.Context, parent *action.Action) {
	for _, cid := range parent.DependsOn {
		if _, err := d.Cancel(ctx, cid); err != nil && !errors.Is(err, action.ErrInvalidTransition) {
			d.log.Warnw("cascading cancel failed", "action_id", parent.ID, "child", cid, "error", err)
		}
	}
	d.evaluate(ctx, parent.ID)
}
