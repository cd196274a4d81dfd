package graph

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/conductor/internal/action"
)

const (
	white = iota
	grey
	black
)

// Validate checks that the dependency edges among actions form a DAG and
// that every parent link agrees with a dependency edge. Edges to actions
// outside the set are ignored; they were validated when persisted.
func Validate(actions []*action.Action) error {
	byID := make(map[string]*action.Action, len(actions))
	for _, a := range actions {
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("%w: duplicate action %s", action.ErrGraphInconsistency, a.ID)
		}
		byID[a.ID] = a
	}
	for _, a := range actions {
		if p, ok := byID[a.Parent]; ok && !slices.Contains(p.DependsOn, a.ID) {
			return fmt.Errorf("%w: %s names parent %s which does not depend on it",
				action.ErrGraphInconsistency, a.ID, p.ID)
		}
	}

	colour := make(map[string]int, len(actions))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch colour[id] {
		case grey:
			return fmt.Errorf("%w: dependency cycle %v", action.ErrGraphInconsistency, append(path, id))
		case black:
			return nil
		}
		colour[id] = grey
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		colour[id] = black
		return nil
	}
	for _, a := range actions {
		if err := visit(a.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Outcome is a parent's terminal status derived from its children.
type Outcome struct {
	Status  action.Status
	Reason  string
	Outputs map[string]any
}

// Output keys written by Aggregate.
const (
	OutputSucceeded = "succeeded"
	OutputFailed    = "failed"
	OutputCancelled = "cancelled"
	OutputPartial   = "partial"
)

// Aggregate folds terminal children into the parent's outcome. It returns
// false while any child is still active. A parent with a pending
// cancellation ends CANCELLED; otherwise it succeeds only if every child
// succeeded, unless best-effort applies and at least one did, in which
// case the result is flagged partial.
func Aggregate(parent *action.Action, children []*action.Action) (Outcome, bool) {
	var succeeded, failed, cancelled []string
	firstReason := ""
	for _, c := range children {
		switch c.Status {
		case action.StatusSucceeded:
			succeeded = append(succeeded, c.ID)
		case action.StatusFailed:
			failed = append(failed, c.ID)
			if firstReason == "" {
				firstReason = c.Reason
			}
		case action.StatusCancelled:
			cancelled = append(cancelled, c.ID)
		default:
			return Outcome{}, false
		}
	}

	out := Outcome{Outputs: map[string]any{
		OutputSucceeded: nonNil(succeeded),
		OutputFailed:    nonNil(failed),
		OutputCancelled: nonNil(cancelled),
	}}
	bad := len(failed) + len(cancelled)
	switch {
	case parent.CancelRequested:
		out.Status = action.StatusCancelled
		out.Reason = fmt.Sprintf("cancelled: %d of %d children succeeded", len(succeeded), len(children))
	case bad == 0:
		out.Status = action.StatusSucceeded
		out.Reason = "all children succeeded"
	case BestEffort(parent) && len(succeeded) > 0:
		out.Status = action.StatusSucceeded
		out.Outputs[OutputPartial] = true
		out.Reason = fmt.Sprintf("partial success: %d of %d children failed", bad, len(children))
	default:
		out.Status = action.StatusFailed
		out.Reason = fmt.Sprintf("%d of %d children failed", bad, len(children))
		if firstReason != "" {
			out.Reason += ": " + firstReason
		}
	}
	return out, true
}

// BestEffort reports whether a tolerates partially failed children, either
// by its type or because the request asked for it.
func BestEffort(a *action.Action) bool {
	return a.Type.BestEffort() || a.Bool(action.InputBestEffort)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
