package action

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceLocked means the target is held by another action tree.
	ErrResourceLocked = errors.New("resource locked")
	// ErrActionConflict means a non-terminal action already targets the resource.
	ErrActionConflict = errors.New("action conflict")
	// ErrPolicyRejected means a pre-op hook vetoed the action.
	ErrPolicyRejected = errors.New("policy rejected")
	// ErrDriverFailure means a profile driver failed the resource operation.
	ErrDriverFailure = errors.New("driver failure")
	// ErrGraphInconsistency is an internal invariant violation (cycle, terminal re-entry).
	ErrGraphInconsistency = errors.New("graph inconsistency")
	// ErrInvalidTransition is a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest means the request itself is malformed.
	ErrInvalidRequest = errors.New("invalid request")
)

// PolicyRejection carries the policy that vetoed an action and why.
type PolicyRejection struct {
	PolicyID   string
	PolicyType string
	Reason     string
}

func (e *PolicyRejection) Error() string {
	return fmt.Sprintf("policy %s (%s) rejected action: %s", e.PolicyID, e.PolicyType, e.Reason)
}

func (e *PolicyRejection) Unwrap() error { return ErrPolicyRejected }

// IsContention reports whether err is one of the fail-fast contention errors.
// Callers should surface these immediately rather than retrying in a loop.
func IsContention(err error) bool {
	return errors.Is(err, ErrResourceLocked) || errors.Is(err, ErrActionConflict)
}
