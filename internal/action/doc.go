// Package action defines the Action record, its state machine and the error
// taxonomy shared by every orchestration component.
//
// # State Machine
//
//	INIT ──► READY ──► RUNNING ──► SUCCEEDED | FAILED
//	  │        ▲          │
//	  │        │          ├──► WAITING ──────────────► SUCCEEDED | FAILED
//	  └──► WAITING        │   (parent awaiting children)
//	           │          └──► WAITING_LIFECYCLE_COMPLETION ──► READY
//	           └── deps done ──► READY
//
// CANCELLED is reachable from INIT, READY, WAITING and
// WAITING_LIFECYCLE_COMPLETION. A RUNNING action cannot be preempted; it is
// flagged with CancelRequested and finishes on its own.
//
// SUCCEEDED, FAILED and CANCELLED are terminal. CheckTransition refuses any
// attempt to leave them with ErrGraphInconsistency.
//
// # Errors
//
// ErrResourceLocked and ErrActionConflict are the fail-fast contention errors:
// they are returned synchronously to whoever asked for the action and are
// never retried inside the engine. ErrPolicyRejected (via *PolicyRejection)
// and ErrDriverFailure are recorded on the action itself as its status
// reason.
package action
