// Package policy implements the policy pipeline and the built-in policies.
//
// A policy is registered under a "type-version" key and rebuilt from its
// persisted spec whenever it is evaluated. Bindings attach a policy to a
// cluster with a priority, a cooldown and an enabled flag; at most one
// policy of each type may be bound to a cluster.
//
// Before an action runs, Pipeline.PreOp visits the enabled bindings that
// govern the action's type in ascending priority (ties by binding creation
// order). Each hook may approve, approve with changed inputs, or reject. A
// binding still inside its cooldown rejects without consulting its hook.
// After the action finishes, Pipeline.PostOp runs the post-op hooks and, on
// success, stamps each binding's last enforcement time.
//
// Built-ins:
//
//	conductor.policy.scaling-1.0   bounded scale-in/out counts
//	conductor.policy.deletion-1.0  victim selection and lifecycle hooks
//	conductor.policy.health-1.0    health monitor configuration
package policy
