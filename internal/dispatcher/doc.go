// Package dispatcher executes actions.
//
// READY actions are pulled from an in-memory queue ordered by creation time
// and priority, and run on a fixed pool of workers. Before a handler runs,
// the worker takes the resource lock and moves the action to RUNNING; when
// it ends, the worker records the terminal status, releases the lock and
// re-evaluates the parent.
//
// Cluster actions never touch drivers. Their handler asks the graph
// resolver for node-level children and parks the parent in WAITING; the
// parent completes when the last child does. Node deletions governed by a
// lifecycle hook publish a notification and park in
// WAITING_LIFECYCLE_COMPLETION until Resume is called or the deadline
// fires.
//
// The store is the source of truth. A periodic sweep re-queues READY
// actions, re-evaluates WAITING parents and re-arms deadlines, so a restart
// picks up where the previous process left off.
package dispatcher
