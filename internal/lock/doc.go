// Package lock implements the lock manager: exclusive, fail-fast ownership of
// a cluster or node by one in-flight action tree.
//
// Acquire never queues. A request against a locked resource, or against a
// resource that another non-terminal action already targets, returns
// action.ErrResourceLocked or action.ErrActionConflict immediately so that
// callers such as health monitors back off to their next interval instead of
// piling up retries on a busy cluster.
//
// Descendants of the lock owner that target the same resource share its
// critical section. They are granted without a second record and cannot
// release the owner's lock.
//
// Locks carry the engine id that acquired them. Engines heartbeat into the
// store; Reap steals locks from engines whose heartbeat is older than the
// staleness bound and fails the orphaned action so orchestration can resume
// on a healthy engine.
package lock
