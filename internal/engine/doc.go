// Package engine is the front door of the orchestrator.
//
// Every operation, whether it comes from the API, a webhook receiver or a
// health monitor, becomes a root action created through Engine.Request.
// Request refuses targets that are locked or already claimed by another
// action, runs the cluster's pre-op policy hooks and hands the action to
// the dispatcher. Policies, bindings and receivers are plain records
// managed directly.
//
// Run drives the long-lived parts: the dispatcher workers, engine
// heartbeats with the stale-lock reaper, and the health monitors.
package engine
