// Package cluster holds the records the orchestrator manages (clusters, nodes,
// policy specs, bindings and receivers) together with the small JSON-over-HTTP
// helpers used to talk to collaborators.
//
// # Overview
//
// A Cluster is an aggregate of homogeneous Nodes sharing a profile and a set
// of policy Bindings:
//
//	              ┌──────────────────┐
//	              │ Cluster          │
//	              │  desired/min/max │
//	              │  bindings ───────┼──► PolicySpec (scaling, deletion, health)
//	              └────────┬─────────┘
//	                       │ NodeIDs (ordered)
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│ Node idx 1│    │ Node idx 2│    │ Node idx 3│
//	│ ACTIVE    │    │ ERROR     │    │ ACTIVE    │
//	│           │    │ tainted   │    │           │
//	└───────────┘    └───────────┘    └───────────┘
//
// Records in this package are plain data. They are created and mutated only
// by action handlers running under the resource lock; nothing in the API layer
// writes membership or capacity directly.
//
// # Node Index
//
// Each member node gets a cluster-scoped index on join: the lowest positive
// integer not used by another member. The index is freed when the node leaves,
// so a cluster that loses node 2 and then grows reuses index 2.
//
// # Cooldown
//
// A Binding remembers when its policy was last enforced on the cluster.
// CooldownRemaining reports how long the pipeline must keep rejecting actions
// the policy governs.
//
// # HTTP Helpers
//
// PostJSON, GetJSON and DeleteJSON wrap a shared client with a 5s timeout.
// Non-2xx responses come back as *HTTPStatusError so callers can map 409 to a
// retryable condition. Ping is a bare liveness GET used by URL-polling health
// detection.
package cluster
