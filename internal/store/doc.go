// Package store is the shared record store behind every conductor engine.
// Actions, locks, engine heartbeats, clusters, nodes, policy bindings and
// receivers all live in one transactional key-value keyspace so that every
// compare-and-set the orchestrator depends on is a single atomic transaction.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   lock / dispatcher / engine / api  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│               Store                 │
//	│  CreateAction   TransitionAction    │
//	│  AcquireLock    ReleaseLock         │
//	│  AttachPolicy   JoinCluster  ...    │
//	└─────────────────────────────────────┘
//	                 │
//	        ┌────────┴────────┐
//	        ▼                 ▼
//	┌──────────────┐   ┌──────────────┐
//	│ MemoryEngine │   │ BadgerEngine │
//	└──────────────┘   └──────────────┘
//
// # Keyspace
//
//	action/<id>                 action record (JSON)
//	active/<target>             id of the non-terminal action claiming target
//	lock/<resource>             lock record
//	engine/<id>                 last heartbeat of an engine process
//	cluster/<id>, node/<id>     domain records
//	policy/<id>                 policy specs
//	binding/<cluster>/<policy>  policy bindings
//	receiver/<id>, token/<tok>  receivers and their webhook token index
//
// # Invariants
//
// The active/ index is what makes "at most one non-terminal action per
// target" hold across processes: CreateAction claims it and any terminal
// TransitionAction clears it, both inside the transaction that changes the
// action. Children created by AttachChildren may target a resource already
// claimed by an ancestor; they share the ancestor's claim.
//
// A lock record exists for a resource at most once. AcquireLock is
// insert-if-absent and never waits; ReleaseLock and StealLock are
// delete-if-owner.
//
// # Engines
//
// MemoryEngine serializes transactions behind one mutex and is used for
// tests and single-process deployments. BadgerEngine uses badger's
// serializable transactions; write conflicts are retried with exponential
// backoff for a bounded time, which callers never observe except as latency.
package store
