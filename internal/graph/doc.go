// Package graph turns one requested cluster operation into a tree of
// per-node actions and folds the children's results back into the parent.
//
// Expansion only ever adds edges from a parent to children it creates, so a
// freshly expanded plan is acyclic by construction. Validate checks it
// anyway before anything is persisted; a violation is reported as
// action.ErrGraphInconsistency and fails the tree.
//
//	CLUSTER_SCALE_OUT ──┬── NODE_CREATE
//	                    ├── NODE_CREATE
//	                    └── NODE_CREATE
//
// Node removals take their victims from the candidates a deletion policy
// recorded on the parent. Without a policy the resolver's default criteria
// applies, OLDEST_FIRST unless configured otherwise.
//
// Aggregation is all-or-nothing unless best-effort applies: CLUSTER_RECOVER
// and CLUSTER_CHECK declare it, and any request may opt in with the
// best_effort input. A partial success is always flagged in the outputs.
package graph
