// Package health detects failed nodes and asks for their recovery.
//
// A Manager watches policy bindings and keeps one Monitor running for every
// cluster with an enabled health policy. Each Monitor polls its cluster's
// nodes on the policy's interval, through the profile driver's Status call
// or an HTTP check, and also accepts lifecycle events pushed to it. A node
// that fails the configured number of consecutive checks is tainted and a
// NODE_RECOVER action is requested. When another action holds the node the
// request is refused and retried on the next interval.
//
// Health policies suspend monitoring through the Manager while a cluster is
// shrinking, so nodes being removed on purpose are not reported as failed.
package health
