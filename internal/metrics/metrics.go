// Package metrics holds the prometheus collectors shared by the engine
// components. Collectors register with the default registry on init, which
// is what the /metrics handler serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

var (
	// ActionsCreated counts accepted action records.
	// Labels: type, cause (user, receiver, health, action)
	ActionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actions",
		Name:      "created_total",
		Help:      "Actions accepted into the store",
	}, []string{"type", "cause"})

	// ActionsCompleted counts actions reaching a terminal status.
	// Labels: type, status (SUCCEEDED, FAILED, CANCELLED)
	ActionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actions",
		Name:      "completed_total",
		Help:      "Actions reaching a terminal status",
	}, []string{"type", "status"})

	// ActionDuration measures handler execution time.
	// Labels: type, outcome
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "actions",
		Name:      "handler_duration_seconds",
		Help:      "Action handler execution time in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"type", "outcome"})

	// Rejections counts requests refused before an action ran.
	// Labels: reason (resource_locked, action_conflict, policy_rejected)
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actions",
		Name:      "rejections_total",
		Help:      "Requests refused by lock, conflict or policy checks",
	}, []string{"reason"})

	// QueueDepth is the number of READY actions waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "queue_depth",
		Help:      "READY actions waiting for a worker",
	})

	// BusyWorkers is the number of workers currently executing a handler.
	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "busy_workers",
		Help:      "Workers currently executing a handler",
	})

	// LocksStolen counts stale locks reclaimed from dead engines.
	LocksStolen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "locks",
		Name:      "stolen_total",
		Help:      "Stale locks reclaimed from engines without a recent heartbeat",
	})

	// LockAcquires counts lock attempts.
	// Labels: result (granted, shared, locked, conflict)
	LockAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "locks",
		Name:      "acquires_total",
		Help:      "Lock acquisition attempts by result",
	}, []string{"result"})

	// HealthChecks counts node health evaluations.
	// Labels: cluster, result (healthy, unhealthy, error)
	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Node health evaluations by result",
	}, []string{"cluster", "result"})

	// RecoveriesRequested counts recovery actions issued by health monitors.
	// Labels: cluster, result (accepted, deferred)
	RecoveriesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "recoveries_total",
		Help:      "Recovery requests issued by health monitors",
	}, []string{"cluster", "result"})

	// LifecycleMessages counts lifecycle hook messages published.
	// Labels: result (sent, error)
	LifecycleMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "messages_total",
		Help:      "Lifecycle hook messages published",
	}, []string{"result"})

	// HTTPRequests counts API requests.
	// Labels: method, route, code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests by route and status code",
	}, []string{"method", "route", "code"})
)
