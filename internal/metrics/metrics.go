package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingCallsGauge tracks the current depth of the pending-calls queue
	PendingCallsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pywren",
		Name:      "invoker_pending_calls",
		Help:      "Current number of calls queued and waiting for a dispatch token",
	})

	// OngoingActivationsGauge tracks the job runner's ongoing-activations count (direct-burst increments minus drained stale tokens)
	OngoingActivationsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pywren",
		Name:      "invoker_ongoing_activations",
		Help:      "Activations accounted against the workers cap by the job runner",
	})

	// InvocationsCounter tracks invocations accepted by the compute backend
	InvocationsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pywren",
		Name:      "invoker_invocations_total",
		Help:      "Total invocations that returned a non-empty activation id",
	})

	// ReenqueuedCounter tracks calls re-enqueued after a transient dispatch failure (empty activation id)
	ReenqueuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pywren",
		Name:      "invoker_reenqueued_total",
		Help:      "Total calls re-enqueued after the backend returned no activation id",
	})

	// TokensProducedCounter tracks completion tokens produced by the watchers
	TokensProducedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pywren",
		Name:      "invoker_tokens_produced_total",
		Help:      "Total dispatch tokens produced from call-completion signals",
	})

	// DirectInvocationsCounter tracks calls dispatched by the direct burst
	DirectInvocationsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pywren",
		Name:      "invoker_direct_invocations_total",
		Help:      "Total calls dispatched synchronously at job start",
	})

	// WatcherFailuresCounter tracks completion-watcher I/O failures
	WatcherFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pywren",
		Name:      "invoker_watcher_failures_total",
		Help:      "Total job status watcher failures (poll errors, broker errors)",
	})

	// CallsFailedCounter tracks calls surfaced to their futures as errors
	CallsFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pywren",
		Name:      "invoker_calls_failed_total",
		Help:      "Total calls whose future resolved with an error",
	})
)
