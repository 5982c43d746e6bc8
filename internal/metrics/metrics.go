// Package metrics holds the Prometheus collectors shared by the Brenda core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FlowsSelected counts inbound messages by the flow that handled them.
	FlowsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brenda_flow_selected_total",
		Help: "Inbound messages by selected flow",
	}, []string{"flow"})

	// ValidationVerdicts counts validator verdicts by candidate source.
	ValidationVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brenda_validation_verdicts_total",
		Help: "Response validator verdicts by source and verdict",
	}, []string{"source", "verdict"})

	// OrchestratorOutcomes counts converse results; "ok" or an error kind.
	OrchestratorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brenda_orchestrator_outcomes_total",
		Help: "Thread orchestrator outcomes by kind",
	}, []string{"outcome"})

	// RunDuration tracks wall time of a converse call.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brenda_orchestrator_run_duration_seconds",
		Help:    "Thread orchestrator converse duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 250ms to ~64s
	})

	// ClassifierCategories counts resolved intent categories.
	ClassifierCategories = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brenda_classifier_categories_total",
		Help: "Resolved intent categories",
	}, []string{"category"})

	// InboundMessages counts dispatcher outcomes per inbound message.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brenda_inbound_messages_total",
		Help: "Inbound messages by dispatch result",
	}, []string{"result"})

	// OutboundMessages counts delivery attempts by result.
	OutboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brenda_outbound_messages_total",
		Help: "Outbound message deliveries by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
