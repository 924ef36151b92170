// Package metrics exposes the charge point's Prometheus gauges and
// counters. Promauto registers everything against the default registry on
// first use, so importing this package anywhere is enough to wire a metric
// in; internal/bootstrap only needs to start the HTTP handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebsocketConnected reports 1 while the OCPP-J websocket to the CSMS
	// is open, 0 otherwise.
	WebsocketConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_websocket_connected",
		Help: "Whether the charge point currently has an open websocket to the CSMS (1) or not (0).",
	})

	// CallsSent counts outbound Call frames, labeled by action.
	CallsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_calls_sent_total",
		Help: "Total number of Call messages sent to the CSMS.",
	}, []string{"action"})

	// CallsReceived counts inbound Call frames, labeled by action.
	CallsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_calls_received_total",
		Help: "Total number of Call messages received from the CSMS.",
	}, []string{"action"})

	// CallErrors counts CallError responses received for our own outbound
	// calls, labeled by action and error code.
	CallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_call_errors_total",
		Help: "Total number of CallError responses received for outbound calls.",
	}, []string{"action", "error_code"})

	// CallDuration observes the round-trip time of an outbound call from
	// send to CallResult/CallError, labeled by action.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocpp_call_duration_seconds",
		Help:    "Round-trip duration of outbound OCPP calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// ConnectorStatus mirrors each connector's current ChargePointStatus as
	// a gauge set (1 for the active status, 0 otherwise), labeled by
	// connector id and status.
	ConnectorStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocpp_connector_status",
		Help: "1 if the connector currently reports this status, 0 otherwise.",
	}, []string{"connector_id", "status"})

	// TransactionPipelineDepth tracks how many transaction-related events
	// (Start/MeterValues/Stop) are queued for delivery to the CSMS.
	TransactionPipelineDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_transaction_pipeline_depth",
		Help: "Number of durable transaction events not yet acknowledged by the CSMS.",
	})

	// AuthCacheSize tracks the current entry count of the authorization
	// cache (C7).
	AuthCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_auth_cache_size",
		Help: "Current number of entries in the authorization cache.",
	})
)
