// Package metrics holds the Prometheus instruments of the lifecycle service.
//
// Exposed series:
//   - tb_transitions_total{event,status}   lifecycle transitions persisted
//   - tb_order_events_total{type,status}   order stream events received
//   - tb_gateway_errors_total{op}          failed exchange calls inside transitions
//   - tb_poll_cycles_total{result}         reconciliation passes per account
//   - tb_stream_reconnects_total{stream}   stream redials after a drop
//   - tb_price_listeners                   live price listeners
//   - tb_sessions                          live exchange sessions
//   - tb_http_requests_total{method,code}  ops API requests served
//
// Instruments are registered on the default registry in init() and served at
// /metrics by the ops server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_transitions_total",
			Help: "Position lifecycle transitions persisted.",
		},
		[]string{"event", "status"},
	)

	OrderEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_order_events_total",
			Help: "Order events received from account streams.",
		},
		[]string{"type", "status"},
	)

	GatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_gateway_errors_total",
			Help: "Exchange gateway calls that failed inside a transition.",
		},
		[]string{"op"},
	)

	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_poll_cycles_total",
			Help: "Reconciliation passes split by outcome.",
		},
		[]string{"result"},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_stream_reconnects_total",
			Help: "Stream redials after a dropped connection.",
		},
		[]string{"stream"},
	)

	PriceListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tb_price_listeners",
			Help: "Price listeners currently running.",
		},
	)

	Sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tb_sessions",
			Help: "Exchange sessions currently open.",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tb_http_requests_total",
			Help: "Ops API requests by method and status code.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		Transitions,
		OrderEvents,
		GatewayErrors,
		PollCycles,
		StreamReconnects,
		PriceListeners,
		Sessions,
		HTTPRequests,
	)
}
