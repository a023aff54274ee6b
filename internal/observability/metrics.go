package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared across the receiver,
// working, and delivery binaries. Each registers the same struct against
// its own registry and only touches the fields relevant to its role, so
// a dashboard built against one namespace works for all three.
type Metrics struct {
	// Receiver: connection and command counters for the SMTP front end.
	ConnectionsTotal  *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	TransactionsTotal *prometheus.CounterVec

	// Working: broker dispatch counters for the asynq-backed fan-out.
	DispatchedTotal  *prometheus.CounterVec
	DispatchInFlight prometheus.Gauge
	DispatchDuration *prometheus.HistogramVec

	// Delivery: attempt, circuit-breaker, and DSN counters for outbound
	// transport.
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryDuration      prometheus.Histogram
	CircuitBreakerState   *prometheus.GaugeVec
	DSNsGeneratedTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers every collector against reg. Binaries
// that don't exercise a given category simply never touch its fields;
// registering them unconditionally keeps /metrics output stable across
// all three roles.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Receiver
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymta",
			Subsystem: "receiver",
			Name:      "connections_total",
			Help:      "Total inbound SMTP connections accepted, by listener kind.",
		}, []string{"listener", "result"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymta",
			Subsystem: "receiver",
			Name:      "commands_total",
			Help:      "Total SMTP commands processed, by verb and reply code class.",
		}, []string{"verb", "code_class"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymta",
			Subsystem: "receiver",
			Name:      "sessions_active",
			Help:      "Number of SMTP sessions currently open.",
		}),
		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymta",
			Subsystem: "receiver",
			Name:      "transactions_total",
			Help:      "Total mail transactions completed, by final stage reached.",
		}, []string{"stage", "result"}),

		// Working
		DispatchedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymta",
			Subsystem: "working",
			Name:      "dispatched_total",
			Help:      "Total messages dispatched onto the broker topology, by route.",
		}, []string{"route", "result"}),
		DispatchInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymta",
			Subsystem: "working",
			Name:      "dispatch_in_flight",
			Help:      "Number of dispatch tasks currently being processed.",
		}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaymta",
			Subsystem: "working",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent routing a message onto its delivery queue.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),

		// Delivery
		DeliveryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymta",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Total outbound delivery attempts, by transport and result.",
		}, []string{"transport", "result"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymta",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time to complete a single outbound delivery attempt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaymta",
			Subsystem: "delivery",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per destination MX (0=closed, 1=open, 2=half-open).",
		}, []string{"mx_host"}),
		DSNsGeneratedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymta",
			Subsystem: "delivery",
			Name:      "dsns_generated_total",
			Help:      "Total delivery status notifications generated, by action.",
		}, []string{"action"}),
	}
}
