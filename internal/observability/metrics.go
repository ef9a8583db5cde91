package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gtserver"

// Drop reasons reported on gtserver_packets_dropped_total.
const (
	DropBadLength      = "bad_length"
	DropMalformed      = "malformed"
	DropUnknownSession = "unknown_session"
	DropUnrecognized   = "unrecognized"
)

// Metrics holds the Prometheus collectors for the network core.
type Metrics struct {
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
	sendFailures    *prometheus.CounterVec
	handlerPanics   *prometheus.CounterVec
}

// NewMetrics registers the network core collectors on reg.
//
// Precondition: reg must be non-nil and must not already hold these collectors.
// Postcondition: Returns a Metrics whose collectors are registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Total number of payloads received from peers",
		}, []string{"instance"}),

		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Total number of payloads dropped before dispatch",
		}, []string{"instance", "reason"}),

		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_total",
			Help:      "Total number of event dispatches by class and result",
		}, []string{"class", "result"}),

		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Number of live sessions per instance",
		}, []string{"instance"}),

		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed transport sends",
		}, []string{"instance"}),

		handlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_panics_total",
			Help:      "Total number of event handlers that panicked",
		}, []string{"class"}),
	}
}

func instanceLabel(id uint8) string {
	return strconv.Itoa(int(id))
}

// PacketReceived counts one inbound payload on instance id.
func (m *Metrics) PacketReceived(id uint8) {
	m.packetsReceived.WithLabelValues(instanceLabel(id)).Inc()
}

// PacketDropped counts one payload dropped on instance id for reason.
func (m *Metrics) PacketDropped(id uint8, reason string) {
	m.packetsDropped.WithLabelValues(instanceLabel(id), reason).Inc()
}

// Dispatched counts one dispatch for class; hit reports whether a handler ran.
func (m *Metrics) Dispatched(class string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.dispatches.WithLabelValues(class, result).Inc()
}

// SetSessions publishes the live session count of instance id.
func (m *Metrics) SetSessions(id uint8, n int) {
	m.sessions.WithLabelValues(instanceLabel(id)).Set(float64(n))
}

// SendFailed counts one failed send on instance id.
func (m *Metrics) SendFailed(id uint8) {
	m.sendFailures.WithLabelValues(instanceLabel(id)).Inc()
}

// HandlerPanicked counts one recovered handler panic for class.
func (m *Metrics) HandlerPanicked(class string) {
	m.handlerPanics.WithLabelValues(class).Inc()
}

// PacketsDropped returns the collector for tests and admin views.
func (m *Metrics) PacketsDropped() *prometheus.CounterVec { return m.packetsDropped }

// PacketsReceived returns the collector for tests and admin views.
func (m *Metrics) PacketsReceived() *prometheus.CounterVec { return m.packetsReceived }

// Dispatches returns the collector for tests and admin views.
func (m *Metrics) Dispatches() *prometheus.CounterVec { return m.dispatches }

// Sessions returns the collector for tests and admin views.
func (m *Metrics) Sessions() *prometheus.GaugeVec { return m.sessions }

// SendFailures returns the collector for tests and admin views.
func (m *Metrics) SendFailures() *prometheus.CounterVec { return m.sendFailures }

// HandlerPanics returns the collector for tests and admin views.
func (m *Metrics) HandlerPanics() *prometheus.CounterVec { return m.handlerPanics }
