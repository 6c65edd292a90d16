package simulation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts traffic through simulated transports, labelled by transport
// name and target peer.
type Metrics struct {
	RequestsSent    *prometheus.CounterVec
	RequestsTaken   *prometheus.CounterVec
	RequestTimeouts *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	labels := []string{"rpc", "peer"}

	m := &Metrics{
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "miniraft",
			Subsystem: "simulated_rpc",
			Name:      "requests_sent_total",
			Help:      "Requests enqueued for a peer",
		}, labels),
		RequestsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "miniraft",
			Subsystem: "simulated_rpc",
			Name:      "requests_taken_total",
			Help:      "Requests delivered to a peer",
		}, labels),
		RequestTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "miniraft",
			Subsystem: "simulated_rpc",
			Name:      "request_timeouts_total",
			Help:      "Requests whose sender stopped waiting for a reply",
		}, labels),
	}

	if reg != nil {
		reg.MustRegister(m.RequestsSent, m.RequestsTaken, m.RequestTimeouts)
	}

	return m
}

func (m *Metrics) sent(rpc, peer string) {
	if m != nil {
		m.RequestsSent.WithLabelValues(rpc, peer).Inc()
	}
}

func (m *Metrics) taken(rpc, peer string) {
	if m != nil {
		m.RequestsTaken.WithLabelValues(rpc, peer).Inc()
	}
}

func (m *Metrics) timeout(rpc, peer string) {
	if m != nil {
		m.RequestTimeouts.WithLabelValues(rpc, peer).Inc()
	}
}
