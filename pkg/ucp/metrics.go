package ucp

import "github.com/prometheus/client_golang/prometheus"

// Metrics is pure observability: it records counts and gauges derived from
// protocol activity but never feeds back into it (the Non-goal on congestion
// control holds regardless of what's plugged into a stream here). A nil
// *Metrics is always safe to use - every recording method nil-checks itself,
// so the engine has no hard dependency on Prometheus.
type Metrics struct {
	streamsActive        prometheus.Gauge
	packetsSent          *prometheus.CounterVec
	packetsRetransmitted *prometheus.CounterVec
	rto                  *prometheus.GaugeVec
	sendQueueDepth       *prometheus.GaugeVec
	recvQueueDepth       *prometheus.GaugeVec
}

// NewMetrics constructs and registers the stream/mux metric family on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ucp_streams_active",
			Help: "Number of streams currently tracked by the multiplexer.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucp_packets_sent_total",
			Help: "Packets emitted onto the wire, by command.",
		}, []string{"cmd"}),
		packetsRetransmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucp_packets_retransmitted_total",
			Help: "DATA/SYN/SYN_ACK packets retransmitted, by trigger.",
		}, []string{"trigger"}),
		rto: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ucp_rto_milliseconds",
			Help: "Current retransmission timeout for a stream.",
		}, []string{"session"}),
		sendQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ucp_send_queue_depth",
			Help: "Packets awaiting ACK for a stream.",
		}, []string{"session"}),
		recvQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ucp_recv_queue_depth",
			Help: "Received packets held for a stream, not yet fully read by the application.",
		}, []string{"session"}),
	}
	reg.MustRegister(m.streamsActive, m.packetsSent, m.packetsRetransmitted, m.rto, m.sendQueueDepth, m.recvQueueDepth)
	return m
}

func (m *Metrics) streamAdded() {
	if m != nil {
		m.streamsActive.Inc()
	}
}

func (m *Metrics) streamRemoved() {
	if m != nil {
		m.streamsActive.Dec()
	}
}

func (m *Metrics) sent(cmd Command) {
	if m != nil {
		m.packetsSent.WithLabelValues(cmd.String()).Inc()
	}
}

func (m *Metrics) retransmitted(trigger string) {
	if m != nil {
		m.packetsRetransmitted.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) sample(session string, rto, sendQueue, recvQueue int) {
	if m == nil {
		return
	}
	m.rto.WithLabelValues(session).Set(float64(rto))
	m.sendQueueDepth.WithLabelValues(session).Set(float64(sendQueue))
	m.recvQueueDepth.WithLabelValues(session).Set(float64(recvQueue))
}
