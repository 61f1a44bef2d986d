package mesh

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	framesReceived   prometheus.Counter
	framesForwarded  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	messagesAdmitted *prometheus.CounterVec
	connectedPeers   prometheus.Gauge
	knownDevices     prometheus.Gauge
	knownGateways    prometheus.Gauge
	pendingReceipts  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_mesh_frames_received_total",
			Help: "Frames delivered by the link layer.",
		}),
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_mesh_frames_forwarded_total",
			Help: "Relay transmissions to connected peers.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeon_mesh_frames_dropped_total",
			Help: "Frames dropped before forwarding, by reason.",
		}, []string{"reason"}),
		messagesAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeon_mesh_messages_admitted_total",
			Help: "Messages admitted to the local store, by type.",
		}, []string{"type"}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_mesh_connected_peers",
			Help: "Current link sessions.",
		}),
		knownDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_mesh_known_devices",
			Help: "Devices observed in the topology table.",
		}),
		knownGateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_mesh_known_gateways",
			Help: "Non-stale gateways currently advertised.",
		}),
		pendingReceipts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_mesh_pending_receipts",
			Help: "Direct messages awaiting a delivery receipt.",
		}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.framesForwarded,
		m.framesDropped,
		m.messagesAdmitted,
		m.connectedPeers,
		m.knownDevices,
		m.knownGateways,
		m.pendingReceipts,
	)
	return m
}

func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) RecordForward() {
	if m == nil {
		return
	}
	m.framesForwarded.Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAdmitted(msgType string) {
	if m == nil {
		return
	}
	m.messagesAdmitted.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SetConnectedPeers(n int) {
	if m == nil {
		return
	}
	m.connectedPeers.Set(float64(n))
}

func (m *Metrics) SetTopologySizes(devices, gateways int) {
	if m == nil {
		return
	}
	m.knownDevices.Set(float64(devices))
	m.knownGateways.Set(float64(gateways))
}

func (m *Metrics) SetPendingReceipts(n int) {
	if m == nil {
		return
	}
	m.pendingReceipts.Set(float64(n))
}
