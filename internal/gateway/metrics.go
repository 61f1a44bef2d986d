package gateway

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	uploadsTotal   prometheus.Counter
	uploadFailures prometheus.Counter
	messagesSynced prometheus.Counter
	syncedIDs      prometheus.Gauge
	active         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_gateway_uploads_total",
			Help: "Successful collector uploads.",
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_gateway_upload_failures_total",
			Help: "Collector uploads that failed and will be retried.",
		}),
		messagesSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_gateway_messages_synced_total",
			Help: "Messages acknowledged by the collector.",
		}),
		syncedIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_gateway_synced_ids",
			Help: "Size of the persisted synced-id set.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_gateway_active",
			Help: "Whether this node currently acts as a gateway (1) or not (0).",
		}),
	}

	reg.MustRegister(
		m.uploadsTotal,
		m.uploadFailures,
		m.messagesSynced,
		m.syncedIDs,
		m.active,
	)
	return m
}

func (m *Metrics) RecordUpload(messages int) {
	if m == nil {
		return
	}
	m.uploadsTotal.Inc()
	m.messagesSynced.Add(float64(messages))
}

func (m *Metrics) RecordUploadFailure() {
	if m == nil {
		return
	}
	m.uploadFailures.Inc()
}

func (m *Metrics) SetSyncedIDs(n int) {
	if m == nil {
		return
	}
	m.syncedIDs.Set(float64(n))
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}
