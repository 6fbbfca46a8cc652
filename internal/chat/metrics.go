package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus instruments.
type Metrics struct {
	Connections prometheus.Gauge
	Present     prometheus.Gauge
	Frames      *prometheus.CounterVec
	Dropped     prometheus.Counter
	Pruned      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pelusa",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		Present: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pelusa",
			Subsystem: "relay",
			Name:      "presence_users",
			Help:      "Connections that announced presence.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pelusa",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Inbound frames handled, by type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pelusa",
			Subsystem: "relay",
			Name:      "dropped_sends_total",
			Help:      "Frames not queued because a client's send buffer was full.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pelusa",
			Subsystem: "relay",
			Name:      "pruned_total",
			Help:      "Presence entries removed by the TTL sweep.",
		}),
	}
	reg.MustRegister(m.Connections, m.Present, m.Frames, m.Dropped, m.Pruned)
	return m
}
