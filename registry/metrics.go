package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	namespacesOpen prometheus.Gauge
	recoveries     prometheus.Counter
	quarantined    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		namespacesOpen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "registry_namespaces_open",
			Help: "Number of namespaces currently held open in this process.",
		}),
		recoveries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "registry_recoveries_total",
			Help: "Number of times a namespace was recovered from on-disk segments.",
		}),
		quarantined: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "registry_segments_quarantined_total",
			Help: "Number of segment files renamed aside after failing header validation.",
		}),
	}
}
