package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	helloTotal      *prometheus.CounterVec
	sessionMismatch *prometheus.CounterVec
	needSnapshot    *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	snapshotFrames  *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		helloTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replication_server_hello_total",
			Help: "Number of Hello handshakes served, by namespace.",
		}, []string{"namespace"}),
		sessionMismatch: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replication_server_session_mismatch_total",
			Help: "Number of calls rejected with NO_HELLO due to a missing or stale session token.",
		}, []string{"namespace"}),
		needSnapshot: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replication_server_need_snapshot_total",
			Help: "Number of LogEntries calls rejected because next_offset preceded the oldest retained frame.",
		}, []string{"namespace"}),
		framesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replication_server_log_entries_frames_total",
			Help: "Number of frames streamed by LogEntries, by namespace.",
		}, []string{"namespace"}),
		snapshotFrames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replication_server_snapshot_frames_total",
			Help: "Number of frames streamed by Snapshot, by namespace.",
		}, []string{"namespace"}),
	}
}
