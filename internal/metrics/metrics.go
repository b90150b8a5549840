// Package metrics exposes Prometheus instrumentation for a meshring node:
// connection/frame counters, call and gossip-round latency histograms, and
// lock/semaphore grant/deny counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshring_connections_total",
		Help: "Total outbound connections established.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshring_connections_active",
		Help: "Current number of open sinks.",
	})
	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshring_connections_failed_total",
		Help: "Total failed connection attempts.",
	})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshring_frames_sent_total",
		Help: "Total frames sent to peers.",
	})
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshring_frames_received_total",
		Help: "Total frames received from peers.",
	})
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshring_frames_dropped_total",
		Help: "Total frames dropped, by skip kind.",
	}, []string{"kind"})

	CallLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshring_call_latency_seconds",
		Help:    "Kernel Call round-trip latency.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	GossipRoundSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshring_gossip_round_seconds",
		Help:    "Wall-clock time of one gossip poll round.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
	})

	LockGrantsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshring_lock_grants_total",
		Help: "Total lock grants, by kind (read/write).",
	}, []string{"kind"})
	LockDeniesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshring_lock_denies_total",
		Help: "Total lock denials (quorum failure), by kind.",
	}, []string{"kind"})

	SemaphoreOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshring_semaphore_occupancy",
		Help: "Current active holders per semaphore id.",
	}, []string{"id"})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshring_cpu_usage_percent",
		Help: "Sampled system-wide CPU usage percentage.",
	})
	RSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshring_rss_bytes",
		Help: "Sampled process resident set size in bytes.",
	})
	AdmissionRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshring_admission_rejections_total",
		Help: "Total inbound connections rejected by the CPU admission guard.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsFailed,
		FramesSent, FramesReceived, FramesDropped,
		CallLatencySeconds, GossipRoundSeconds,
		LockGrantsTotal, LockDeniesTotal,
		SemaphoreOccupancy,
		CPUUsagePercent, RSSBytes, AdmissionRejectionsTotal,
	)
}

// Handler returns the http.Handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
