// Package metrics defines the Prometheus instrumentation surface for the
// client, grounded on the teacher's internal/escrow/metrics.go (a flat
// struct of promauto-registered Counter/Gauge/Histogram vectors built in
// NewMetrics). Most collectors are plain (non-Vec) here since a single
// client process has one client_name and one replica; the teacher's
// per-agent label dimension collapses to none. The committer request
// counter and latency histogram keep a method label.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the client exposes.
type Metrics struct {
	CommitterRequestsTotal      *prometheus.CounterVec
	CommitterRequestDuration    *prometheus.HistogramVec
	CommitterNacks              prometheus.Counter
	CommitterBroadcastsReceived prometheus.Counter
	CommitterReconnects         prometheus.Counter

	EpochRoundsTotal      prometheus.Counter
	EpochStaleSkips       prometheus.Counter
	EpochDeadlockRecovers prometheus.Counter
	EpochCurrentID        prometheus.Gauge
	AggregationPeers      prometheus.Gauge
	AggregationDuration   prometheus.Histogram
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across test cases in the same binary.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommitterRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "defl_committer_requests_total",
			Help: "Total number of client requests transmitted to the replica, by method.",
		}, []string{"method"}),
		CommitterRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defl_committer_request_duration_seconds",
			Help:    "Latency of the send-plus-ack transmit round trip to the replica, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		CommitterNacks: f.NewCounter(prometheus.CounterOpts{
			Name: "defl_committer_nacks_total",
			Help: "Total number of requests the replica failed to acknowledge.",
		}),
		CommitterBroadcastsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "defl_committer_broadcasts_received_total",
			Help: "Total number of WeightsResponse broadcasts received on the passive stream.",
		}),
		CommitterReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "defl_committer_reconnects_total",
			Help: "Total number of ClearSession calls that redialed both outbound streams.",
		}),
		EpochRoundsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "defl_epoch_rounds_total",
			Help: "Total number of epoch-loop rounds completed.",
		}),
		EpochStaleSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "defl_epoch_stale_skips_total",
			Help: "Total number of rounds skipped because the fetched epoch id did not advance.",
		}),
		EpochDeadlockRecovers: f.NewCounter(prometheus.CounterOpts{
			Name: "defl_epoch_deadlock_recovers_total",
			Help: "Total number of rounds abandoned with a ClearSession recovery (deadlock-guard timeout or committer failure).",
		}),
		EpochCurrentID: f.NewGauge(prometheus.GaugeOpts{
			Name: "defl_epoch_current_id",
			Help: "The most recently confirmed epoch id.",
		}),
		AggregationPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "defl_aggregation_peers",
			Help: "Number of peer bundles folded into the most recent aggregation.",
		}),
		AggregationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "defl_aggregation_duration_seconds",
			Help:    "Wall-clock time spent running the configured aggregation rule.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
