// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request path
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockpops_requests_total",
			Help: "Change requests received by kind",
		},
		[]string{"kind"},
	)

	InboxDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockpops_inbox_drops_total",
			Help: "Change requests dropped because a shard inbox was full",
		},
	)

	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockpops_commits_total",
			Help: "Requests that changed authoritative state",
		},
	)

	NoopCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockpops_noop_commits_total",
			Help: "Valid requests that matched the current state",
		},
	)

	ValidationRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockpops_validation_rejected_total",
			Help: "Requests rejected by the validation gate by field",
		},
		[]string{"field"},
	)

	UnknownIdentityTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockpops_unknown_identity_total",
			Help: "Requests dropped because no instance exists at the position",
		},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockpops_decode_errors_total",
			Help: "Malformed wire frames by error code",
		},
		[]string{"code"},
	)

	// Sync paths
	SnapshotsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockpops_snapshots_sent_total",
			Help: "Snapshots enqueued to observers by sync path",
		},
		[]string{"path"},
	)

	ForgetsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockpops_forgets_sent_total",
			Help: "Forget frames enqueued to observers by reason",
		},
		[]string{"reason"},
	)

	QueueDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockpops_observer_queue_drops_total",
			Help: "Frames not enqueued because an observer queue was full",
		},
	)

	ResyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockpops_observer_resyncs_total",
			Help: "Observer areas re-sent after a queue overflow",
		},
	)

	// Population
	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockpops_instances",
			Help: "Placed instances held by the authority",
		},
	)

	ObserversTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockpops_observers",
			Help: "Connected observer sessions",
		},
	)

	CommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockpops_commit_duration_seconds",
			Help:    "Time from request dequeue to broadcast enqueue",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(InboxDropsTotal)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(NoopCommitsTotal)
	prometheus.MustRegister(ValidationRejectedTotal)
	prometheus.MustRegister(UnknownIdentityTotal)
	prometheus.MustRegister(DecodeErrorsTotal)
	prometheus.MustRegister(SnapshotsSentTotal)
	prometheus.MustRegister(ForgetsSentTotal)
	prometheus.MustRegister(QueueDropsTotal)
	prometheus.MustRegister(ResyncsTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(ObserversTotal)
	prometheus.MustRegister(CommitLatency)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
