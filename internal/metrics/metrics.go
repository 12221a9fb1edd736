// Package metrics provides Prometheus metrics for the entity store, the
// outbox and the subscription manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"estatecrm/internal/localstate"
)

const namespace = "estatecrm"

// Recorder implements core.MetricsRecorder and livesync.Metrics.
type Recorder struct {
	remoteWrites     *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	snapshotDocs     *prometheus.GaugeVec
	subscriptionErrs *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	storageBytes     prometheus.Gauge
	storageCapacity  prometheus.Gauge
	persistFailures  prometheus.Counter
	jobRuns          *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		remoteWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_writes_total",
			Help:      "Remote document writes by collection and result",
		}, []string{"collection", "result"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_applied_total",
			Help:      "Subscription snapshots applied to the store",
		}, []string{"collection"}),
		snapshotDocs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_documents",
			Help:      "Documents in the last applied snapshot",
		}, []string{"collection"}),
		subscriptionErrs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Transport errors reported by subscriptions",
		}, []string{"collection"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered by kind",
		}, []string{"kind"}),
		storageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_storage_bytes",
			Help:      "Bytes used by the last persisted local snapshot",
		}),
		storageCapacity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_storage_capacity_bytes",
			Help:      "Local snapshot capacity",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_persist_failures_total",
			Help:      "Local snapshot saves that failed",
		}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Scheduled maintenance runs by job and result",
		}, []string{"job", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RemoteWrite counts one outbox write.
func (r *Recorder) RemoteWrite(collection string, err error) {
	r.remoteWrites.WithLabelValues(collection, result(err)).Inc()
}

// LocalPersist tracks snapshot size and failures.
func (r *Recorder) LocalPersist(usage localstate.Usage, err error) {
	if err != nil {
		r.persistFailures.Inc()
	}
	r.storageBytes.Set(float64(usage.UsedBytes))
	r.storageCapacity.Set(float64(usage.CapacityBytes))
}

// NotificationSent counts one delivered notification.
func (r *Recorder) NotificationSent(kind string) {
	r.notifications.WithLabelValues(kind).Inc()
}

// SnapshotApplied counts one applied subscription snapshot.
func (r *Recorder) SnapshotApplied(collection string, docs int) {
	r.snapshots.WithLabelValues(collection).Inc()
	r.snapshotDocs.WithLabelValues(collection).Set(float64(docs))
}

// SubscriptionError counts one subscription transport error.
func (r *Recorder) SubscriptionError(collection string) {
	r.subscriptionErrs.WithLabelValues(collection).Inc()
}

// JobRun counts one scheduled maintenance run.
func (r *Recorder) JobRun(job string, err error) {
	r.jobRuns.WithLabelValues(job, result(err)).Inc()
}
