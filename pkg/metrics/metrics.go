package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CachesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_caches_total",
			Help: "Total number of configured caches by access mode",
		},
		[]string{"access"},
	)

	StorePathsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stash_store_paths_total",
			Help: "Total number of archived store paths by cache",
		},
		[]string{"cache"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_uploads_total",
			Help: "Total number of uploads by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stash_upload_duration_seconds",
			Help:    "Time taken to complete an upload, from begin to finalize",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	NarinfoRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_narinfo_requests_total",
			Help: "Total number of narinfo lookups by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	GCRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_gc_removed_total",
			Help: "Total number of archive files removed by the GC sweep, by cache",
		},
		[]string{"cache"},
	)

	AgentsConnectedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stash_agents_connected",
			Help: "Number of agents currently holding an open channel",
		},
	)

	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_deployments_total",
			Help: "Total number of deployments dispatched by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stash_deployment_duration_seconds",
			Help:    "Time from deployment dispatch to terminal status",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_api_requests_total",
			Help: "Total number of management endpoint requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stash_api_request_duration_seconds",
			Help:    "Management endpoint request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		CachesTotal,
		StorePathsTotal,
		UploadsTotal,
		UploadDuration,
		NarinfoRequestsTotal,
		GCRemovedTotal,
		AgentsConnectedTotal,
		DeploymentsTotal,
		DeploymentDuration,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
