// Package metrics records run metrics in a private Prometheus registry and
// writes them in the node_exporter textfile format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the metrics of one process
type Recorder struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
	phaseDuration    *prometheus.GaugeVec
	scopeRecords     *prometheus.GaugeVec
	records          prometheus.Gauge
	bulkItemsTotal   *prometheus.CounterVec
	tombstoned       prometheus.Gauge
	scanRestarts     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	downloadedBytes  prometheus.Counter
	downloadsTotal   *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbxsync_runs_total",
				Help: "Total sync runs by outcome",
			},
			[]string{"status"},
		),
		lastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbxsync_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
		lastRunSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbxsync_last_run_success",
				Help: "1 if the last run completed without errors",
			},
		),
		phaseDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbxsync_phase_duration_seconds",
				Help: "Duration of each phase of the last run",
			},
			[]string{"phase"},
		),
		scopeRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbxsync_scope_records",
				Help: "Records listed per team folder in the last run",
			},
			[]string{"scope"},
		),
		records: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbxsync_records",
				Help: "Records listed in the last run",
			},
		),
		bulkItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbxsync_bulk_items_total",
				Help: "Bulk items written by operation and result",
			},
			[]string{"operation", "result"},
		),
		tombstoned: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbxsync_tombstoned",
				Help: "Records marked deleted by the last run",
			},
		),
		scanRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbxsync_scan_restarts_total",
				Help: "Index scans restarted after the scroll expired",
			},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbxsync_http_requests_total",
				Help: "Outbound HTTP requests by service, status code and method",
			},
			[]string{"service", "code", "method"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbxsync_http_request_duration_seconds",
				Help:    "Outbound HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		downloadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbxsync_downloaded_bytes_total",
				Help: "Bytes written by the download command",
			},
		),
		downloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbxsync_downloads_total",
				Help: "Files handled by the download command",
			},
			[]string{"result"},
		),
	}
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// InstrumentTransport wraps next so every request is counted and timed
// under service
func (r *Recorder) InstrumentTransport(service string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	labels := prometheus.Labels{"service": service}
	return promhttp.InstrumentRoundTripperCounter(r.httpRequests.MustCurryWith(labels),
		promhttp.InstrumentRoundTripperDuration(r.httpDuration.MustCurryWith(labels), next))
}

// RunFinished records the outcome of a run
func (r *Recorder) RunFinished(status string, success bool, at time.Time) {
	r.runsTotal.WithLabelValues(status).Inc()
	r.lastRunTimestamp.Set(float64(at.Unix()))
	if success {
		r.lastRunSuccess.Set(1)
	} else {
		r.lastRunSuccess.Set(0)
	}
}

// PhaseDuration records how long a phase took
func (r *Recorder) PhaseDuration(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

// ScopeRecords records how many records a scope produced
func (r *Recorder) ScopeRecords(scope string, n int) {
	r.scopeRecords.WithLabelValues(scope).Set(float64(n))
}

// Records records the total listed in a run
func (r *Recorder) Records(n int) {
	r.records.Set(float64(n))
}

// BulkItems adds bulk outcomes for operation (upsert or tombstone)
func (r *Recorder) BulkItems(operation string, succeeded, failed, missing int) {
	r.bulkItemsTotal.WithLabelValues(operation, "succeeded").Add(float64(succeeded))
	r.bulkItemsTotal.WithLabelValues(operation, "failed").Add(float64(failed))
	r.bulkItemsTotal.WithLabelValues(operation, "missing").Add(float64(missing))
}

// Tombstoned records the number of records marked deleted in a run
func (r *Recorder) Tombstoned(n int) {
	r.tombstoned.Set(float64(n))
}

// ScanRestarts adds expired-scroll restarts
func (r *Recorder) ScanRestarts(n int) {
	r.scanRestarts.Add(float64(n))
}

// Download records one file handled by the download command
func (r *Recorder) Download(result string, bytes int64) {
	r.downloadsTotal.WithLabelValues(result).Inc()
	r.downloadedBytes.Add(float64(bytes))
}

// WriteTextfile writes every metric to path for the node_exporter textfile
// collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
