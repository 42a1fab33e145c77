package adapter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the operational metrics of the plugin.
type metrics struct {
	documentOperations *prometheus.CounterVec
	documentErrors     *prometheus.CounterVec
	fetchAttempts      prometheus.Counter
	fetchFailures      *prometheus.CounterVec
	fetchDuration      prometheus.Histogram
	lastSuccess        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		documentOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csp_local_document_operations_total",
			Help: "Document operations served, by document and operation.",
		}, []string{"document", "operation"}),
		documentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csp_local_document_errors_total",
			Help: "Document operations that returned an error.",
		}, []string{"document"}),
		fetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csp_local_usage_fetch_attempts_total",
			Help: "HTTP requests made to the usage API, retries included.",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csp_local_usage_fetch_failures_total",
			Help: "Usage fetches that failed, by reason.",
		}, []string{"reason"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csp_local_usage_fetch_duration_seconds",
			Help:    "Duration of usage fetches, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csp_local_usage_last_success_timestamp_seconds",
			Help: "Unix time of the last successful usage fetch.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.documentOperations,
		m.documentErrors,
		m.fetchAttempts,
		m.fetchFailures,
		m.fetchDuration,
		m.lastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}
