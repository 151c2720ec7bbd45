// Package metrics holds the Prometheus instrumentation of model pulls.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const subsystem = "model_store"

// Pull outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics is the set of collectors updated by the pull pipeline.
type Metrics struct {
	registry         *prometheus.Registry
	pullsTotal       *prometheus.CounterVec
	pullDuration     prometheus.Histogram
	bytesTotal       prometheus.Counter
	dedupHitsTotal   prometheus.Counter
	dedupBytesTotal  prometheus.Counter
	retriesTotal     prometheus.Counter
	httpRequestTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pullsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "pulls_total",
				Help:      "Model pulls by transport and outcome",
			},
			[]string{"transport", "outcome"},
		),
		pullDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      "pull_duration_seconds",
				Help:      "Wall time of model pulls",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
			},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "downloaded_bytes_total",
				Help:      "Bytes transferred from remotes",
			},
		),
		dedupHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "dedup_hits_total",
				Help:      "Remote objects satisfied by blobs already in the pool",
			},
		),
		dedupBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "dedup_skipped_bytes_total",
				Help:      "Bytes not downloaded because their blob was already present",
			},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "fetch_retries_total",
				Help:      "Download attempts retried after a transient failure",
			},
		),
		httpRequestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "HTTP requests issued to remotes by status code and method",
			},
			[]string{"code", "method"},
		),
	}
	m.registry.MustRegister(
		m.pullsTotal,
		m.pullDuration,
		m.bytesTotal,
		m.dedupHitsTotal,
		m.dedupBytesTotal,
		m.retriesTotal,
		m.httpRequestTotal,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PullFinished records the outcome and duration of one pull.
func (m *Metrics) PullFinished(transport, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.pullsTotal.WithLabelValues(transport, outcome).Inc()
	m.pullDuration.Observe(time.Since(start).Seconds())
}

// BytesDownloaded adds n transferred bytes.
func (m *Metrics) BytesDownloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.Add(float64(n))
}

// DedupHit records an object whose blob was already present.
func (m *Metrics) DedupHit(size int64) {
	if m == nil {
		return
	}
	m.dedupHitsTotal.Inc()
	if size > 0 {
		m.dedupBytesTotal.Add(float64(size))
	}
}

// Retry records one retried download attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// InstrumentRoundTripper counts the responses obtained through next.
func (m *Metrics) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		return next
	}
	return promhttp.InstrumentRoundTripperCounter(m.httpRequestTotal, next)
}

// WriteText writes every family gathered from g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	if g == nil {
		return nil
	}
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	sortFamilies(families)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func sortFamilies(families []*dto.MetricFamily) {
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
}
