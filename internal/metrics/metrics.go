// Package metrics records render service activity.
package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Recorder is implemented by Prometheus and by a no-op recorder
type Recorder interface {
	JobStarted()
	JobFinished(outcome string, d time.Duration)
	StylesheetCache(hit bool)
}

type NoopRecorder struct{}

func (NoopRecorder) JobStarted()                       {}
func (NoopRecorder) JobFinished(string, time.Duration) {}
func (NoopRecorder) StylesheetCache(bool)              {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once        sync.Once
	inFlight    prom.Gauge
	jobs        *prom.CounterVec
	duration    *prom.HistogramVec
	stylesheets *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.inFlight = prom.NewGauge(prom.GaugeOpts{
			Namespace: "snapdoc",
			Name:      "render_jobs_in_flight",
			Help:      "Render jobs currently processed by the service",
		})
		pr.jobs = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "snapdoc",
			Name:      "render_jobs_total",
			Help:      "Render jobs by outcome",
		}, []string{"outcome"})
		pr.duration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "snapdoc",
			Name:      "render_duration_seconds",
			Help:      "Duration of render jobs",
			Buckets:   prom.ExponentialBuckets(0.1, 2, 12),
		}, []string{"outcome"})
		pr.stylesheets = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "snapdoc",
			Name:      "stylesheet_cache_total",
			Help:      "Stylesheet cache lookups by result",
		}, []string{"result"})
		reg.MustRegister(pr.inFlight, pr.jobs, pr.duration, pr.stylesheets)
	})
	return pr
}

func (p *PrometheusRecorder) JobStarted() {
	if p == nil {
		return
	}
	p.inFlight.Inc()
}

func (p *PrometheusRecorder) JobFinished(outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.inFlight.Dec()
	p.jobs.WithLabelValues(outcome).Inc()
	p.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusRecorder) StylesheetCache(hit bool) {
	if p == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.stylesheets.WithLabelValues(result).Inc()
}
