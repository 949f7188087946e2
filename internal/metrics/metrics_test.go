package metrics_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/metrics"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	rec.JobStarted()
	rec.JobStarted()
	rec.JobFinished(metrics.OutcomeSuccess, time.Second)
	rec.StylesheetCache(true)
	rec.StylesheetCache(false)
	rec.StylesheetCache(true)

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				got[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				got[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				got[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	require.Equal(t, 1.0, got["snapdoc_render_jobs_in_flight"])
	require.Equal(t, 1.0, got["snapdoc_render_jobs_total/success"])
	require.Equal(t, 1.0, got["snapdoc_render_duration_seconds/success"])
	require.Equal(t, 2.0, got["snapdoc_stylesheet_cache_total/hit"])
	require.Equal(t, 1.0, got["snapdoc_stylesheet_cache_total/miss"])
}

func TestNilRecorder(t *testing.T) {
	t.Parallel()
	var rec *metrics.PrometheusRecorder
	require.NotPanics(t, func() {
		rec.JobStarted()
		rec.JobFinished(metrics.OutcomeFailed, time.Millisecond)
		rec.StylesheetCache(false)
	})
	var _ metrics.Recorder = metrics.NoopRecorder{}
}
