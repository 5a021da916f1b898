package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	boom := errors.New("boom")
	require.NoError(t, metrics.Track("billing:integrity-check").End(nil))
	require.ErrorIs(t, metrics.Track("billing:integrity-check").End(boom), boom)

	values := gathered(t, reg)
	assert.Equal(t, 2.0, values["fishtrade_jobs_total"])
	assert.Equal(t, 1.0, values["fishtrade_jobs_failures_total"])
	assert.Equal(t, 2.0, values["fishtrade_job_duration_seconds"])
}

func TestViolationsAndWarmedParties(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.AddViolations("sales", 2)
	metrics.AddViolations("purchase", 0)
	metrics.SetWarmedParties(7)

	values := gathered(t, reg)
	assert.Equal(t, 2.0, values["fishtrade_billing_integrity_violations_total"])
	assert.Equal(t, 7.0, values["fishtrade_outstanding_warmed_parties"])
}

func TestNilMetricsAreNoops(t *testing.T) {
	var metrics *Metrics
	metrics.AddViolations("sales", 1)
	metrics.SetWarmedParties(1)
	require.NoError(t, metrics.Track("x").End(nil))
}
