package status

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetricExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OffsetBytes.WithLabelValues("default", "web-0", "nginx").Set(42)
	m.LinesEmittedTotal.WithLabelValues("default", "web-0", "nginx", "fake_output").Inc()
	m.OutputErrorsTotal.WithLabelValues("default", "web-0", "nginx", "fake_output").Inc()
	m.WorkersActive.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Contains(t, byName, "harvest_offset_bytes")
	require.Contains(t, byName, "harvest_lines_emitted_total")
	require.Contains(t, byName, "harvest_output_errors_total")
	require.Contains(t, byName, "harvest_workers_active")

	assert.Equal(t, float64(42), byName["harvest_offset_bytes"].Metric[0].GetGauge().GetValue())
	assert.Equal(t, float64(3), byName["harvest_workers_active"].Metric[0].GetGauge().GetValue())
}
