package rtpmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func TestCollectors_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, prometheus.Labels{"session": "test"})

	c.PacketsReceived.Inc()
	c.PacketsReceived.Inc()
	c.Jitter.Set(42)

	var m dto.Metric
	require := assert.New(t)
	require.NoError(c.PacketsReceived.Write(&m))
	require.Equal(float64(2), m.GetCounter().GetValue())

	m = dto.Metric{}
	require.NoError(c.Jitter.Write(&m))
	require.Equal(float64(42), m.GetGauge().GetValue())
}
