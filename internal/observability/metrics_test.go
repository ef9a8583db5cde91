package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.PacketReceived(0)
	m.PacketReceived(0)
	m.PacketDropped(0, DropBadLength)
	m.Dispatched("text", true)
	m.Dispatched("text", false)
	m.Dispatched("text", false)
	m.SendFailed(1)
	m.SetSessions(0, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsReceived().WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped().WithLabelValues("0", DropBadLength)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches().WithLabelValues("text", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatches().WithLabelValues("text", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures().WithLabelValues("1")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Sessions().WithLabelValues("0")))
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	require.Panics(t, func() { NewMetrics(reg) })
}
