package metrics

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/destination"
)

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestConnectionGauges(t *testing.T) {
	c := New()

	c.ConnectionOpened("rw")
	c.ConnectionOpened("rw")
	c.ConnectionClosed("rw")

	val := gaugeValue(c.connectionsActive.WithLabelValues("rw"))
	assert.Equal(t, 1.0, val)
}

func TestUpdatePoolStats(t *testing.T) {
	c := New()

	c.UpdatePoolStats(3, 2, 5)
	assert.Equal(t, 3.0, gaugeValue(c.pooledConnections))
	assert.Equal(t, 2.0, gaugeValue(c.stashedConnections))
	assert.Equal(t, 5.0, counterValue(c.reusedConnections))

	// gauges replace, the counter accumulates deltas
	c.UpdatePoolStats(1, 0, 2)
	assert.Equal(t, 1.0, gaugeValue(c.pooledConnections))
	assert.Equal(t, 7.0, counterValue(c.reusedConnections))
}

func TestConnectDurationHistogram(t *testing.T) {
	c := New()

	c.ConnectDuration("rw", 10*time.Millisecond)
	c.ConnectDuration("rw", 20*time.Millisecond)

	families, err := c.Registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "mysqlgate_connect_duration_seconds" {
			found = true
			m := f.GetMetric()
			require.NotEmpty(t, m)
			assert.Equal(t, uint64(2), m[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found)
}

func TestConnectErrorsByKind(t *testing.T) {
	c := New()

	c.ConnectError("rw", ErrorKind(destination.ErrNoDestinations))
	c.ConnectError("rw", ErrorKind(destination.ErrNoDestinations))
	c.ConnectError("rw", ErrorKind(syscall.ECONNREFUSED))

	val := counterValue(c.connectErrors.WithLabelValues("rw", "no_destinations"))
	assert.Equal(t, 2.0, val)
	val = counterValue(c.connectErrors.WithLabelValues("rw", "connect_failed"))
	assert.Equal(t, 1.0, val)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "no_destinations", ErrorKind(destination.ErrNoDestinations))
	assert.Equal(t, "quarantined", ErrorKind(destination.ErrQuarantined))
	assert.Equal(t, "ignored", ErrorKind(destination.ErrIgnored))
	assert.Equal(t, "sticky_mismatch", ErrorKind(destination.ErrStickyMismatch))
	assert.Equal(t, "canceled", ErrorKind(destination.ErrCanceled))
	assert.Equal(t, "connect_failed", ErrorKind(errors.New("boom")))
}

func TestGuidelineUpdateCounter(t *testing.T) {
	c := New()

	c.GuidelineUpdate(true)
	c.GuidelineUpdate(false)
	c.GuidelineUpdate(false)

	assert.Equal(t, 1.0, counterValue(c.guidelineUpdates.WithLabelValues("ok")))
	assert.Equal(t, 2.0, counterValue(c.guidelineUpdates.WithLabelValues("error")))
}

func TestQuarantineGauge(t *testing.T) {
	c := New()
	c.SetQuarantineSize(3)
	assert.Equal(t, 3.0, gaugeValue(c.quarantinedDestinations))
}

func TestIndependentRegistries(t *testing.T) {
	// New never touches the global registry, so repeated construction is
	// safe
	a := New()
	b := New()
	a.ConnectionOpened("rw")
	assert.Equal(t, 0.0, gaugeValue(b.connectionsActive.WithLabelValues("rw")))
}
