package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	r := m.NewRecorder()
	r.PacketSent(100)
	r.PacketSent(50)
	r.PacketReceived(70)
	r.Drop()
	r.ParitySent(3)
	r.Recovered(2)
	r.Lost(1)
	r.Retransmit()
	r.RTT(20 * time.Millisecond)
	r.Link(1234, 0.1)
	r.Opened()

	snap := r.Snapshot()
	require.Equal(t, uint64(2), snap.PacketsSent)
	require.Equal(t, uint64(150), snap.BytesSent)
	require.Equal(t, uint64(1), snap.PacketsReceived)
	require.Equal(t, uint64(70), snap.BytesReceived)
	require.Equal(t, uint64(1), snap.Drops)
	require.Equal(t, uint64(3), snap.ParitySent)
	require.Equal(t, uint64(2), snap.FECRecovered)
	require.Equal(t, uint64(1), snap.FECLost)
	require.Equal(t, uint64(1), snap.Retransmits)

	require.Equal(t, 150.0, testutil.ToFloat64(m.BytesSent))
	require.Equal(t, 1234.0, testutil.ToFloat64(m.SendRate))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	r.Closed()
	require.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestNewMetricsReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(reg)
	require.NoError(t, err)
	b, err := NewMetrics(reg)
	require.NoError(t, err)

	a.NewRecorder().PacketSent(10)
	require.Equal(t, 10.0, testutil.ToFloat64(b.BytesSent))
}

func TestNilMetricsRecorder(t *testing.T) {
	var m *Metrics
	r := m.NewRecorder()
	r.PacketSent(1)
	r.Link(1, 1)
	r.Opened()
	r.Closed()
	require.Equal(t, uint64(1), r.Snapshot().PacketsSent)
}
