// Package stats counts what sessions do, per session and as Prometheus metrics.
package stats

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "veil"

// Metrics holds the Prometheus collectors shared by every session of a
// listener or dialer. A nil *Metrics records nothing.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Drops           prometheus.Counter

	ParitySent   prometheus.Counter
	FECRecovered prometheus.Counter
	FECLost      prometheus.Counter
	Retransmits  prometheus.Counter

	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter
	ActiveSessions prometheus.Gauge

	SendRate prometheus.Gauge
	Loss     prometheus.Gauge
	RTT      prometheus.Histogram
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by an earlier call are reused. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PacketsSent:     counter("packets_sent_total", "Wire packets sent"),
		PacketsReceived: counter("packets_received_total", "Wire packets accepted"),
		BytesSent:       counter("bytes_sent_total", "Wire bytes sent"),
		BytesReceived:   counter("bytes_received_total", "Wire bytes accepted"),
		Drops:           counter("packets_dropped_total", "Packets dropped by authentication, replay or decoding checks"),
		ParitySent:      counter("fec_parity_sent_total", "FEC parity frames sent"),
		FECRecovered:    counter("fec_recovered_total", "Data frames rebuilt from parity"),
		FECLost:         counter("fec_lost_total", "Data frames abandoned when their batch expired"),
		Retransmits:     counter("stream_retransmits_total", "Stream segments sent again"),
		SessionsOpened:  counter("sessions_opened_total", "Sessions established"),
		SessionsClosed:  counter("sessions_closed_total", "Sessions torn down"),
		ActiveSessions:  gauge("sessions_active", "Sessions currently established"),
		SendRate:        gauge("send_rate_packets", "Most recent pacing rate in packets per second"),
		Loss:            gauge("loss_ratio", "Most recent smoothed loss estimate"),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time samples",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []*prometheus.Counter{&m.PacketsSent, &m.PacketsReceived, &m.BytesSent, &m.BytesReceived, &m.Drops,
		&m.ParitySent, &m.FECRecovered, &m.FECLost, &m.Retransmits, &m.SessionsOpened, &m.SessionsClosed} {
		if err := register(reg, c); err != nil {
			return nil, err
		}
	}
	for _, g := range []*prometheus.Gauge{&m.ActiveSessions, &m.SendRate, &m.Loss} {
		if err := register(reg, g); err != nil {
			return nil, err
		}
	}
	if err := register(reg, &m.RTT); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers *c, or swaps in the collector already registered under the same name.
func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			*c = existing
			return nil
		}
	}
	return err
}

// Snapshot is a point-in-time copy of one session's counters.
type Snapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Drops           uint64
	ParitySent      uint64
	FECRecovered    uint64
	FECLost         uint64
	Retransmits     uint64

	SendRate float64
	Loss     float64
	SRTT     time.Duration
}

// Recorder counts the events of one session and forwards them to the shared Metrics.
type Recorder struct {
	m *Metrics

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	drops           atomic.Uint64
	paritySent      atomic.Uint64
	fecRecovered    atomic.Uint64
	fecLost         atomic.Uint64
	retransmits     atomic.Uint64
}

// NewRecorder returns a recorder feeding m, which may be nil.
func (m *Metrics) NewRecorder() *Recorder {
	return &Recorder{m: m}
}

func (r *Recorder) PacketSent(n int) {
	r.packetsSent.Add(1)
	r.bytesSent.Add(uint64(n))
	if r.m != nil {
		r.m.PacketsSent.Inc()
		r.m.BytesSent.Add(float64(n))
	}
}

func (r *Recorder) PacketReceived(n int) {
	r.packetsReceived.Add(1)
	r.bytesReceived.Add(uint64(n))
	if r.m != nil {
		r.m.PacketsReceived.Inc()
		r.m.BytesReceived.Add(float64(n))
	}
}

func (r *Recorder) Drop() {
	r.drops.Add(1)
	if r.m != nil {
		r.m.Drops.Inc()
	}
}

func (r *Recorder) ParitySent(n int) {
	r.paritySent.Add(uint64(n))
	if r.m != nil {
		r.m.ParitySent.Add(float64(n))
	}
}

func (r *Recorder) Recovered(n int) {
	r.fecRecovered.Add(uint64(n))
	if r.m != nil {
		r.m.FECRecovered.Add(float64(n))
	}
}

func (r *Recorder) Lost(n int) {
	r.fecLost.Add(uint64(n))
	if r.m != nil {
		r.m.FECLost.Add(float64(n))
	}
}

func (r *Recorder) Retransmit() {
	r.retransmits.Add(1)
	if r.m != nil {
		r.m.Retransmits.Inc()
	}
}

func (r *Recorder) RTT(d time.Duration) {
	if r.m != nil {
		r.m.RTT.Observe(d.Seconds())
	}
}

// Link publishes the current rate and loss estimate.
func (r *Recorder) Link(rate, loss float64) {
	if r.m != nil {
		r.m.SendRate.Set(rate)
		r.m.Loss.Set(loss)
	}
}

func (r *Recorder) Opened() {
	if r.m != nil {
		r.m.SessionsOpened.Inc()
		r.m.ActiveSessions.Inc()
	}
}

func (r *Recorder) Closed() {
	if r.m != nil {
		r.m.SessionsClosed.Inc()
		r.m.ActiveSessions.Dec()
	}
}

// Snapshot copies the counters. Link fields are left for the caller to fill.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent:     r.packetsSent.Load(),
		PacketsReceived: r.packetsReceived.Load(),
		BytesSent:       r.bytesSent.Load(),
		BytesReceived:   r.bytesReceived.Load(),
		Drops:           r.drops.Load(),
		ParitySent:      r.paritySent.Load(),
		FECRecovered:    r.fecRecovered.Load(),
		FECLost:         r.fecLost.Load(),
		Retransmits:     r.retransmits.Load(),
	}
}
