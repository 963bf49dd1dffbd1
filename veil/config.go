package veil

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheusHen/veil/veil/identity"
	"github.com/TheusHen/veil/veil/mux"
	"github.com/TheusHen/veil/veil/obfs"
	"github.com/TheusHen/veil/veil/session"
	"github.com/TheusHen/veil/veil/stats"
)

var (
	ErrNoKeyPair       = errors.New("veil: listener needs a key pair")
	ErrUnknownNetwork  = errors.New("veil: unknown network")
	ErrListenerClosed  = errors.New("veil: listener closed")
	ErrAcceptQueueFull = errors.New("veil: accept queue full")
	ErrTicketReused    = errors.New("veil: ticket already used")
)

// Config is shared by dialers and listeners. The zero value is usable for dialing.
type Config struct {
	// TargetLoss is the residual loss the FEC parity is sized for. Default 0.01.
	TargetLoss float64
	// Padding names the padding profile: default, minimal or heavy.
	Padding string
	// KeyPair is the listener's long-term key. A dialer may set it to present
	// a stable identity; otherwise it uses a fresh one per connection.
	KeyPair *identity.KeyPair
	// Registerer receives the Prometheus metrics. May be nil.
	Registerer prometheus.Registerer

	// Compress lz4-compresses stream payloads when that shrinks them.
	Compress bool
	// Trace keeps recent stream messages for Conn.DumpTrace.
	Trace bool

	// IdleTimeout closes a connection that hears nothing valid from its
	// peer for this long. Zero means session.SessionTimeout.
	IdleTimeout time.Duration
	// CongestionControl makes each stream's congestion window. Nil selects
	// mux.NewSlowStart.
	CongestionControl func() mux.CongestionWindow
}

func (c Config) sessionConfig() (session.Config, *stats.Metrics, error) {
	profile, err := obfs.LookupProfile(c.Padding)
	if err != nil {
		return session.Config{}, nil, err
	}
	metrics, err := stats.NewMetrics(c.Registerer)
	if err != nil {
		return session.Config{}, nil, err
	}
	return session.Config{TargetLoss: c.TargetLoss, Profile: profile, IdleTimeout: c.IdleTimeout}, metrics, nil
}

func (c Config) muxConfig(initiator bool, rec *stats.Recorder) mux.Config {
	return mux.Config{
		Initiator:         initiator,
		Compress:          c.Compress,
		Trace:             c.Trace,
		Recorder:          rec,
		CongestionControl: c.CongestionControl,
	}
}
