package transport

import (
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PipeConfig shapes the packets written by one end of a pipe.
type PipeConfig struct {
	// Loss is the probability that a packet is silently dropped.
	Loss float64
	// Delay is added to every packet.
	Delay time.Duration
	// Jitter adds a uniform 0..Jitter delay per packet, which reorders them.
	Jitter time.Duration
	Seed   uint64
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// PipeConn is one end of an in-memory datagram pipe.
type PipeConn struct {
	chanConn
	local pipeAddr
	peer  *PipeConn
	cfg   PipeConfig

	rmu sync.Mutex
	rng *rand.Rand

	sentPackets atomic.Uint64
	sentBytes   atomic.Uint64
	dropped     atomic.Uint64
}

// NewPipe returns two connected ends. a shapes traffic from the first end, b from the second.
func NewPipe(a, b PipeConfig) (*PipeConn, *PipeConn) {
	x := &PipeConn{chanConn: newChanConn(4096), local: "pipe-a", cfg: a, rng: rand.New(rand.NewPCG(a.Seed, 1))}
	y := &PipeConn{chanConn: newChanConn(4096), local: "pipe-b", cfg: b, rng: rand.New(rand.NewPCG(b.Seed, 2))}
	x.peer, y.peer = y, x
	return x, y
}

func (c *PipeConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}
	c.sentPackets.Add(1)
	c.sentBytes.Add(uint64(len(p)))

	c.rmu.Lock()
	drop := c.cfg.Loss > 0 && c.rng.Float64() < c.cfg.Loss
	delay := c.cfg.Delay
	if c.cfg.Jitter > 0 {
		delay += time.Duration(c.rng.Int64N(int64(c.cfg.Jitter)))
	}
	c.rmu.Unlock()

	if drop {
		c.dropped.Add(1)
		return len(p), nil
	}
	pkt := packet{b: append([]byte(nil), p...), addr: c.local}
	if delay <= 0 {
		c.peer.deliver(pkt)
	} else {
		time.AfterFunc(delay, func() { c.peer.deliver(pkt) })
	}
	return len(p), nil
}

func (c *PipeConn) Close() error {
	c.shut()
	return nil
}

func (c *PipeConn) LocalAddr() net.Addr { return c.local }

func (c *PipeConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *PipeConn) SetWriteDeadline(time.Time) error { return nil }

// Sent returns how many packets and bytes this end wrote, including dropped ones.
func (c *PipeConn) Sent() (packets, bytes uint64) {
	return c.sentPackets.Load(), c.sentBytes.Load()
}

// Dropped returns how many written packets the pipe discarded.
func (c *PipeConn) Dropped() uint64 { return c.dropped.Load() }
