package transport

import (
	"net"
	"os"
	"sync"
	"time"
)

type packet struct {
	b    []byte
	addr net.Addr
}

// chanConn implements the reading half of net.PacketConn over a channel.
type chanConn struct {
	in        chan packet
	closed    chan struct{}
	closeOnce sync.Once

	dmu      sync.Mutex
	deadline time.Time
	dchanged chan struct{}
}

func newChanConn(depth int) chanConn {
	return chanConn{
		in:       make(chan packet, depth),
		closed:   make(chan struct{}),
		dchanged: make(chan struct{}),
	}
}

// deliver queues a packet, dropping it if the queue is full.
func (c *chanConn) deliver(p packet) bool {
	select {
	case c.in <- p:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// deliverWait queues a packet, waiting for room.
func (c *chanConn) deliverWait(p packet) bool {
	select {
	case c.in <- p:
		return true
	case <-c.closed:
		return false
	}
}

func (c *chanConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.dmu.Lock()
		deadline, changed := c.deadline, c.dchanged
		c.dmu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		n, addr, again, err := c.wait(p, timeout, changed)
		if timer != nil {
			timer.Stop()
		}
		if !again {
			return n, addr, err
		}
	}
}

func (c *chanConn) wait(p []byte, timeout <-chan time.Time, changed <-chan struct{}) (int, net.Addr, bool, error) {
	select {
	case pkt := <-c.in:
		return copy(p, pkt.b), pkt.addr, false, nil
	case <-c.closed:
		return 0, nil, false, net.ErrClosed
	case <-timeout:
		return 0, nil, false, os.ErrDeadlineExceeded
	case <-changed:
		return 0, nil, true, nil
	}
}

func (c *chanConn) SetReadDeadline(t time.Time) error {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.deadline = t
	close(c.dchanged)
	c.dchanged = make(chan struct{})
	return nil
}

func (c *chanConn) shut() bool {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	return first
}

func (c *chanConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
