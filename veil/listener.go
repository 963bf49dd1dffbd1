package veil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/session"
	"github.com/TheusHen/veil/veil/stats"
	"github.com/TheusHen/veil/veil/transport"
)

const (
	acceptBacklog    = 64
	readBufferSize   = 64 << 10
	pendingRebindTTL = 30 * time.Second
)

// Listener answers handshakes on one PacketConn and demultiplexes the
// sessions that result. Packets that are neither session traffic nor a
// valid handshake are dropped without a reply.
type Listener struct {
	pc        net.PacketConn
	cfg       Config
	scfg      session.Config
	metrics   *stats.Metrics
	responder *session.Responder

	mu       sync.Mutex
	byAddr   map[string]*listenerEntry
	byTicket map[[16]byte]*listenerEntry
	// tickets that already made a session; a replayed ClientFinish must
	// not bring one back under the same keys
	spent *cache.Cache
	// addresses that presented a known ticket, waiting for a session frame
	// to authenticate before the session moves to them
	pending *cache.Cache

	accept    chan *Conn
	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

type listenerEntry struct {
	conn   *Conn
	ticket [16]byte
	addr   string
}

// Listen opens a listener on addr over network "udp", "udp4", "udp6" or "tcp".
func Listen(network, addr string, cfg Config) (*Listener, error) {
	if cfg.KeyPair == nil {
		return nil, ErrNoKeyPair
	}
	var (
		pc  net.PacketConn
		err error
	)
	switch network {
	case "udp", "udp4", "udp6":
		pc, err = transport.ListenUDP(context.Background(), network, addr)
	case "tcp":
		pc, err = transport.ListenTCP(context.Background(), addr, cfg.KeyPair.PublicKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	if err != nil {
		return nil, err
	}
	l, err := NewListener(pc, cfg)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return l, nil
}

// NewListener serves on pc. The listener owns pc and closes it on Close.
func NewListener(pc net.PacketConn, cfg Config) (*Listener, error) {
	if cfg.KeyPair == nil {
		return nil, ErrNoKeyPair
	}
	scfg, metrics, err := cfg.sessionConfig()
	if err != nil {
		return nil, err
	}
	responder, err := session.NewResponder(*cfg.KeyPair, scfg.Profile)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		pc:        pc,
		cfg:       cfg,
		scfg:      scfg,
		metrics:   metrics,
		responder: responder,
		byAddr:    make(map[string]*listenerEntry),
		byTicket:  make(map[[16]byte]*listenerEntry),
		spent:     cache.New(2*session.TicketLifetime, time.Minute),
		pending:   cache.New(pendingRebindTTL, time.Minute),
		accept:    make(chan *Conn, acceptBacklog),
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// Accept returns the next established connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr is the local address of the underlying carrier.
func (l *Listener) Addr() net.Addr { return l.pc.LocalAddr() }

// Close closes every session of the listener and its PacketConn.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.err = ErrListenerClosed
		close(l.done)

		l.mu.Lock()
		conns := make([]*Conn, 0, len(l.byTicket))
		for _, e := range l.byTicket {
			conns = append(conns, e.conn)
		}
		l.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		err = l.pc.Close()
	})
	l.wg.Wait()
	return err
}

// NumSessions returns how many sessions the listener currently serves.
func (l *Listener) NumSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byTicket)
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := l.pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-l.done:
			default:
				log.Warn().Err(err).Msg("veil: listener read failed")
			}
			return
		}
		l.handle(append([]byte(nil), buf[:n]...), from)
	}
}

func (l *Listener) handle(pkt []byte, from net.Addr) {
	addr := from.String()
	l.mu.Lock()
	e := l.byAddr[addr]
	l.mu.Unlock()
	if e != nil && e.conn.sess.Input(pkt) {
		return
	}
	if e == nil && l.rebind(pkt, from) {
		return
	}

	reply, ticket, err := l.responder.Handle(pkt, addr)
	if err != nil {
		log.Debug().Err(err).Str("from", addr).Int("len", len(pkt)).Msg("veil: dropping packet")
		return
	}
	if reply != nil {
		if _, err := l.pc.WriteTo(reply, from); err != nil {
			log.Debug().Err(err).Str("to", addr).Msg("veil: server hello not sent")
		}
		return
	}

	l.mu.Lock()
	e = l.byTicket[ticket.ID]
	l.mu.Unlock()
	switch {
	case e == nil:
		if e, err = l.establish(ticket, from); err != nil {
			log.Debug().Err(err).Str("from", addr).Msg("veil: session not established")
			return
		}
	case e.addr != addr:
		// anyone can replay a finish; the session moves only when a frame
		// sealed under its keys arrives from the new address
		l.pending.SetDefault(addr, e)
		log.Debug().Str("from", addr).Msg("veil: finish from new address, awaiting session frame")
		return
	}
	// a ClientFinish is retransmitted until the client hears from the session
	_ = e.conn.sess.Keepalive()
}

// rebind moves a session to from once pkt authenticates under its keys.
func (l *Listener) rebind(pkt []byte, from net.Addr) bool {
	addr := from.String()
	v, ok := l.pending.Get(addr)
	if !ok {
		return false
	}
	e := v.(*listenerEntry)
	if !e.conn.sess.InputUnbound(pkt) {
		return false
	}
	l.pending.Delete(addr)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byTicket[e.ticket] != e {
		return true
	}
	if l.byAddr[e.addr] == e {
		delete(l.byAddr, e.addr)
	}
	e.addr = addr
	l.byAddr[addr] = e
	e.conn.sess.SetPeer(from)
	log.Info().Str("to", addr).Msg("veil: session rebound")
	return true
}

func (l *Listener) establish(t *session.Ticket, from net.Addr) (*listenerEntry, error) {
	select {
	case <-l.done:
		return nil, ErrListenerClosed
	default:
	}
	if err := l.spent.Add(string(t.ID[:]), struct{}{}, cache.DefaultExpiration); err != nil {
		return nil, ErrTicketReused
	}
	rec := l.metrics.NewRecorder()
	scfg := l.scfg
	scfg.Recorder = rec
	sess, err := session.New(l.pc, from, t.Keys(), false, scfg)
	if err != nil {
		return nil, err
	}
	e := &listenerEntry{ticket: t.ID, addr: from.String()}
	e.conn = newConn(sess, l.cfg, rec, func() { l.forget(e) })
	l.mu.Lock()
	l.byAddr[e.addr] = e
	l.byTicket[e.ticket] = e
	l.mu.Unlock()

	select {
	case l.accept <- e.conn:
	default:
		_ = e.conn.Close()
		return nil, ErrAcceptQueueFull
	}
	log.Info().Str("peer", e.addr).Msg("veil: session established")
	return e, nil
}

func (l *Listener) forget(e *listenerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byTicket[e.ticket] == e {
		delete(l.byTicket, e.ticket)
	}
	if l.byAddr[e.addr] == e {
		delete(l.byAddr, e.addr)
	}
}
