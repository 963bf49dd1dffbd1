package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/identity"
)

const (
	HandshakeTimeout = 10 * time.Second

	helloBackoff    = 500 * time.Millisecond
	maxHelloBackoff = 5 * time.Second
	finishInterval  = 250 * time.Millisecond

	readBufferSize = 64 << 10
)

// clientReader reads the client's socket. Until a session exists packets
// go to the handshake; afterwards straight into the session.
type clientReader struct {
	pc    net.PacketConn
	raddr string
	hs    chan []byte
	sess  atomic.Pointer[Session]
	stop  atomic.Bool
	done  chan struct{}
}

func (r *clientReader) run() {
	defer close(r.done)
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := r.pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !r.stop.Load() {
				continue
			}
			if s := r.sess.Load(); s != nil {
				s.closeWith(err)
			}
			return
		}
		if from == nil || from.String() != r.raddr {
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		if s := r.sess.Load(); s != nil {
			s.Input(pkt)
			continue
		}
		select {
		case r.hs <- pkt:
		default:
		}
	}
}

func (r *clientReader) halt() {
	if r.stop.Swap(true) {
		return
	}
	_ = r.pc.SetReadDeadline(time.Now())
}

// Connect performs the handshake with the responder at raddr and returns the
// established session. The session reads pc until it ends.
func Connect(ctx context.Context, pc net.PacketConn, raddr net.Addr, serverPub identity.PublicKey, long *identity.KeyPair, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	r := &clientReader{pc: pc, raddr: raddr.String(), hs: make(chan []byte, 16), done: make(chan struct{})}
	go r.run()

	sess, err := connect(ctx, r, raddr, serverPub, long, cfg)
	if err != nil {
		r.halt()
		<-r.done
		return nil, err
	}
	go func() {
		<-sess.Done()
		r.halt()
	}()
	return sess, nil
}

func connect(ctx context.Context, r *clientReader, raddr net.Addr, serverPub identity.PublicKey, long *identity.KeyPair, cfg Config) (*Session, error) {
	for {
		h, finish, err := hello(ctx, r, raddr, serverPub, long, cfg)
		if err != nil {
			return nil, err
		}
		if h.State() != StateKeysDerived {
			log.Debug().Stringer("state", h.State()).Msg("session: handshake attempt failed, restarting")
			continue
		}
		keys, err := h.Keys()
		if err != nil {
			return nil, err
		}
		sess, err := New(r.pc, raddr, keys, true, cfg)
		if err != nil {
			return nil, err
		}
		r.sess.Store(sess)
		if err := awaitConfirm(ctx, r, sess, raddr, finish); err != nil {
			sess.closeWith(err)
			return nil, err
		}
		return sess, nil
	}
}

// hello runs one handshake attempt up to the derived keys. An attempt that
// fails on a bad reply returns the failed Initiator and no error.
func hello(ctx context.Context, r *clientReader, raddr net.Addr, serverPub identity.PublicKey, long *identity.KeyPair, cfg Config) (*Initiator, []byte, error) {
	h, err := NewInitiator(serverPub, long, cfg.Profile)
	if err != nil {
		return nil, nil, err
	}
	pkt, err := h.Hello()
	if err != nil {
		return nil, nil, err
	}
	backoff := helloBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		if _, err := r.pc.WriteTo(pkt, raddr); err != nil && errors.Is(err, net.ErrClosed) {
			return nil, nil, err
		}
		select {
		case <-ctx.Done():
			h.Fail()
			return nil, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ctx.Err())
		case <-r.done:
			return nil, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, net.ErrClosed)
		case <-timer.C:
			backoff = min(backoff*2, maxHelloBackoff)
			timer.Reset(backoff)
		case reply := <-r.hs:
			finish, err := h.HandleServerHello(reply)
			if err != nil {
				log.Debug().Err(err).Msg("session: bad server hello")
			}
			return h, finish, nil
		}
	}
}

func awaitConfirm(ctx context.Context, r *clientReader, sess *Session, raddr net.Addr, finish []byte) error {
	tick := time.NewTicker(finishInterval)
	defer tick.Stop()
	for {
		if _, err := r.pc.WriteTo(finish, raddr); err != nil && errors.Is(err, net.ErrClosed) {
			return err
		}
		// the server binds an address only once a session frame from it authenticates
		_ = sess.Keepalive()
		select {
		case <-sess.Confirmed():
			return nil
		case <-sess.Done():
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, sess.Err())
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, ctx.Err())
		case <-tick.C:
		}
	}
}
