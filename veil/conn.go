package veil

import (
	"context"
	"net"
	"sync"

	"github.com/TheusHen/veil/veil/mux"
	"github.com/TheusHen/veil/veil/session"
	"github.com/TheusHen/veil/veil/stats"
)

// Conn is an established session with its stream multiplexer.
type Conn struct {
	sess *session.Session
	mux  *mux.Multiplexer

	closeOnce sync.Once
	onClose   func()
}

func newConn(sess *session.Session, cfg Config, rec *stats.Recorder, onClose func()) *Conn {
	c := &Conn{
		sess:    sess,
		mux:     mux.New(sess, cfg.muxConfig(sess.Initiator(), rec)),
		onClose: onClose,
	}
	go func() {
		<-sess.Done()
		c.release()
	}()
	return c
}

// OpenStream opens a reliable stream to the peer.
func (c *Conn) OpenStream(ctx context.Context) (*mux.Stream, error) {
	return c.mux.OpenStream(ctx)
}

// AcceptStream waits for a stream opened by the peer.
func (c *Conn) AcceptStream(ctx context.Context) (*mux.Stream, error) {
	return c.mux.AcceptStream(ctx)
}

// SendDatagram sends b unreliably. Delivered datagrams arrive in send order;
// late ones are dropped.
func (c *Conn) SendDatagram(ctx context.Context, b []byte) error {
	return c.mux.SendDatagram(ctx, b)
}

func (c *Conn) RecvDatagram(ctx context.Context) ([]byte, error) {
	return c.mux.RecvDatagram(ctx)
}

// Close tears down all streams and the session, notifying the peer.
func (c *Conn) Close() error {
	_ = c.mux.Close()
	err := c.sess.Close()
	c.release()
	return err
}

func (c *Conn) release() {
	c.closeOnce.Do(func() {
		if err := c.sess.Err(); err != nil {
			_ = c.mux.CloseWithError(err)
		} else {
			_ = c.mux.Close()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} { return c.sess.Done() }

// Err returns why the session ended, or nil.
func (c *Conn) Err() error { return c.sess.Err() }

// RemoteAddr is the address the peer is currently reached at.
func (c *Conn) RemoteAddr() net.Addr { return c.sess.Peer() }

func (c *Conn) Stats() stats.Snapshot { return c.sess.Stats() }

func (c *Conn) NumStreams() int { return c.mux.NumStreams() }

// DumpTrace returns recent stream messages when Config.Trace is set.
func (c *Conn) DumpTrace() string { return c.mux.DumpTrace() }
