package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/crypto"
	"github.com/TheusHen/veil/veil/protocol"
)

var (
	ErrUnknownPeer = errors.New("transport: no TCP connection for address")
)

// TCPKey derives the length-masking key of TCP carriers from the server's long-term public key.
func TCPKey(serverPub [32]byte) []byte {
	key, err := crypto.DeriveKey(serverPub[:], nil, []byte("veil-tcp"), 32)
	if err != nil {
		// HKDF-SHA256 cannot fail for 32 bytes of output
		panic(err)
	}
	return key
}

type tcpPeer struct {
	conn  net.Conn
	codec *protocol.StreamCodec
}

// TCPConn carries packets over TCP connections, presented as a net.PacketConn.
// On the listening side each accepted connection is a peer addressed by its
// remote address; on the dialing side there is exactly one peer.
type TCPConn struct {
	chanConn
	key   []byte
	ln    net.Listener
	local net.Addr

	mu    sync.Mutex
	peers map[string]*tcpPeer
}

func newTCPConn(key []byte, local net.Addr) *TCPConn {
	return &TCPConn{
		chanConn: newChanConn(1024),
		key:      key,
		local:    local,
		peers:    make(map[string]*tcpPeer),
	}
}

// ListenTCP accepts TCP connections on addr.
func ListenTCP(ctx context.Context, addr string, serverPub [32]byte) (*TCPConn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := newTCPConn(TCPKey(serverPub), ln.Addr())
	c.ln = ln
	go c.acceptLoop()
	return c, nil
}

// DialTCP connects to a TCP listener and returns the carrier and the peer address.
func DialTCP(ctx context.Context, addr string, serverPub [32]byte) (*TCPConn, net.Addr, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c := newTCPConn(TCPKey(serverPub), conn.LocalAddr())
	if err := c.addPeer(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return c, conn.RemoteAddr(), nil
}

func (c *TCPConn) acceptLoop() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if !c.isClosed() {
				log.Debug().Err(err).Msg("transport: tcp accept failed")
			}
			return
		}
		if err := c.addPeer(conn); err != nil {
			_ = conn.Close()
		}
	}
}

func (c *TCPConn) addPeer(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	codec, err := protocol.NewStreamCodec(conn, c.key)
	if err != nil {
		return err
	}
	p := &tcpPeer{conn: conn, codec: codec}
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.peers[conn.RemoteAddr().String()] = p
	c.mu.Unlock()
	go c.readLoop(p)
	return nil
}

func (c *TCPConn) readLoop(p *tcpPeer) {
	addr := p.conn.RemoteAddr()
	defer func() {
		c.mu.Lock()
		if c.peers[addr.String()] == p {
			delete(c.peers, addr.String())
		}
		c.mu.Unlock()
		_ = p.conn.Close()
	}()
	for {
		b, err := p.codec.ReadFrame()
		if err != nil {
			log.Debug().Err(err).Str("peer", addr.String()).Msg("transport: tcp peer gone")
			return
		}
		if !c.deliverWait(packet{b: b, addr: addr}) {
			return
		}
	}
}

func (c *TCPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}
	c.mu.Lock()
	var p *tcpPeer
	if c.ln == nil {
		for _, only := range c.peers {
			p = only
		}
	} else if addr != nil {
		p = c.peers[addr.String()]
	}
	c.mu.Unlock()
	if p == nil {
		return 0, ErrUnknownPeer
	}
	if err := p.codec.WriteFrame(b); err != nil {
		_ = p.conn.Close()
		return 0, err
	}
	return len(b), nil
}

func (c *TCPConn) Close() error {
	if !c.shut() {
		return nil
	}
	var err error
	if c.ln != nil {
		err = c.ln.Close()
	}
	c.mu.Lock()
	for key, p := range c.peers {
		_ = p.conn.Close()
		delete(c.peers, key)
	}
	c.mu.Unlock()
	return err
}

func (c *TCPConn) LocalAddr() net.Addr { return c.local }

func (c *TCPConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *TCPConn) SetWriteDeadline(time.Time) error { return nil }
