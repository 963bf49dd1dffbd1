package protocol

import (
	"bytes"
	"errors"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Version is the handshake version carried in ClientHello.
const Version = 1

var (
	ErrUnknownHandshake = errors.New("protocol: unknown handshake message")
)

// Handshake is one decoded handshake message: *ClientHello, *ServerHello or *ClientFinish.
type Handshake interface {
	HandshakeType() HandshakeType
}

// ClientHello opens a handshake. LongPub is a throwaway key generated per
// connection attempt; the client has no stable identity.
type ClientHello struct {
	Version   uint64
	LongPub   [32]byte
	EphPub    [32]byte
	Timestamp uint64
}

// ServerHello answers a ClientHello. Ticket is opaque to the client.
type ServerHello struct {
	EphPub [32]byte
	Ticket []byte
}

// ClientFinish echoes the ticket; the responder builds the session from it.
type ClientFinish struct {
	Ticket []byte
}

func (*ClientHello) HandshakeType() HandshakeType  { return HandshakeClientHello }
func (*ServerHello) HandshakeType() HandshakeType  { return HandshakeServerHello }
func (*ClientFinish) HandshakeType() HandshakeType { return HandshakeClientFinish }

// EncodeHandshake returns the encoding of m.
func EncodeHandshake(m Handshake) ([]byte, error) {
	b := []byte{byte(m.HandshakeType())}
	switch m := m.(type) {
	case *ClientHello:
		b = quicvarint.Append(b, m.Version)
		b = append(b, m.LongPub[:]...)
		b = append(b, m.EphPub[:]...)
		b = quicvarint.Append(b, m.Timestamp)
	case *ServerHello:
		b = append(b, m.EphPub[:]...)
		b = appendBytes(b, m.Ticket)
	case *ClientFinish:
		b = appendBytes(b, m.Ticket)
	default:
		return nil, ErrUnknownHandshake
	}
	return b, nil
}

// DecodeHandshake parses one handshake message. Trailing bytes are ignored.
func DecodeHandshake(b []byte) (Handshake, error) {
	if len(b) == 0 {
		return nil, ErrShortFrame
	}
	r := bytes.NewReader(b[1:])
	switch HandshakeType(b[0]) {
	case HandshakeClientHello:
		m := &ClientHello{}
		var err error
		if m.Version, err = readVarint(r); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, m.LongPub[:]); err != nil {
			return nil, ErrShortFrame
		}
		if _, err := io.ReadFull(r, m.EphPub[:]); err != nil {
			return nil, ErrShortFrame
		}
		if m.Timestamp, err = readVarint(r); err != nil {
			return nil, err
		}
		return m, nil
	case HandshakeServerHello:
		m := &ServerHello{}
		if _, err := io.ReadFull(r, m.EphPub[:]); err != nil {
			return nil, ErrShortFrame
		}
		var err error
		if m.Ticket, err = readBytes(r); err != nil {
			return nil, err
		}
		return m, nil
	case HandshakeClientFinish:
		m := &ClientFinish{}
		var err error
		if m.Ticket, err = readBytes(r); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, ErrUnknownHandshake
	}
}
