// Package session runs the handshake and drives one encrypted, FEC-protected,
// paced datagram channel per peer.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheusHen/veil/veil/crypto"
	"github.com/TheusHen/veil/veil/identity"
	"github.com/TheusHen/veil/veil/obfs"
	"github.com/TheusHen/veil/veil/protocol"
)

var (
	ErrHandshakeFailed = errors.New("session: handshake failed")
	ErrHandshakeState  = errors.New("session: handshake message out of order")
	ErrNotHandshake    = errors.New("session: not a handshake packet")
	ErrReplayedHello   = errors.New("session: replayed hello")
	ErrClockSkew       = errors.New("session: hello timestamp out of range")
	ErrVersion         = errors.New("session: unsupported version")
)

// minHelloLen pads ClientHello plaintext so that the reply is never larger
// than the request that caused it.
const minHelloLen = 512

// HandshakeState is the initiator's progress.
type HandshakeState int

const (
	StateStart HandshakeState = iota
	StateSentHello
	StateReceivedHello
	StateKeysDerived
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSentHello:
		return "sent-hello"
	case StateReceivedHello:
		return "received-hello"
	case StateKeysDerived:
		return "keys-derived"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Epoch is the hour counter that rotates the cookie keys.
func Epoch(t time.Time) uint64 {
	return uint64(t.Unix() / 3600)
}

func sealHandshake(key []byte, m protocol.Handshake, minLen int, profile obfs.Profile, ad []byte) ([]byte, error) {
	plain, err := protocol.EncodeHandshake(m)
	if err != nil {
		return nil, err
	}
	if len(plain) < minLen {
		plain = append(plain, make([]byte, minLen-len(plain))...)
	}
	plain = profile.Pad(plain, crypto.BoxOverhead)
	return crypto.SealBox(key, plain, ad)
}

func openHandshake(key, box, ad []byte) (protocol.Handshake, error) {
	plain, err := crypto.OpenBox(key, box, ad)
	if err != nil {
		return nil, ErrNotHandshake
	}
	return protocol.DecodeHandshake(plain)
}

// Initiator is the client side of one handshake attempt. It is not safe for
// concurrent use. A failed attempt cannot be resumed; start a new Initiator.
type Initiator struct {
	state     HandshakeState
	serverPub [32]byte
	long, eph crypto.X25519KeyPair
	c2s, s2c  []byte
	profile   obfs.Profile
	keys      crypto.SessionKeys
	now       func() time.Time
}

// NewInitiator prepares a handshake with the responder holding serverPub.
// long may be nil, in which case a throwaway long-term key is generated.
func NewInitiator(serverPub identity.PublicKey, long *identity.KeyPair, profile obfs.Profile) (*Initiator, error) {
	h := &Initiator{serverPub: serverPub, profile: profile, now: time.Now}
	if long != nil {
		h.long = long.X25519()
	} else {
		kp, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		h.long = kp
	}
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	h.eph = eph
	return h, nil
}

func (h *Initiator) State() HandshakeState { return h.state }

// Fail moves the handshake to its failed state, for example on timeout.
func (h *Initiator) Fail() { h.state = StateFailed }

func (h *Initiator) fail(err error) error {
	h.state = StateFailed
	return err
}

// Hello returns the ClientHello packet.
func (h *Initiator) Hello() ([]byte, error) {
	if h.state != StateStart {
		return nil, h.fail(ErrHandshakeState)
	}
	now := h.now()
	c2s, s2c, err := crypto.CookieKeys(h.serverPub, Epoch(now))
	if err != nil {
		return nil, h.fail(err)
	}
	h.c2s, h.s2c = c2s, s2c
	m := &protocol.ClientHello{
		Version:   protocol.Version,
		LongPub:   h.long.PublicKey,
		EphPub:    h.eph.PublicKey,
		Timestamp: uint64(now.Unix()),
	}
	pkt, err := sealHandshake(h.c2s, m, minHelloLen, h.profile, nil)
	if err != nil {
		return nil, h.fail(err)
	}
	h.state = StateSentHello
	return pkt, nil
}

// HandleServerHello derives the session keys from the responder's answer and
// returns the ClientFinish packet.
func (h *Initiator) HandleServerHello(pkt []byte) ([]byte, error) {
	if h.state != StateSentHello {
		return nil, h.fail(ErrHandshakeState)
	}
	m, err := openHandshake(h.s2c, pkt, h.eph.PublicKey[:])
	if err != nil {
		return nil, h.fail(err)
	}
	sh, ok := m.(*protocol.ServerHello)
	if !ok {
		return nil, h.fail(ErrHandshakeState)
	}
	h.state = StateReceivedHello

	shared, err := crypto.TripleDH(true, h.long, h.eph, h.serverPub, sh.EphPub)
	if err != nil {
		return nil, h.fail(err)
	}
	keys, err := crypto.DeriveSessionKeys(shared, h.eph.PublicKey, sh.EphPub)
	if err != nil {
		return nil, h.fail(err)
	}
	finish, err := sealHandshake(h.c2s, &protocol.ClientFinish{Ticket: sh.Ticket}, 0, h.profile, nil)
	if err != nil {
		return nil, h.fail(err)
	}
	h.keys = keys
	h.state = StateKeysDerived
	return finish, nil
}

// Keys returns the session keys once they are derived.
func (h *Initiator) Keys() (crypto.SessionKeys, error) {
	if h.state != StateKeysDerived {
		return crypto.SessionKeys{}, ErrHandshakeState
	}
	return h.keys, nil
}

// Responder answers handshakes for one long-term key. It keeps no per-client
// state between ClientHello and ClientFinish: everything it needs comes back
// inside the ticket. Safe for concurrent use.
type Responder struct {
	long    crypto.X25519KeyPair
	tickets *TicketStore
	guard   *ReplayGuard
	profile obfs.Profile
	now     func() time.Time
}

func NewResponder(kp identity.KeyPair, profile obfs.Profile) (*Responder, error) {
	tickets, err := NewTicketStore()
	if err != nil {
		return nil, err
	}
	return &Responder{
		long:    kp.X25519(),
		tickets: tickets,
		guard:   NewReplayGuard(),
		profile: profile,
		now:     time.Now,
	}, nil
}

// Handle processes one packet that may be a handshake message from addr.
// A ClientHello yields the reply to send back; a ClientFinish yields the
// ticket from which to build the session. Anything else is an error and the
// packet must be dropped without a response.
func (r *Responder) Handle(pkt []byte, addr string) (reply []byte, t *Ticket, err error) {
	epoch := Epoch(r.now())
	for _, e := range [...]uint64{epoch, epoch - 1, epoch + 1} {
		c2s, s2c, err := crypto.CookieKeys(r.long.PublicKey, e)
		if err != nil {
			return nil, nil, err
		}
		m, err := openHandshake(c2s, pkt, nil)
		if errors.Is(err, ErrNotHandshake) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		switch m := m.(type) {
		case *protocol.ClientHello:
			reply, err := r.HandleClientHello(m, addr, s2c)
			return reply, nil, err
		case *protocol.ClientFinish:
			t, err := r.HandleClientFinish(m)
			return nil, t, err
		default:
			return nil, nil, ErrHandshakeState
		}
	}
	return nil, nil, ErrNotHandshake
}

// HandleClientHello runs the responder's side of the key agreement and
// returns the ServerHello sealed under s2c.
func (r *Responder) HandleClientHello(m *protocol.ClientHello, addr string, s2c []byte) ([]byte, error) {
	if m.Version != protocol.Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, m.Version)
	}
	if reply, seen := r.guard.Lookup(m.EphPub, addr); seen {
		if reply == nil {
			return nil, ErrReplayedHello
		}
		return reply, nil
	}
	sent := time.Unix(int64(m.Timestamp), 0)
	if skew := r.now().Sub(sent); skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, ErrClockSkew
	}

	eph, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	shared, err := crypto.TripleDH(false, r.long, eph, m.LongPub, m.EphPub)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveSessionKeys(shared, m.EphPub, eph.PublicKey)
	if err != nil {
		return nil, err
	}
	t, err := r.tickets.Issue(keys, m.EphPub, eph.PublicKey)
	if err != nil {
		return nil, err
	}
	sealed, err := r.tickets.Seal(t)
	if err != nil {
		return nil, err
	}
	reply, err := sealHandshake(s2c, &protocol.ServerHello{EphPub: eph.PublicKey, Ticket: sealed}, 0, r.profile, m.EphPub[:])
	if err != nil {
		return nil, err
	}
	if !r.guard.Remember(m.EphPub, addr, reply) {
		return nil, ErrReplayedHello
	}
	return reply, nil
}

// HandleClientFinish opens the ticket echoed by the client.
func (r *Responder) HandleClientFinish(m *protocol.ClientFinish) (*Ticket, error) {
	return r.tickets.Open(m.Ticket)
}
