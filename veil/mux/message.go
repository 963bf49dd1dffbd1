package mux

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/TheusHen/veil/veil/session"
)

// Kind is the type of a mux message.
type Kind uint8

const (
	KindSyn Kind = iota + 1
	KindSynAck
	KindData
	KindAck
	KindFin
	KindRst
	KindPoll
	KindUrel
)

// flagCompressed marks an lz4-compressed payload in the kind byte.
const flagCompressed = 0x80

const (
	// MaxSACK bounds the selective-ack ranges carried by one message.
	MaxSACK = 32
	// MaxMessage is the largest encoding the session below will carry.
	// Encode drops trailing SACK ranges to stay within it.
	MaxMessage = session.MaxDatagram
)

var (
	ErrMalformed       = errors.New("mux: malformed message")
	ErrUnknownKind     = errors.New("mux: unknown message kind")
	ErrMessageTooLarge = errors.New("mux: message too large")
)

func (k Kind) String() string {
	switch k {
	case KindSyn:
		return "SYN"
	case KindSynAck:
		return "SYNACK"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindFin:
		return "FIN"
	case KindRst:
		return "RST"
	case KindPoll:
		return "POLL"
	case KindUrel:
		return "UREL"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Range is a half-open run of sequence numbers [Start, End).
type Range struct {
	Start, End uint64
}

// Message is one mux unit carried in a session datagram.
//
// Seq numbers the segments of a stream; Syn, Data and Fin each take one.
// Ack is the next sequence number the sender expects from its peer and
// Window the bytes it can still buffer from that point. SACK lists runs
// received beyond Ack.
type Message struct {
	Kind    Kind
	Stream  uint64
	Seq     uint64
	Ack     uint64
	Window  uint64
	SACK    []Range
	Payload []byte
}

// occupiesSeq reports whether the message consumes a stream sequence number.
func (m *Message) occupiesSeq() bool {
	return m.Kind == KindSyn || m.Kind == KindData || m.Kind == KindFin
}

// Encode serializes m. With compress set, payloads that shrink under lz4 are
// sent compressed.
func Encode(m *Message, compress bool) ([]byte, error) {
	if len(m.SACK) > MaxSACK {
		return nil, fmt.Errorf("%w: %d sack ranges", ErrMalformed, len(m.SACK))
	}
	payload, kind := m.Payload, byte(m.Kind)
	if compress && len(payload) >= minCompress {
		if c, ok := compressPayload(payload); ok {
			payload, kind = c, kind|flagCompressed
		}
	}

	b := make([]byte, 0, 24+len(m.SACK)*4+len(payload))
	b = append(b, kind)
	b = quicvarint.Append(b, m.Stream)
	b = quicvarint.Append(b, m.Seq)
	b = quicvarint.Append(b, m.Ack)
	b = quicvarint.Append(b, m.Window)
	// one byte holds the range count, MaxSACK < 64
	room := MaxMessage - len(b) - 1 - len(payload)
	if room < 0 {
		return nil, fmt.Errorf("%w: %d byte payload", ErrMessageTooLarge, len(payload))
	}
	var sack []byte
	n := 0
	for _, r := range m.SACK {
		if r.Start < m.Ack || r.End <= r.Start {
			return nil, fmt.Errorf("%w: sack range %d-%d below ack %d", ErrMalformed, r.Start, r.End, m.Ack)
		}
		next := quicvarint.Append(quicvarint.Append(sack, r.Start-m.Ack), r.End-r.Start)
		if len(next) > room {
			break
		}
		sack, n = next, n+1
	}
	b = quicvarint.Append(b, uint64(n))
	b = append(b, sack...)
	return append(b, payload...), nil
}

// Decode parses one message.
func Decode(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, ErrMalformed
	}
	kind := b[0]
	m := &Message{Kind: Kind(kind &^ flagCompressed)}
	if m.Kind < KindSyn || m.Kind > KindUrel {
		return nil, ErrUnknownKind
	}
	r := bytes.NewReader(b[1:])
	fields := []*uint64{&m.Stream, &m.Seq, &m.Ack, &m.Window}
	for _, f := range fields {
		v, err := quicvarint.Read(r)
		if err != nil {
			return nil, ErrMalformed
		}
		*f = v
	}
	n, err := quicvarint.Read(r)
	if err != nil || n > MaxSACK {
		return nil, ErrMalformed
	}
	if n > 0 {
		m.SACK = make([]Range, n)
	}
	for i := range m.SACK {
		off, err := quicvarint.Read(r)
		if err != nil {
			return nil, ErrMalformed
		}
		length, err := quicvarint.Read(r)
		if err != nil || length == 0 {
			return nil, ErrMalformed
		}
		m.SACK[i] = Range{Start: m.Ack + off, End: m.Ack + off + length}
	}
	payload := b[len(b)-r.Len():]
	if kind&flagCompressed != 0 {
		if payload, err = decompressPayload(payload); err != nil {
			return nil, err
		}
	}
	if len(payload) > 0 {
		m.Payload = payload
	}
	return m, nil
}
