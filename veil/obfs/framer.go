package obfs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/crypto"
	"github.com/TheusHen/veil/veil/protocol"
)

// ErrDrop is the only error Open returns. The cause is logged at debug level.
var ErrDrop = errors.New("obfs: packet dropped")

// Framer seals and opens the packets of one session.
// Seal may be called concurrently with Open.
type Framer struct {
	ch      *crypto.Channel
	profile Profile
	nextSeq atomic.Uint64

	mu     sync.Mutex
	replay ReplayFilter
}

func NewFramer(ch *crypto.Channel, profile Profile) *Framer {
	return &Framer{ch: ch, profile: profile}
}

// Overhead is the fixed per-packet cost of encryption, excluding padding.
func (f *Framer) Overhead() int { return f.ch.Overhead() }

// Seal encodes, pads and encrypts fr under the next sequence number.
func (f *Framer) Seal(fr protocol.Frame) ([]byte, uint64, error) {
	plain, err := protocol.EncodeFrame(fr)
	if err != nil {
		return nil, 0, err
	}
	plain = f.profile.Pad(plain, f.ch.Overhead())
	seq := f.nextSeq.Add(1) - 1
	pkt, err := f.ch.SealPacket(seq, plain)
	if err != nil {
		return nil, 0, err
	}
	return pkt, seq, nil
}

// Open authenticates pkt and decodes its frame. Every failure, including a
// replayed sequence number, returns ErrDrop.
func (f *Framer) Open(pkt []byte) (protocol.Frame, uint64, error) {
	seq, err := f.ch.PeekSeq(pkt)
	if err != nil {
		return f.drop("short", err)
	}

	f.mu.Lock()
	fresh := f.replay.Check(seq)
	f.mu.Unlock()
	if !fresh {
		return f.drop("replay", nil)
	}

	seq, plain, err := f.ch.OpenPacket(pkt)
	if err != nil {
		return f.drop("auth", err)
	}
	fr, err := protocol.DecodeFrame(plain)
	if err != nil {
		return f.drop("decode", err)
	}

	f.mu.Lock()
	fresh = f.replay.Mark(seq)
	f.mu.Unlock()
	if !fresh {
		return f.drop("replay", nil)
	}
	return fr, seq, nil
}

func (f *Framer) drop(reason string, err error) (protocol.Frame, uint64, error) {
	log.Debug().Str("reason", reason).AnErr("cause", err).Msg("obfs: dropping packet")
	return nil, 0, ErrDrop
}
