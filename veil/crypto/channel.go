package crypto

import (
	"encoding/binary"
)

// SeqSize is the size of the masked sequence number that prefixes every packet.
const SeqSize = 8

// Channel is the symmetric state of an established session: one AEAD per
// direction and the key for masking sequence numbers.
//
// Wire format of a packet: masked seq (8) || ciphertext || tag (16).
// The mask is derived from the tag, so the whole packet reads as random bytes.
type Channel struct {
	send    *AEAD
	recv    *AEAD
	maskKey []byte
}

// NewChannel builds the channel for one side of a session.
// The initiator sends with Up and receives with Down; the responder the reverse.
func NewChannel(keys SessionKeys, initiator bool) (*Channel, error) {
	sendKey, recvKey := keys.Up, keys.Down
	if !initiator {
		sendKey, recvKey = keys.Down, keys.Up
	}
	send, err := NewAEAD(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := NewAEAD(recvKey)
	if err != nil {
		return nil, err
	}
	if len(keys.Obfs) != 32 {
		return nil, ErrInvalidKeySize
	}
	return &Channel{send: send, recv: recv, maskKey: keys.Obfs}, nil
}

// Overhead is the number of bytes SealPacket adds to a plaintext.
func (c *Channel) Overhead() int { return SeqSize + c.send.Overhead() }

// SealPacket encrypts plaintext as packet number seq.
func (c *Channel) SealPacket(seq uint64, plaintext []byte) ([]byte, error) {
	ct := c.send.Seal(seq, plaintext, nil)
	mask, err := HeaderMask(c.maskKey, ct[len(ct)-MaskSampleSize:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, SeqSize+len(ct))
	binary.BigEndian.PutUint64(out[:SeqSize], seq)
	for i := range mask {
		out[i] ^= mask[i]
	}
	copy(out[SeqSize:], ct)
	return out, nil
}

// PeekSeq recovers the sequence number of a packet without authenticating it.
// The result is only trustworthy once OpenPacket succeeds.
func (c *Channel) PeekSeq(packet []byte) (uint64, error) {
	if len(packet) < c.Overhead() {
		return 0, ErrCiphertextTooShort
	}
	mask, err := HeaderMask(c.maskKey, packet[len(packet)-MaskSampleSize:])
	if err != nil {
		return 0, err
	}
	var hdr [SeqSize]byte
	for i := range hdr {
		hdr[i] = packet[i] ^ mask[i]
	}
	return binary.BigEndian.Uint64(hdr[:]), nil
}

// OpenPacket authenticates and decrypts a packet, returning its sequence number.
func (c *Channel) OpenPacket(packet []byte) (uint64, []byte, error) {
	seq, err := c.PeekSeq(packet)
	if err != nil {
		return 0, nil, err
	}
	plaintext, err := c.recv.Open(seq, packet[SeqSize:], nil)
	if err != nil {
		return 0, nil, err
	}
	return seq, plaintext, nil
}
