package protocol

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
)

const (
	// MaxStreamFrame limits a single frame on a byte stream carrier.
	MaxStreamFrame  = 1<<16 - 1
	streamNonceSize = chacha20.NonceSize
)

var (
	ErrFrameTooLarge = errors.New("protocol: stream frame too large")
	ErrEmptyFrame    = errors.New("protocol: empty stream frame")
)

// StreamCodec chunks packets over a byte stream (TCP).
// Format per direction:
//
//	12 bytes: random nonce, sent once before the first frame
//	then repeated:
//	2 bytes: frame length (big endian), XORed with a ChaCha20 keystream
//	N bytes: frame (already an encrypted packet)
//
// Packets are already random-looking, so masking the lengths leaves nothing in
// the clear. A side stays silent until it has a frame to send.
type StreamCodec struct {
	key []byte

	rmu  sync.Mutex
	br   *bufio.Reader
	rkey *chacha20.Cipher

	wmu  sync.Mutex
	w    io.Writer
	wkey *chacha20.Cipher
}

// NewStreamCodec wraps rw. key must be 32 bytes and known to both ends.
func NewStreamCodec(rw io.ReadWriter, key []byte) (*StreamCodec, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("protocol: stream key must be %d bytes", chacha20.KeySize)
	}
	return &StreamCodec{key: key, br: bufio.NewReader(rw), w: rw}, nil
}

// WriteFrame writes one frame. Safe for concurrent use.
func (c *StreamCodec) WriteFrame(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyFrame
	}
	if len(p) > MaxStreamFrame {
		return ErrFrameTooLarge
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := make([]byte, 0, streamNonceSize+2+len(p))
	if c.wkey == nil {
		nonce := make([]byte, streamNonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return err
		}
		k, err := chacha20.NewUnauthenticatedCipher(c.key, nonce)
		if err != nil {
			return err
		}
		c.wkey = k
		buf = append(buf, nonce...)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p)))
	c.wkey.XORKeyStream(lenBuf[:], lenBuf[:])
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, p...)
	_, err := c.w.Write(buf)
	return err
}

// ReadFrame reads one frame. Safe for concurrent use.
func (c *StreamCodec) ReadFrame() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.rkey == nil {
		nonce := make([]byte, streamNonceSize)
		if _, err := io.ReadFull(c.br, nonce); err != nil {
			return nil, err
		}
		k, err := chacha20.NewUnauthenticatedCipher(c.key, nonce)
		if err != nil {
			return nil, err
		}
		c.rkey = k
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.br, lenBuf[:]); err != nil {
		return nil, err
	}
	c.rkey.XORKeyStream(lenBuf[:], lenBuf[:])
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(c.br, p); err != nil {
		return nil, err
	}
	return p, nil
}
