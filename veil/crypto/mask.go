package crypto

import (
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// MaskSampleSize is how many ciphertext bytes HeaderMask consumes.
const MaskSampleSize = 16

// HeaderMask returns 8 bytes of ChaCha20 keystream selected by a ciphertext sample.
// XORing a cleartext header with it makes the header as random-looking as the ciphertext.
func HeaderMask(key, sample []byte) ([8]byte, error) {
	var mask [8]byte
	if len(sample) < MaskSampleSize {
		return mask, ErrCiphertextTooShort
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, sample[4:MaskSampleSize])
	if err != nil {
		return mask, err
	}
	c.SetCounter(binary.LittleEndian.Uint32(sample[:4]) & 0x7fffffff)
	c.XORKeyStream(mask[:], mask[:])
	return mask, nil
}

// Equal reports whether a and b are equal without leaking where they differ.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
