package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size for ChaCha20-Poly1305")
)

// AEAD wraps ChaCha20-Poly1305 keyed for one direction of a session.
// The 96-bit nonce is 4 zero bytes followed by the big-endian sequence number,
// so a key must never see the same sequence number twice.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: aead}, nil
}

func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize) // 12 bytes
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts and authenticates plaintext under the nonce derived from seq.
// Returns: ciphertext || tag (16 bytes)
func (a *AEAD) Seal(seq uint64, plaintext, additionalData []byte) []byte {
	return a.aead.Seal(nil, nonceFor(seq), plaintext, additionalData)
}

// Open decrypts and verifies ciphertext sealed with the same seq.
// The Poly1305 tag comparison runs in constant time.
func (a *AEAD) Open(seq uint64, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(nil, nonceFor(seq), ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }
