package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// BoxOverhead is the number of bytes SealBox adds to a plaintext.
const BoxOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// SealBox encrypts plaintext with XChaCha20-Poly1305 under a random nonce.
// Used where no sequence number exists: handshake messages and tickets.
// Returns: nonce (24 bytes) || ciphertext || tag (16 bytes)
func SealBox(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, BoxOverhead+len(plaintext))
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, additionalData), nil
}

// OpenBox reverses SealBox.
func OpenBox(key, box, additionalData []byte) ([]byte, error) {
	if len(box) < BoxOverhead {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	nonce := box[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, box[chacha20poly1305.NonceSizeX:], additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
