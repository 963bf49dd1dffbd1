package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair represents an X25519 keypair.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")
)

// GenerateX25519 generates a new X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return X25519KeyPair{}, err
	}
	return X25519FromPrivate(priv), nil
}

// X25519FromPrivate clamps priv per RFC 7748 and computes its public key.
func X25519FromPrivate(priv [32]byte) X25519KeyPair {
	kp := X25519KeyPair{PrivateKey: priv}
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp
}

// ECDH computes the shared secret using X25519.
// Returns 32 bytes of raw shared secret (should be passed to HKDF).
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, ErrInvalidPublicKey
	}
	// X25519 rejects low-order points with an all-zero output.
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}

// TripleDH combines three X25519 agreements between an initiator (i) and a
// responder (r): DH(eph_i, long_r) || DH(long_i, eph_r) || DH(eph_i, eph_r).
// Each side passes its own pairs and the peer's public keys; both obtain the same bytes.
// No signature is involved, so a transcript proves nothing about either long-term key.
func TripleDH(initiator bool, myLong, myEph X25519KeyPair, theirLong, theirEph [32]byte) ([]byte, error) {
	var a, b, c []byte
	var err error
	if initiator {
		if a, err = ECDH(myEph.PrivateKey, theirLong); err != nil {
			return nil, err
		}
		if b, err = ECDH(myLong.PrivateKey, theirEph); err != nil {
			return nil, err
		}
	} else {
		if a, err = ECDH(myLong.PrivateKey, theirEph); err != nil {
			return nil, err
		}
		if b, err = ECDH(myEph.PrivateKey, theirLong); err != nil {
			return nil, err
		}
	}
	if c, err = ECDH(myEph.PrivateKey, theirEph); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 96)
	out = append(out, a...)
	out = append(out, b...)
	return append(out, c...), nil
}
