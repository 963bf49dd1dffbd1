package identity

import (
	"encoding/hex"
	"errors"

	"github.com/TheusHen/veil/veil/crypto"
)

var (
	ErrInvalidKeyLength = errors.New("identity: invalid key length")
)

// PublicKey is a long-term X25519 public key, distributed out-of-band to clients.
type PublicKey [32]byte

// KeyPair holds the long-term X25519 keypair of a responder.
// It is only ever used inside triple key agreement, never to sign anything.
type KeyPair struct {
	PublicKey  PublicKey
	PrivateKey [32]byte
}

func GenerateKeyPair() (KeyPair, error) {
	kp, err := crypto.GenerateX25519()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}, nil
}

// NewKeyPair rebuilds a keypair from its private half.
func NewKeyPair(privateKey []byte) (KeyPair, error) {
	if len(privateKey) != 32 {
		return KeyPair{}, ErrInvalidKeyLength
	}
	var priv [32]byte
	copy(priv[:], privateKey)
	kp := crypto.X25519FromPrivate(priv)
	return KeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}, nil
}

// ParsePrivateKeyHex rebuilds a keypair from a hex-encoded private key.
func ParsePrivateKeyHex(s string) (KeyPair, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return KeyPair{}, err
	}
	return NewKeyPair(b)
}

func (kp KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(kp.PublicKey)
}

// X25519 returns the pair in the form the crypto package consumes.
func (kp KeyPair) X25519() crypto.X25519KeyPair {
	return crypto.X25519KeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}
}

// PrivateKeyHex encodes the private key for configuration files.
func (kp KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.PrivateKey[:])
}

func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, err
	}
	if len(b) != 32 {
		return PublicKey{}, ErrInvalidKeyLength
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}
