package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionInfo = "veil-session-v1"
	cookieC2S   = "veil-cookie-c2s"
	cookieS2C   = "veil-cookie-s2c"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SessionKeys are the symmetric keys of one session.
// Up carries initiator->responder traffic, Down the reverse. Obfs keys the sequence number mask.
type SessionKeys struct {
	Up   []byte
	Down []byte
	Obfs []byte
}

// DeriveSessionKeys derives the directional keys from the handshake secret.
// The salt is both ephemeral public keys, binding the keys to this handshake instance.
func DeriveSessionKeys(sharedSecret []byte, initiatorEph, responderEph [32]byte) (SessionKeys, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, initiatorEph[:]...)
	salt = append(salt, responderEph[:]...)

	keyMaterial, err := DeriveKey(sharedSecret, salt, []byte(sessionInfo), 96)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{
		Up:   keyMaterial[:32],
		Down: keyMaterial[32:64],
		Obfs: keyMaterial[64:96],
	}, nil
}

// CookieKeys derives the keys that hide handshake messages from anyone who
// does not know the responder's long-term public key. epoch is a coarse clock
// (hours since the Unix epoch) so that the keys rotate.
func CookieKeys(responderPub [32]byte, epoch uint64) (c2s, s2c []byte, err error) {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], epoch)
	c2s, err = DeriveKey(responderPub[:], salt[:], []byte(cookieC2S), 32)
	if err != nil {
		return nil, nil, err
	}
	s2c, err = DeriveKey(responderPub[:], salt[:], []byte(cookieS2C), 32)
	if err != nil {
		return nil, nil, err
	}
	return c2s, s2c, nil
}
