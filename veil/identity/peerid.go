package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// PeerID is a short, loggable handle for a long-term key.
// It is defined as: PeerID = SHA-256(PublicKey).
type PeerID [32]byte

func PeerIDFromPublicKey(publicKey PublicKey) PeerID {
	return PeerID(sha256.Sum256(publicKey[:]))
}

func ParsePeerIDHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != 32 {
		return PeerID{}, ErrInvalidKeyLength
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log lines.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}
