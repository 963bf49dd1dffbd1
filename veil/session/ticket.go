package session

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/TheusHen/veil/veil/crypto"
)

var (
	ErrTicketExpired = errors.New("session: ticket expired")
	ErrTicketInvalid = errors.New("session: ticket invalid")
)

const (
	TicketKeySize  = 32
	TicketLifetime = 60 * time.Second
)

// Ticket carries the responder's half of a handshake through the client, so
// that the responder keeps no state until the ClientFinish arrives.
type Ticket struct {
	ID        [16]byte `cbor:"1,keyasint"`
	Up        []byte   `cbor:"2,keyasint"`
	Down      []byte   `cbor:"3,keyasint"`
	Obfs      []byte   `cbor:"4,keyasint"`
	ClientEph [32]byte `cbor:"5,keyasint"`
	ServerEph [32]byte `cbor:"6,keyasint"`
	ExpiresAt int64    `cbor:"7,keyasint"`
}

// Keys returns the session keys recorded in the ticket.
func (t *Ticket) Keys() crypto.SessionKeys {
	return crypto.SessionKeys{Up: t.Up, Down: t.Down, Obfs: t.Obfs}
}

// TicketStore seals and opens tickets under a key only the responder knows.
type TicketStore struct {
	key [TicketKeySize]byte
	now func() time.Time
}

// NewTicketStore creates a ticket store with a random key.
func NewTicketStore() (*TicketStore, error) {
	ts := &TicketStore{now: time.Now}
	if _, err := rand.Read(ts.key[:]); err != nil {
		return nil, err
	}
	return ts, nil
}

// NewTicketStoreWithKey creates a ticket store with a specific key, so that
// several responders can accept each other's tickets.
func NewTicketStoreWithKey(key [TicketKeySize]byte) *TicketStore {
	return &TicketStore{key: key, now: time.Now}
}

// Issue creates a ticket for keys derived from the given ephemerals.
func (ts *TicketStore) Issue(keys crypto.SessionKeys, clientEph, serverEph [32]byte) (*Ticket, error) {
	t := &Ticket{
		Up:        keys.Up,
		Down:      keys.Down,
		Obfs:      keys.Obfs,
		ClientEph: clientEph,
		ServerEph: serverEph,
		ExpiresAt: ts.now().Add(TicketLifetime).UnixNano(),
	}
	if _, err := rand.Read(t.ID[:]); err != nil {
		return nil, err
	}
	return t, nil
}

// Seal encrypts a ticket for the wire.
func (ts *TicketStore) Seal(t *Ticket) ([]byte, error) {
	plain, err := cbor.Marshal(t)
	if err != nil {
		return nil, err
	}
	return crypto.SealBox(ts.key[:], plain, nil)
}

// Open decrypts and validates a sealed ticket.
func (ts *TicketStore) Open(b []byte) (*Ticket, error) {
	plain, err := crypto.OpenBox(ts.key[:], b, nil)
	if err != nil {
		return nil, ErrTicketInvalid
	}
	t := &Ticket{}
	if err := cbor.Unmarshal(plain, t); err != nil {
		return nil, ErrTicketInvalid
	}
	if len(t.Up) != 32 || len(t.Down) != 32 || len(t.Obfs) != 32 {
		return nil, ErrTicketInvalid
	}
	if ts.now().UnixNano() > t.ExpiresAt {
		return nil, ErrTicketExpired
	}
	return t, nil
}
