package session

import (
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	ReplayExpiry = 10 * time.Minute

	// MaxClockSkew bounds how far a ClientHello timestamp may be from the
	// responder's clock. It is well inside ReplayExpiry so that a hello is
	// remembered for as long as it could be accepted.
	MaxClockSkew = 2 * time.Minute
)

type guardEntry struct {
	addr  string
	reply []byte
}

// ReplayGuard remembers the ephemeral keys of recent ClientHellos. A repeated
// hello from the address that first sent it is a retransmission and gets the
// same reply; from anywhere else it is a replay and gets nothing.
type ReplayGuard struct {
	seen *cache.Cache
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: cache.New(ReplayExpiry, time.Minute)}
}

// Lookup reports whether eph was seen before and, if it was seen from addr,
// the reply that was sent.
func (g *ReplayGuard) Lookup(eph [32]byte, addr string) (reply []byte, seen bool) {
	v, ok := g.seen.Get(string(eph[:]))
	if !ok {
		return nil, false
	}
	e := v.(*guardEntry)
	if e.addr != addr {
		return nil, true
	}
	return e.reply, true
}

// Remember records the reply sent for eph. It returns false if eph was
// already recorded.
func (g *ReplayGuard) Remember(eph [32]byte, addr string, reply []byte) bool {
	return g.seen.Add(string(eph[:]), &guardEntry{addr: addr, reply: reply}, cache.DefaultExpiration) == nil
}

// Len returns the number of remembered hellos.
func (g *ReplayGuard) Len() int { return g.seen.ItemCount() }
