package obfs

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// MaxPacket is the largest wire packet the framer will produce through padding.
// Unpadded packets may be larger if the frame itself is.
const MaxPacket = 1452

// Profile shapes padding: the padded plaintext is rounded up to a multiple of
// Align after adding a uniformly random MinRandom..MaxRandom bytes.
type Profile struct {
	Name      string
	Align     int
	MinRandom int
	MaxRandom int
}

var profiles = map[string]Profile{
	"default": {Name: "default", Align: 32, MinRandom: 0, MaxRandom: 10},
	"minimal": {Name: "minimal", Align: 16, MinRandom: 0, MaxRandom: 0},
	"heavy":   {Name: "heavy", Align: 64, MinRandom: 0, MaxRandom: 256},
}

// DefaultProfile is used when no profile is configured.
var DefaultProfile = profiles["default"]

// LookupProfile returns the profile registered under name. Empty selects the default.
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		return DefaultProfile, nil
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("obfs: unknown padding profile %q (have %v)", name, ProfileNames())
	}
	return p, nil
}

// ProfileNames lists registered profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PadLen returns how many padding bytes to add to n bytes of plaintext so
// that, with overhead bytes of encryption, the packet stays within limit.
func (p Profile) PadLen(n, overhead, limit int) int {
	extra := p.MinRandom
	if p.MaxRandom > p.MinRandom {
		extra += rand.IntN(p.MaxRandom - p.MinRandom + 1)
	}
	total := n + extra
	if p.Align > 1 {
		total += p.Align - total%p.Align
	}
	if total+overhead > limit {
		total = max(n, limit-overhead)
	}
	return total - n
}

// Pad appends zero padding to b as PadLen prescribes.
func (p Profile) Pad(b []byte, overhead int) []byte {
	pad := p.PadLen(len(b), overhead, MaxPacket)
	return append(b, make([]byte, pad)...)
}
