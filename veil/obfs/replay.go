package obfs

const (
	// ReplayWindow is how far behind the highest accepted sequence number a
	// packet may arrive and still be accepted.
	ReplayWindow = 10000

	ringBits  = 16384
	ringWords = ringBits / 64
)

// ReplayFilter remembers which sequence numbers were accepted recently.
// Check is cheap and runs before decryption; Mark runs only after a packet
// authenticated, so forged headers cannot move the window.
// Not safe for concurrent use.
type ReplayFilter struct {
	started bool
	highest uint64
	ring    [ringWords]uint64
}

func bitPos(seq uint64) (int, uint64) {
	i := seq % ringBits
	return int(i / 64), 1 << (i % 64)
}

// Check reports whether seq would be accepted.
func (f *ReplayFilter) Check(seq uint64) bool {
	if !f.started || seq > f.highest {
		return true
	}
	if f.highest-seq >= ReplayWindow {
		return false
	}
	w, b := bitPos(seq)
	return f.ring[w]&b == 0
}

// Mark records seq as accepted. It returns false if seq was a replay.
func (f *ReplayFilter) Mark(seq uint64) bool {
	if !f.Check(seq) {
		return false
	}
	switch {
	case !f.started:
		f.started = true
		f.highest = seq
	case seq > f.highest:
		if seq-f.highest >= ringBits {
			f.ring = [ringWords]uint64{}
		} else {
			for s := f.highest + 1; s < seq; s++ {
				w, b := bitPos(s)
				f.ring[w] &^= b
			}
		}
		f.highest = seq
	}
	w, b := bitPos(seq)
	f.ring[w] |= b
	return true
}
