package congestion

import (
	"time"
)

const (
	// GapTimeout is how long a missing packet number may stay missing before it counts as lost.
	GapTimeout = time.Second

	lossWindow = 1024
	maxGaps    = 8192
)

// LossMeter measures the loss of incoming packets from gaps in their packet
// numbers. Reordered packets that fill a gap within GapTimeout are not lost.
// Not safe for concurrent use.
type LossMeter struct {
	started bool
	highest uint64
	gaps    map[uint64]time.Time

	outcomes [lossWindow]bool
	oIdx     int
	oLen     int
	lost     int
}

func NewLossMeter() *LossMeter {
	return &LossMeter{gaps: make(map[uint64]time.Time)}
}

func (m *LossMeter) push(lost bool) {
	if m.oLen == lossWindow {
		if m.outcomes[m.oIdx] {
			m.lost--
		}
	} else {
		m.oLen++
	}
	m.outcomes[m.oIdx] = lost
	if lost {
		m.lost++
	}
	m.oIdx = (m.oIdx + 1) % lossWindow
}

// Record notes that packet seq arrived at now.
func (m *LossMeter) Record(seq uint64, now time.Time) {
	switch {
	case !m.started:
		m.started = true
		m.highest = seq
	case seq > m.highest:
		if seq-m.highest > maxGaps {
			// too large to be reordering; count the jump once
			m.push(true)
		} else {
			for s := m.highest + 1; s < seq; s++ {
				m.gaps[s] = now
			}
		}
		m.highest = seq
	default:
		if _, ok := m.gaps[seq]; !ok {
			return
		}
		delete(m.gaps, seq)
	}
	m.push(false)
}

// Expire turns gaps older than GapTimeout into losses.
func (m *LossMeter) Expire(now time.Time) {
	for seq, since := range m.gaps {
		if now.Sub(since) >= GapTimeout {
			delete(m.gaps, seq)
			m.push(true)
		}
	}
}

// Loss returns the lost fraction over the recent window.
func (m *LossMeter) Loss() float64 {
	if m.oLen == 0 {
		return 0
	}
	return float64(m.lost) / float64(m.oLen)
}

// Hint scales Loss to a byte for the wire.
func (m *LossMeter) Hint() uint8 {
	return uint8(m.Loss()*255 + 0.5)
}

// Highest returns the highest packet number seen.
func (m *LossMeter) Highest() uint64 { return m.highest }

// HintToLoss converts a wire hint back to a fraction.
func HintToLoss(h uint8) float64 { return float64(h) / 255 }
