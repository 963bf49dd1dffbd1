package congestion

import (
	"sync"
	"time"
)

const (
	// RFC 6298 constants, as fractions.
	rttAlpha = 0.125
	rttBeta  = 0.25
	lossGain = 0.125

	minRTTWindow = 512

	MinRTO = 100 * time.Millisecond
	MaxRTO = 60 * time.Second
)

// Estimator tracks loss and round-trip time. Writers are the owning session's
// receive path only; any goroutine may read.
type Estimator struct {
	mu sync.RWMutex

	loss    float64
	hasLoss bool

	srtt   time.Duration
	rttVar time.Duration
	hasRTT bool

	window [minRTTWindow]time.Duration
	wIdx   int
	wLen   int
	minRTT time.Duration
}

// ObserveLoss folds a loss fraction reported by the peer into the EWMA.
func (e *Estimator) ObserveLoss(loss float64) {
	loss = min(max(loss, 0), 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasLoss {
		e.loss = loss
		e.hasLoss = true
		return
	}
	e.loss += lossGain * (loss - e.loss)
}

// ObserveRTT folds an RTT sample into SRTT/RTTVAR and the windowed minimum.
func (e *Estimator) ObserveRTT(rtt time.Duration) {
	if rtt <= 0 {
		rtt = time.Microsecond
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasRTT {
		e.srtt = rtt
		e.rttVar = rtt / 2
		e.hasRTT = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttVar = time.Duration((1-rttBeta)*float64(e.rttVar) + rttBeta*float64(diff))
		e.srtt = time.Duration((1-rttAlpha)*float64(e.srtt) + rttAlpha*float64(rtt))
	}

	e.window[e.wIdx] = rtt
	e.wIdx = (e.wIdx + 1) % minRTTWindow
	if e.wLen < minRTTWindow {
		e.wLen++
	}
	if rtt <= e.minRTT || e.minRTT == 0 {
		e.minRTT = rtt
		return
	}
	// recompute only once the previous minimum may have left the window
	if e.wLen == minRTTWindow {
		m := e.window[0]
		for _, v := range e.window[1:] {
			m = min(m, v)
		}
		e.minRTT = m
	}
}

func (e *Estimator) Loss() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loss
}

func (e *Estimator) SRTT() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.srtt
}

// MinRTT is the smallest sample among the most recent ones; the queue-free baseline.
func (e *Estimator) MinRTT() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minRTT
}

// RTO returns SRTT + 4*RTTVAR clamped to [MinRTO, MaxRTO], or 1s before any sample.
func (e *Estimator) RTO() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.hasRTT {
		return time.Second
	}
	return min(max(e.srtt+4*e.rttVar, MinRTO), MaxRTO)
}
