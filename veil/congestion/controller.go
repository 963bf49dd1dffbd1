package congestion

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	InitialRate = 2000.0
	MinRate     = 64.0
	MaxRate     = 100000.0

	// an RTT sample counts as inflated when the short-term RTT exceeds
	// baseline*inflationRatio + inflationSlack
	inflationRatio = 1.25
	inflationSlack = 2 * time.Millisecond
	shortGain      = 0.25

	// SustainedSamples is how many consecutive inflated decisions trigger a decrease.
	SustainedSamples = 4

	decreaseFactor = 0.8
	increaseFactor = 1.05
	increaseFloor  = 8.0

	minDecisionGap = 10 * time.Millisecond
)

// Signal is the controller's reading of the link.
type Signal int

const (
	Clear Signal = iota
	LinkLoss
	Congestion
)

func (s Signal) String() string {
	switch s {
	case Clear:
		return "clear"
	case LinkLoss:
		return "link-loss"
	case Congestion:
		return "congestion"
	default:
		return "unknown"
	}
}

// Controller sets the send rate in packets per second. It owns the session's
// Estimator; the receive path feeds samples through OnRTT and OnLoss and the
// send path reads Rate.
type Controller struct {
	est Estimator

	mu       sync.Mutex
	rate     float64
	short    time.Duration
	inflated int
	last     time.Time
	signal   Signal
}

func NewController() *Controller {
	return &Controller{rate: InitialRate}
}

// OnLoss records a loss fraction reported by the peer. It never changes the rate.
func (c *Controller) OnLoss(loss float64) {
	c.est.ObserveLoss(loss)
}

// OnRTT records an RTT sample taken at now and, at most once per smoothed
// RTT, adjusts the rate.
func (c *Controller) OnRTT(rtt time.Duration, now time.Time) {
	c.est.ObserveRTT(rtt)
	base := c.est.MinRTT()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.short == 0 {
		c.short = rtt
	} else {
		c.short += time.Duration(shortGain * float64(rtt-c.short))
	}
	if !c.last.IsZero() && now.Sub(c.last) < max(c.est.SRTT(), minDecisionGap) {
		return
	}
	c.last = now

	threshold := time.Duration(inflationRatio*float64(base)) + inflationSlack
	if c.short > threshold {
		c.inflated++
	} else {
		c.inflated = 0
	}

	switch {
	case c.inflated >= SustainedSamples:
		c.inflated = 0
		c.rate = max(c.rate*decreaseFactor, MinRate)
		c.signal = Congestion
		log.Debug().Dur("short", c.short).Dur("base", base).Float64("rate", c.rate).Msg("congestion: queue building, slowing down")
	case c.inflated == 0:
		c.rate = min(max(c.rate*increaseFactor, c.rate+increaseFloor), MaxRate)
		if c.est.Loss() > 0.01 {
			c.signal = LinkLoss
		} else {
			c.signal = Clear
		}
	}
}

// Rate returns the current send rate in packets per second.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Classify returns the last reading of the link.
func (c *Controller) Classify() Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Loss returns the smoothed loss fraction.
func (c *Controller) Loss() float64 { return c.est.Loss() }

// SRTT returns the smoothed round-trip time.
func (c *Controller) SRTT() time.Duration { return c.est.SRTT() }

// MinRTT returns the baseline round-trip time.
func (c *Controller) MinRTT() time.Duration { return c.est.MinRTT() }

// RTO returns the retransmission timeout derived from the estimator.
func (c *Controller) RTO() time.Duration { return c.est.RTO() }
