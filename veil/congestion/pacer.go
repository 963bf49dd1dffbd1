package congestion

import (
	"context"

	"golang.org/x/time/rate"
)

// Burst is how many packets may leave back to back before pacing kicks in.
const Burst = 8

// Pacer spaces packets according to the controller's rate.
type Pacer struct {
	lim *rate.Limiter
}

func NewPacer(pps float64) *Pacer {
	return &Pacer{lim: rate.NewLimiter(rate.Limit(pps), Burst)}
}

// Wait blocks until the next packet may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}

// SetRate changes the packets-per-second limit.
func (p *Pacer) SetRate(pps float64) {
	if rate.Limit(pps) != p.lim.Limit() {
		p.lim.SetLimit(rate.Limit(pps))
	}
}

func (p *Pacer) Rate() float64 {
	return float64(p.lim.Limit())
}
