package fec

import (
	"math"
	"sync"
	"time"
)

const (
	// TuneInterval is how often the tuner refreshes its loss snapshot.
	TuneInterval = 250 * time.Millisecond

	MinBatch = 1
	MaxBatch = 48
)

// BatchSizeFor picks the number of data frames per batch. Clean links get
// small batches so parity follows quickly; lossy links get large ones so the
// same residual loss costs less parity.
func BatchSizeFor(loss float64) int {
	switch {
	case loss < 0.01:
		return 4
	case loss < 0.05:
		return 8
	case loss < 0.15:
		return 16
	case loss < 0.30:
		return 32
	default:
		return MaxBatch
	}
}

// ParityFor returns the smallest r such that a batch of k data and r parity
// frames, each lost independently with probability loss, fails to decode with
// probability at most target. r never exceeds k or the code's shard limit.
func ParityFor(k int, loss, target float64) int {
	if k <= 0 || loss <= 0 {
		return 0
	}
	limit := min(k, MaxShards-k)
	if loss >= 1 {
		return limit
	}
	for r := 0; r < limit; r++ {
		if binomialTail(k+r, r, loss) <= target*(1+1e-9) {
			return r
		}
	}
	return limit
}

// binomialTail returns P[X > r] for X ~ Binomial(n, p).
func binomialTail(n, r int, p float64) float64 {
	lp, lq := math.Log(p), math.Log1p(-p)
	cdf := 0.0
	for i := 0; i <= r; i++ {
		cdf += math.Exp(logChoose(n, i) + float64(i)*lp + float64(n-i)*lq)
	}
	return math.Max(0, 1-cdf)
}

func logChoose(n, k int) float64 {
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n - k + 1))
	return a - b - c
}

// Tuner turns the loss estimate into batch parameters. It refreshes at most
// every TuneInterval so that parity does not thrash with every sample.
type Tuner struct {
	mu       sync.Mutex
	target   float64
	lossFn   func() float64
	interval time.Duration
	now      func() time.Time

	last time.Time
	loss float64
}

// NewTuner creates a tuner aiming for the given residual loss. lossFn reads
// the current loss estimate; it is the tuner's only view of it.
func NewTuner(target float64, lossFn func() float64) *Tuner {
	return &Tuner{target: target, lossFn: lossFn, interval: TuneInterval, now: time.Now}
}

func (t *Tuner) refresh() {
	now := t.now()
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.loss = t.lossFn()
		t.last = now
	}
}

// Params returns the batch size and parity count for a full batch.
func (t *Tuner) Params() (k, r int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refresh()
	k = BatchSizeFor(t.loss)
	return k, ParityFor(k, t.loss, t.target)
}

// ParityFor returns the parity count for a batch of k frames, e.g. a partial
// batch closed by a flush.
func (t *Tuner) ParityFor(k int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refresh()
	return ParityFor(k, t.loss, t.target)
}

// Loss returns the loss snapshot the current parameters derive from.
func (t *Tuner) Loss() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refresh()
	return t.loss
}
