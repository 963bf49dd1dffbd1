package mux

const (
	// InitialWindow is the congestion window of a new stream, in segments.
	InitialWindow = 6
	// MaxWindow caps the congestion window at what the receive window can hold.
	MaxWindow = StreamWindow / MSS

	minWindow = 2
)

// CongestionWindow bounds how many segments of one stream are in flight.
// The session below paces the packets; the window keeps one stream from
// queueing far more than the path carries.
type CongestionWindow interface {
	// Window is the number of unacknowledged segments allowed.
	Window() int
	// OnAck reports segments newly acknowledged, cumulatively or by SACK.
	OnAck(segments int)
	// OnLoss reports a fast retransmission, once per window of data.
	OnLoss()
	// OnTimeout reports a retransmission timeout.
	OnTimeout()
}

// SlowStart doubles its window every round trip up to a threshold, then
// adds one segment per window acknowledged. Only a timeout shrinks it:
// isolated losses on a lossy link are repaired without backing off.
type SlowStart struct {
	cwnd     int
	ssthresh int
	credit   int
}

func NewSlowStart() *SlowStart {
	return &SlowStart{cwnd: InitialWindow, ssthresh: MaxWindow}
}

func (w *SlowStart) Window() int { return w.cwnd }

func (w *SlowStart) OnAck(segments int) {
	for ; segments > 0 && w.cwnd < MaxWindow; segments-- {
		if w.cwnd < w.ssthresh {
			w.cwnd++
			continue
		}
		w.credit++
		if w.credit >= w.cwnd {
			w.credit = 0
			w.cwnd++
		}
	}
}

func (w *SlowStart) OnLoss() {}

func (w *SlowStart) OnTimeout() {
	w.ssthresh = max(w.cwnd/2, minWindow)
	w.cwnd = w.ssthresh
	w.credit = 0
}

// Reno is SlowStart that also halves its window on every loss event.
type Reno struct {
	SlowStart
}

func NewReno() *Reno {
	return &Reno{SlowStart: *NewSlowStart()}
}

func (w *Reno) OnLoss() { w.OnTimeout() }
