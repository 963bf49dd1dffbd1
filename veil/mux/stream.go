package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/TheusHen/veil/veil/congestion"
)

const (
	MinRTO = 200 * time.Millisecond
	MaxRTO = 10 * time.Second

	ackDelay = 5 * time.Millisecond
	ackEvery = 8
	// a segment is resent once a SACK covers a sequence this far past it
	fastThreshold = 3
	// most segments resent by one timeout
	rtoBurst = 8
	// minimum spacing between fast retransmissions of one segment
	minRetransmitGap = 5 * time.Millisecond
)

// State is the lifecycle position of a stream.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type segment struct {
	msg    *Message
	sentAt time.Time
	sends  int
	sacked bool
}

// Stream is a reliable ordered byte stream. It is safe for one reader and
// any number of writers; concurrent Writes do not interleave.
type Stream struct {
	m  *Multiplexer
	id uint64

	wmu sync.Mutex

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond
	state     State
	err       error
	retired   bool

	readDeadline  time.Time
	writeDeadline time.Time

	// send side
	nextSeq      uint64
	sndAck       uint64
	unacked      []*segment
	unackedBytes int
	sacked       int
	cwnd         CongestionWindow
	recover      uint64
	peerWindow   int
	finSent      bool
	blocked      bool
	est          congestion.Estimator
	rto          time.Duration
	rtoTimer     *time.Timer
	rtoGen       uint64
	rtoArmed     bool

	// receive side
	rcvNext      uint64
	reorder      map[uint64]*Message
	reorderBytes int
	readBuf      bytes.Buffer
	finRecv      bool
	advertised   int
	ackPending   int
	ackArmed     bool
	ackGen       uint64
}

// newStream starts a stream in state; one opened locally stays Idle until
// the peer answers.
func newStream(m *Multiplexer, id uint64, state State) *Stream {
	s := &Stream{
		m:          m,
		id:         id,
		state:      state,
		cwnd:       m.cfg.CongestionControl(),
		peerWindow: StreamWindow,
		advertised: StreamWindow,
		reorder:    make(map[uint64]*Message),
	}
	s.readCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)
	s.rto = s.baseRTO()
	return s
}

func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read reads in-order stream bytes. It returns io.EOF after the peer's Fin
// and ErrStreamReset, wrapped, once the stream is reset.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	for {
		if s.err != nil && errors.Is(s.err, ErrStreamReset) {
			s.mu.Unlock()
			return 0, s.err
		}
		if s.readBuf.Len() > 0 {
			break
		}
		if s.finRecv {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if s.err != nil {
			s.mu.Unlock()
			return 0, s.err
		}
		if err := s.waitLocked(s.readCond, s.readDeadline); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	n, _ := s.readBuf.Read(p)
	var update []byte
	if !s.retired && s.advertised < StreamWindow/2 && s.window() >= StreamWindow/2 {
		update = s.ackLocked()
	}
	s.mu.Unlock()
	s.m.sendCtrl(update)
	return n, nil
}

// Write sends p, blocking while the peer's window is full.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.write(p, true)
}

// TryWrite writes what fits in the peer's window without blocking. It
// returns ErrWouldBlock when nothing could be written.
func (s *Stream) TryWrite(p []byte) (int, error) {
	if !s.wmu.TryLock() {
		return 0, ErrWouldBlock
	}
	defer s.wmu.Unlock()
	n, err := s.write(p, false)
	if errors.Is(err, ErrWouldBlock) && n > 0 {
		err = nil
	}
	return n, err
}

func (s *Stream) write(p []byte, block bool) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		n, err := s.waitWindowLocked(len(p)-written, block)
		if err != nil {
			s.mu.Unlock()
			return written, err
		}
		payload := append([]byte(nil), p[written:written+n]...)
		b := s.pushSegmentLocked(KindData, payload)
		s.mu.Unlock()
		written += n
		if err := s.m.sendData(context.Background(), b); err != nil {
			return written, err
		}
	}
	return written, nil
}

// waitWindowLocked returns how many bytes, at most want, may be sent now.
// It avoids sending short segments while data is still in flight and waits
// while the congestion window is full.
func (s *Stream) waitWindowLocked(want int, block bool) (int, error) {
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.finSent {
			return 0, ErrStreamClosed
		}
		full := min(want, MSS)
		n := min(full, s.peerWindow-s.unackedBytes)
		if len(s.unacked)-s.sacked >= s.cwnd.Window() {
			n = 0
		}
		if n == full || (n > 0 && len(s.unacked) == 0) {
			return n, nil
		}
		if !block {
			return 0, ErrWouldBlock
		}
		s.blocked = true
		if len(s.unacked) == 0 && !s.rtoArmed {
			// zero window: the timer polls until it reopens
			s.setRTOLocked(s.rto)
		}
		err := s.waitLocked(s.writeCond, s.writeDeadline)
		s.blocked = false
		if err != nil {
			return 0, err
		}
	}
}

// Close sends Fin. Reads continue until the peer closes its side.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.err != nil || s.finSent {
		s.mu.Unlock()
		return nil
	}
	b := s.pushSegmentLocked(KindFin, nil)
	s.finSent = true
	s.updateStateLocked()
	s.writeCond.Broadcast()
	s.mu.Unlock()
	return s.m.sendData(context.Background(), b)
}

// Reset abandons the stream in both directions and tells the peer.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return nil
	}
	s.failLocked(ErrStreamReset)
	rst := s.m.encode(&Message{Kind: KindRst, Stream: s.id})
	ack := s.rcvNext
	s.mu.Unlock()
	s.m.sendCtrl(rst)
	s.m.retire(s, ack, true)
	return nil
}

func (s *Stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline, s.writeDeadline = t, t
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.readCond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.writeCond.Broadcast()
	s.mu.Unlock()
	return nil
}

// waitLocked waits on cond until signalled or until the deadline passes.
func (s *Stream) waitLocked(cond *sync.Cond, deadline time.Time) error {
	if deadline.IsZero() {
		cond.Wait()
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		cond.Broadcast()
		s.mu.Unlock()
	})
	cond.Wait()
	t.Stop()
	if !time.Now().Before(deadline) {
		return os.ErrDeadlineExceeded
	}
	return nil
}

func (s *Stream) abort(err error) {
	s.mu.Lock()
	s.failLocked(err)
	s.mu.Unlock()
}

func (s *Stream) failLocked(err error) {
	if s.err == nil {
		s.err = err
	}
	s.retired = true
	s.state = StateClosed
	s.stopRTOLocked()
	s.ackGen++
	s.unacked = nil
	s.unackedBytes = 0
	s.sacked = 0
	s.reorder = nil
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
}

func (s *Stream) updateStateLocked() {
	switch {
	case s.err != nil, s.finSent && s.finRecv:
		s.state = StateClosed
	case s.finSent:
		s.state = StateHalfClosedLocal
	case s.finRecv:
		s.state = StateHalfClosedRemote
	default:
		s.state = StateOpen
	}
}

func (s *Stream) window() int {
	return max(StreamWindow-s.readBuf.Len(), 0)
}

func (s *Stream) baseRTO() time.Duration {
	return min(max(s.est.RTO(), MinRTO), MaxRTO)
}

// stampLocked fills the receive-side fields every outgoing message carries.
// Any message doubles as an acknowledgement.
func (s *Stream) stampLocked(msg *Message) {
	msg.Stream = s.id
	msg.Ack = s.rcvNext
	msg.Window = uint64(s.window())
	msg.SACK = s.sackLocked()
	s.advertised = s.window()
	s.ackPending = 0
	s.ackArmed = false
	s.ackGen++
}

func (s *Stream) sackLocked() []Range {
	if len(s.reorder) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(s.reorder))
	for seq := range s.reorder {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	var out []Range
	for _, seq := range seqs {
		if n := len(out); n > 0 && out[n-1].End == seq {
			out[n-1].End++
			continue
		}
		if len(out) == MaxSACK {
			break
		}
		out = append(out, Range{Start: seq, End: seq + 1})
	}
	return out
}

func (s *Stream) ackLocked() []byte {
	msg := &Message{Kind: KindAck, Seq: s.nextSeq}
	s.stampLocked(msg)
	return s.m.encode(msg)
}

func (s *Stream) pushSegmentLocked(kind Kind, payload []byte) []byte {
	msg := &Message{Kind: kind, Seq: s.nextSeq, Payload: payload}
	s.nextSeq++
	s.unacked = append(s.unacked, &segment{msg: msg, sentAt: time.Now(), sends: 1})
	s.unackedBytes += len(payload)
	s.stampLocked(msg)
	if !s.rtoArmed {
		s.setRTOLocked(s.rto)
	}
	return s.m.encode(msg)
}

func (s *Stream) retransmitLocked(seg *segment, now time.Time) []byte {
	seg.sends++
	seg.sentAt = now
	s.stampLocked(seg.msg)
	s.m.rec.Retransmit()
	return s.m.encode(seg.msg)
}

func (s *Stream) setRTOLocked(d time.Duration) {
	if s.rtoTimer != nil {
		s.rtoTimer.Stop()
	}
	s.rtoGen++
	gen := s.rtoGen
	s.rtoTimer = time.AfterFunc(d, func() { s.onRTO(gen) })
	s.rtoArmed = true
}

func (s *Stream) stopRTOLocked() {
	if s.rtoTimer != nil {
		s.rtoTimer.Stop()
	}
	s.rtoGen++
	s.rtoArmed = false
}

func (s *Stream) armAckLocked() {
	if s.ackArmed {
		return
	}
	s.ackArmed = true
	gen := s.ackGen
	time.AfterFunc(ackDelay, func() { s.onAckTimer(gen) })
}

func (s *Stream) onAckTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.ackGen || s.ackPending == 0 || s.retired {
		s.mu.Unlock()
		return
	}
	b := s.ackLocked()
	s.mu.Unlock()
	s.m.sendCtrl(b)
}

func (s *Stream) onRTO(gen uint64) {
	s.mu.Lock()
	if gen != s.rtoGen || s.retired {
		s.mu.Unlock()
		return
	}
	s.rtoArmed = false

	if len(s.unacked) == 0 {
		var poll []byte
		if s.blocked {
			msg := &Message{Kind: KindPoll, Seq: s.nextSeq}
			s.stampLocked(msg)
			poll = s.m.encode(msg)
			s.setRTOLocked(s.rto)
		}
		s.mu.Unlock()
		s.m.sendCtrl(poll)
		return
	}

	first := s.unacked[0]
	for _, seg := range s.unacked {
		if !seg.sacked {
			first = seg
			break
		}
	}
	if first.sends > MaxRetransmits {
		s.failLocked(fmt.Errorf("%w: %w", ErrStreamReset, ErrTooManyRetransmits))
		rst := s.m.encode(&Message{Kind: KindRst, Stream: s.id})
		ack := s.rcvNext
		s.mu.Unlock()
		s.m.trace.Event("stream=%d gave up after %d sends", s.id, first.sends)
		s.m.sendCtrl(rst)
		s.m.retire(s, ack, true)
		return
	}

	s.cwnd.OnTimeout()
	s.recover = s.nextSeq
	burst := min(rtoBurst, s.cwnd.Window())

	now := time.Now()
	expired := s.rto
	var out [][]byte
	for _, seg := range s.unacked {
		if seg.sacked {
			continue
		}
		if seg != first && now.Sub(seg.sentAt) < expired {
			continue
		}
		out = append(out, s.retransmitLocked(seg, now))
		if len(out) == burst {
			break
		}
	}
	s.rto = min(s.rto*2, MaxRTO)
	s.setRTOLocked(s.rto)
	s.mu.Unlock()
	for _, b := range out {
		s.m.sendCtrl(b)
	}
}

// handle processes one message from the peer.
func (s *Stream) handle(msg *Message) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	if msg.Kind == KindRst {
		s.failLocked(ErrStreamReset)
		ack := s.rcvNext
		s.mu.Unlock()
		s.m.retire(s, ack, true)
		return
	}

	now := time.Now()
	out := s.onAckLocked(msg, now)
	if s.state == StateIdle {
		s.updateStateLocked()
	}
	switch msg.Kind {
	case KindSyn, KindData, KindFin:
		out = s.onSegmentLocked(msg, out)
	case KindPoll:
		out = append(out, s.ackLocked())
	}

	done := s.finSent && s.finRecv && len(s.unacked) == 0
	if done {
		s.retired = true
		s.stopRTOLocked()
	}
	ack := s.rcvNext
	s.mu.Unlock()

	for _, b := range out {
		s.m.sendCtrl(b)
	}
	if done {
		s.m.retire(s, ack, false)
	}
}

func (s *Stream) onAckLocked(msg *Message, now time.Time) [][]byte {
	var out [][]byte
	if msg.Ack > s.nextSeq || msg.Ack < s.sndAck {
		return nil
	}
	progressed := false
	acked := 0
	for len(s.unacked) > 0 && s.unacked[0].msg.Seq < msg.Ack {
		seg := s.unacked[0]
		// Karn: only segments sent once give an unambiguous sample
		if seg.sends == 1 && !seg.sacked {
			s.est.ObserveRTT(now.Sub(seg.sentAt))
		}
		if seg.sacked {
			s.sacked--
		} else {
			acked++
		}
		s.unackedBytes -= len(seg.msg.Payload)
		s.unacked[0] = nil
		s.unacked = s.unacked[1:]
		progressed = true
	}
	s.sndAck = msg.Ack
	s.peerWindow = int(min(msg.Window, 1<<30))

	var highest uint64
	for _, r := range msg.SACK {
		for _, seg := range s.unacked {
			if seg.sacked || seg.msg.Seq < r.Start || seg.msg.Seq >= r.End {
				continue
			}
			seg.sacked = true
			s.sacked++
			acked++
			if seg.sends == 1 {
				s.est.ObserveRTT(now.Sub(seg.sentAt))
			}
			progressed = true
		}
		highest = max(highest, r.End-1)
	}

	if acked > 0 {
		s.cwnd.OnAck(acked)
	}

	if len(msg.SACK) > 0 {
		gap := max(s.est.SRTT(), minRetransmitGap)
		for _, seg := range s.unacked {
			if seg.msg.Seq+fastThreshold > highest || len(out) == rtoBurst {
				break
			}
			if seg.sacked || now.Sub(seg.sentAt) < gap {
				continue
			}
			if seg.msg.Seq >= s.recover {
				s.cwnd.OnLoss()
				s.recover = s.nextSeq
			}
			out = append(out, s.retransmitLocked(seg, now))
		}
	}

	if progressed {
		s.rto = s.baseRTO()
		if len(s.unacked) == 0 {
			s.stopRTOLocked()
		} else {
			s.setRTOLocked(s.rto)
		}
	}
	s.writeCond.Broadcast()
	return out
}

func (s *Stream) onSegmentLocked(msg *Message, out [][]byte) [][]byte {
	switch {
	case msg.Seq < s.rcvNext:
		// our acknowledgement was lost
		return append(out, s.ackLocked())
	case msg.Seq > s.rcvNext:
		if _, dup := s.reorder[msg.Seq]; !dup && s.readBuf.Len()+s.reorderBytes+len(msg.Payload) <= 2*StreamWindow {
			s.reorder[msg.Seq] = msg
			s.reorderBytes += len(msg.Payload)
		}
		return append(out, s.ackLocked())
	}

	filled := len(s.reorder) > 0
	s.acceptLocked(msg)
	for {
		next, ok := s.reorder[s.rcvNext]
		if !ok {
			break
		}
		delete(s.reorder, s.rcvNext)
		s.reorderBytes -= len(next.Payload)
		s.acceptLocked(next)
	}
	s.ackPending++

	switch {
	case msg.Kind == KindSyn:
		synAck := &Message{Kind: KindSynAck, Seq: s.nextSeq}
		s.stampLocked(synAck)
		out = append(out, s.m.encode(synAck))
	case filled, s.finRecv, s.ackPending >= ackEvery:
		out = append(out, s.ackLocked())
	default:
		s.armAckLocked()
	}
	return out
}

func (s *Stream) acceptLocked(msg *Message) {
	s.rcvNext++
	switch msg.Kind {
	case KindData:
		s.readBuf.Write(msg.Payload)
	case KindFin:
		s.finRecv = true
		s.updateStateLocked()
	}
	s.readCond.Broadcast()
}
