package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/congestion"
	"github.com/TheusHen/veil/veil/crypto"
	"github.com/TheusHen/veil/veil/fec"
	"github.com/TheusHen/veil/veil/obfs"
	"github.com/TheusHen/veil/veil/protocol"
	"github.com/TheusHen/veil/veil/stats"
)

const (
	// MaxDatagram is the largest body SendBytes accepts. With frame headers,
	// the FEC shard header and encryption it still fits obfs.MaxPacket.
	MaxDatagram = 1280

	SessionTimeout    = 60 * time.Second
	KeepaliveInterval = 5 * time.Second

	// ViolationLimit is how many packets in a row may fail to open before
	// the session gives up on its peer.
	ViolationLimit = 4096

	DefaultTargetLoss = 0.01

	ackInterval    = 20 * time.Millisecond
	flushInterval  = 10 * time.Millisecond
	expireInterval = 50 * time.Millisecond
	closeRepeats   = 3

	sendQueueLen = 256
	recvQueueLen = 1024
	sentRing     = 4096
)

var (
	ErrSessionClosed  = errors.New("session: closed")
	ErrSessionTimeout = errors.New("session: idle timeout")
	ErrPeerClosed     = errors.New("session: closed by peer")
	ErrViolations     = errors.New("session: too many invalid packets")
	ErrTooLarge       = errors.New("session: datagram too large")
)

type Config struct {
	// TargetLoss is the residual loss the FEC parity is sized for.
	TargetLoss float64
	Profile    obfs.Profile
	// IdleTimeout closes the session after this long without a valid
	// packet from the peer. Zero means SessionTimeout.
	IdleTimeout time.Duration
	// Recorder may be nil.
	Recorder *stats.Recorder
}

func (c Config) withDefaults() Config {
	if c.TargetLoss <= 0 || c.TargetLoss >= 1 {
		c.TargetLoss = DefaultTargetLoss
	}
	if c.Profile.Name == "" {
		c.Profile = obfs.DefaultProfile
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = SessionTimeout
	}
	if c.Recorder == nil {
		c.Recorder = (*stats.Metrics)(nil).NewRecorder()
	}
	return c
}

type sentRecord struct {
	seq uint64
	at  time.Time
	ok  bool
}

type peerAddr struct{ net.Addr }

// Session is one established encrypted channel. The owner feeds it inbound
// packets through Input; the session writes to the PacketConn itself.
//
// Congestion and FEC receive state is mutated only under recvMu by Input and
// the expiry loop. The send loop owns the FEC encoder.
type Session struct {
	initiator bool
	pc        net.PacketConn
	peer      atomic.Pointer[peerAddr]

	framer *obfs.Framer
	tuner  *fec.Tuner
	cc     *congestion.Controller
	pacer  *congestion.Pacer
	rec    *stats.Recorder

	enc     *fec.Encoder
	dataSeq uint64

	sentMu   sync.Mutex
	sent     [sentRing]sentRecord
	lastSend atomic.Int64
	// keepalive is KeepaliveInterval, shortened to fit a short idle timeout
	keepalive time.Duration

	sendQ chan []byte
	recvQ chan []byte

	recvMu     sync.Mutex
	dec        *fec.Decoder
	meter      *congestion.LossMeter
	delivered  obfs.ReplayFilter
	acked      uint64
	violations int
	lastValid  time.Time
	timeout    time.Duration

	highRecv   atomic.Uint64
	highRecvAt atomic.Int64
	lossHint   atomic.Uint32
	ackDue     atomic.Bool

	confirmed   chan struct{}
	confirmOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// New starts a session with peer over pc using keys from a completed handshake.
func New(pc net.PacketConn, peer net.Addr, keys crypto.SessionKeys, initiator bool, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	ch, err := crypto.NewChannel(keys, initiator)
	if err != nil {
		return nil, err
	}
	codec := fec.NewCodec()
	cc := congestion.NewController()
	tuner := fec.NewTuner(cfg.TargetLoss, cc.Loss)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		initiator: initiator,
		pc:        pc,
		framer:    obfs.NewFramer(ch, cfg.Profile),
		tuner:     tuner,
		cc:        cc,
		pacer:     congestion.NewPacer(cc.Rate()),
		rec:       cfg.Recorder,
		enc:       fec.NewEncoder(codec, tuner),
		sendQ:     make(chan []byte, sendQueueLen),
		recvQ:     make(chan []byte, recvQueueLen),
		dec:       fec.NewDecoder(codec),
		meter:     congestion.NewLossMeter(),
		lastValid: time.Now(),
		timeout:   cfg.IdleTimeout,
		keepalive: min(KeepaliveInterval, cfg.IdleTimeout/3),
		confirmed: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.SetPeer(peer)
	s.lastSend.Store(time.Now().UnixNano())
	s.rec.Opened()

	s.wg.Add(2)
	go s.sendLoop()
	go s.expireLoop()
	return s, nil
}

// Peer returns the address packets are sent to.
func (s *Session) Peer() net.Addr { return s.peer.Load().Addr }

// SetPeer moves the session to a new address.
func (s *Session) SetPeer(addr net.Addr) { s.peer.Store(&peerAddr{addr}) }

func (s *Session) Initiator() bool { return s.initiator }

// Confirmed is closed once the first authenticated packet arrives.
func (s *Session) Confirmed() <-chan struct{} { return s.confirmed }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns why the session ended, or nil while it is running.
func (s *Session) Err() error {
	select {
	case <-s.ctx.Done():
		return s.err
	default:
		return nil
	}
}

// SendBytes queues one datagram. It blocks while the send queue is full.
func (s *Session) SendBytes(ctx context.Context, b []byte) error {
	if len(b) > MaxDatagram {
		return ErrTooLarge
	}
	if err := s.Err(); err != nil {
		return err
	}
	b = append([]byte(nil), b...)
	select {
	case s.sendQ <- b:
		return nil
	case <-s.ctx.Done():
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvBytes returns the next datagram delivered by the peer.
func (s *Session) RecvBytes(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.recvQ:
		return b, nil
	case <-s.ctx.Done():
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tells the peer, best effort, and tears the session down.
func (s *Session) Close() error {
	if s.Err() == nil {
		for i := 0; i < closeRepeats; i++ {
			_ = s.emit(&protocol.ControlFrame{Op: protocol.ControlClose}, false)
		}
	}
	s.closeWith(ErrSessionClosed)
	s.wg.Wait()
	return nil
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.cancel()
		s.rec.Closed()
		log.Debug().Err(err).Stringer("peer", s.Peer()).Bool("initiator", s.initiator).Msg("session: closed")
	})
}

// Stats returns the session's counters and current link estimate.
func (s *Session) Stats() stats.Snapshot {
	snap := s.rec.Snapshot()
	snap.SendRate = s.cc.Rate()
	snap.Loss = s.cc.Loss()
	snap.SRTT = s.cc.SRTT()
	return snap
}

// RTO is the channel's retransmission timeout estimate.
func (s *Session) RTO() time.Duration { return s.cc.RTO() }

// Input processes one inbound packet from the peer address. It reports
// whether the packet belonged to this session; the caller may try other
// interpretations of one that did not.
func (s *Session) Input(pkt []byte) bool { return s.input(pkt, true) }

// InputUnbound processes a packet that arrived from an address other than
// the peer's. A packet that does not authenticate is not held against the
// session.
func (s *Session) InputUnbound(pkt []byte) bool { return s.input(pkt, false) }

func (s *Session) input(pkt []byte, bound bool) bool {
	if s.Err() != nil {
		return false
	}
	fr, seq, err := s.framer.Open(pkt)

	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if err != nil {
		if !bound {
			return false
		}
		s.rec.Drop()
		s.violations++
		if s.violations >= ViolationLimit {
			s.closeWith(ErrViolations)
		}
		return false
	}
	now := time.Now()
	s.violations = 0
	s.lastValid = now
	s.rec.PacketReceived(len(pkt))
	s.meter.Record(seq, now)
	if seq+1 > s.highRecv.Load() {
		s.highRecv.Store(seq + 1)
		s.highRecvAt.Store(now.UnixNano())
	}
	s.confirmOnce.Do(func() { close(s.confirmed) })

	switch f := fr.(type) {
	case *protocol.DataFrame:
		s.ackDue.Store(true)
		s.onFeedback(f.HighRecv, f.AckDelay, f.LossHint, now)
		s.deliver(f.Seq, f.Body)
		s.recovered(s.dec.AddData(f.Seq, f.Body))
	case *protocol.ParityFrame:
		s.ackDue.Store(true)
		s.recovered(s.dec.AddParity(f))
	case *protocol.AckFrame:
		s.onFeedback(f.HighRecv, f.AckDelay, f.LossHint, now)
	case *protocol.ControlFrame:
		if f.Op == protocol.ControlClose {
			s.closeWith(ErrPeerClosed)
		}
	}
	return true
}

func (s *Session) recovered(rs []fec.Recovered) {
	if len(rs) == 0 {
		return
	}
	s.rec.Recovered(len(rs))
	for _, r := range rs {
		s.deliver(r.Seq, r.Body)
	}
}

func (s *Session) deliver(seq uint64, body []byte) {
	if !s.delivered.Mark(seq) {
		return
	}
	select {
	case s.recvQ <- body:
	default:
		log.Debug().Uint64("seq", seq).Msg("session: receive queue full, dropping datagram")
	}
}

// onFeedback takes an RTT sample when the peer reports a packet number it
// has not reported before.
func (s *Session) onFeedback(high, delay uint64, hint uint8, now time.Time) {
	s.cc.OnLoss(congestion.HintToLoss(hint))
	if high == 0 || high <= s.acked {
		return
	}
	s.acked = high
	seq := high - 1

	s.sentMu.Lock()
	r := s.sent[seq%sentRing]
	s.sentMu.Unlock()
	if !r.ok || r.seq != seq {
		return
	}
	rtt := now.Sub(r.at) - time.Duration(delay)*time.Microsecond
	if rtt <= 0 {
		return
	}
	s.cc.OnRTT(rtt, now)
	s.rec.RTT(rtt)
	s.pacer.SetRate(s.cc.Rate())
}

func (s *Session) feedback() (high, delay uint64, hint uint8) {
	high = s.highRecv.Load()
	if high > 0 {
		delay = uint64(time.Since(time.Unix(0, s.highRecvAt.Load())) / time.Microsecond)
	}
	return high, delay, uint8(s.lossHint.Load())
}

// emit seals f and writes it to the peer. Write errors other than a closed
// socket lose the packet like the network would.
func (s *Session) emit(f protocol.Frame, paced bool) error {
	if paced {
		if err := s.pacer.Wait(s.ctx); err != nil {
			return err
		}
	}
	pkt, seq, err := s.framer.Seal(f)
	if err != nil {
		return err
	}
	now := time.Now()
	s.sentMu.Lock()
	s.sent[seq%sentRing] = sentRecord{seq: seq, at: now, ok: true}
	s.sentMu.Unlock()
	s.lastSend.Store(now.UnixNano())

	if _, err := s.pc.WriteTo(pkt, s.Peer()); err != nil {
		if errors.Is(err, net.ErrClosed) {
			s.closeWith(err)
			return err
		}
		log.Debug().Err(err).Msg("session: write failed")
		return nil
	}
	s.rec.PacketSent(len(pkt))
	return nil
}

func (s *Session) sendData(body []byte) error {
	seq := s.dataSeq
	s.dataSeq++
	high, delay, hint := s.feedback()
	s.ackDue.Store(false)
	f := &protocol.DataFrame{Seq: seq, HighRecv: high, AckDelay: delay, LossHint: hint, Body: body}
	if err := s.emit(f, true); err != nil {
		return err
	}
	parity, err := s.enc.Add(seq, body)
	if err != nil {
		log.Debug().Err(err).Uint64("seq", seq).Msg("session: fec encode failed")
		return nil
	}
	return s.sendParity(parity)
}

func (s *Session) sendParity(parity []*protocol.ParityFrame) error {
	for _, p := range parity {
		if err := s.emit(p, true); err != nil {
			return err
		}
	}
	s.rec.ParitySent(len(parity))
	return nil
}

func (s *Session) sendLoop() {
	defer s.wg.Done()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()
	ack := time.NewTicker(ackInterval)
	defer ack.Stop()

	for {
		var err error
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.sendQ:
			err = s.sendData(b)
		case now := <-flush.C:
			if n, started := s.enc.Pending(); n > 0 && now.Sub(started) >= flushInterval {
				var parity []*protocol.ParityFrame
				if parity, err = s.enc.Flush(); err == nil {
					err = s.sendParity(parity)
				}
			}
			if err == nil && now.Sub(time.Unix(0, s.lastSend.Load())) >= s.keepalive {
				err = s.emit(&protocol.ControlFrame{Op: protocol.ControlKeepalive}, true)
			}
		case <-ack.C:
			if s.ackDue.Swap(false) {
				high, delay, hint := s.feedback()
				err = s.emit(&protocol.AckFrame{HighRecv: high, AckDelay: delay, LossHint: hint}, true)
			}
		}
		if err != nil && s.ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) expireLoop() {
	defer s.wg.Done()
	t := time.NewTicker(expireInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			s.recvMu.Lock()
			lost := s.dec.Expire(now)
			s.meter.Expire(now)
			s.lossHint.Store(uint32(s.meter.Hint()))
			idle := now.Sub(s.lastValid)
			s.recvMu.Unlock()

			if len(lost) > 0 {
				s.rec.Lost(len(lost))
				log.Debug().Int("count", len(lost)).Uint64("first", lost[0]).Msg("session: fec batch expired")
			}
			if idle >= s.timeout {
				s.closeWith(ErrSessionTimeout)
				return
			}
			s.pacer.SetRate(s.cc.Rate())
			s.rec.Link(s.cc.Rate(), s.cc.Loss())
		}
	}
}

// Keepalive sends a keepalive frame immediately, outside pacing. The peer
// counts it as proof of life; it also confirms a session still waiting to
// hear from its peer.
func (s *Session) Keepalive() error {
	return s.emit(&protocol.ControlFrame{Op: protocol.ControlKeepalive}, false)
}
