// Package mux runs reliable ordered streams and an unreliable datagram path
// over one session's datagram channel.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/session"
	"github.com/TheusHen/veil/veil/stats"
)

const (
	// MSS is the largest stream payload per message.
	MSS = 1100
	// StreamWindow is the receive buffer of each stream.
	StreamWindow = 512 << 10
	// MaxRetransmits is how often one segment may be resent before the stream is reset.
	MaxRetransmits = 24
	// TombstoneTTL is how long a closed stream id keeps answering its peer.
	TombstoneTTL = 30 * time.Second
	// DatagramQueue bounds received datagrams waiting for RecvDatagram.
	DatagramQueue = 1024
	// MaxDatagram is the largest payload SendDatagram accepts.
	MaxDatagram = 1200

	acceptQueue = 128
	ctrlQueue   = 1024
	dataQueue   = 256
	reapEvery   = time.Second
)

var (
	ErrStreamReset        = errors.New("mux: stream reset")
	ErrStreamClosed       = errors.New("mux: stream closed for writing")
	ErrWouldBlock         = errors.New("mux: operation would block")
	ErrClosed             = errors.New("mux: closed")
	ErrTooManyRetransmits = errors.New("mux: retransmission limit reached")
	ErrDatagramTooLarge   = errors.New("mux: datagram too large")
)

// Conn is the datagram channel a Multiplexer runs over.
type Conn interface {
	SendBytes(ctx context.Context, b []byte) error
	RecvBytes(ctx context.Context) ([]byte, error)
}

type Config struct {
	// Initiator selects odd stream ids; the other side uses even ones.
	Initiator bool
	// Compress sends stream payloads lz4-compressed when that makes them smaller.
	Compress bool
	// Trace keeps a ring of recent messages for DumpTrace.
	Trace bool
	// Recorder counts retransmissions. May be nil.
	Recorder *stats.Recorder
	// CongestionControl makes the congestion window of each new stream.
	// Nil selects NewSlowStart.
	CongestionControl func() CongestionWindow
}

type tombstone struct {
	ack   uint64
	reset bool
	until time.Time
}

// Multiplexer owns the streams of one session. Streams live in an arena
// indexed by id; closing one removes its entry and leaves a tombstone.
type Multiplexer struct {
	conn  Conn
	cfg   Config
	trace *Trace
	rec   *stats.Recorder
	ttl   time.Duration

	mu        sync.Mutex
	streams   map[uint64]*Stream
	tombs     map[uint64]tombstone
	nextID    uint64
	maxPeerID uint64

	accept chan *Stream

	urelSeq  atomic.Uint64
	urelMu   sync.Mutex
	urelLast uint64
	urelQ    chan []byte

	ctrl chan []byte
	data chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// New starts a multiplexer over conn.
func New(conn Conn, cfg Config) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		conn:    conn,
		cfg:     cfg,
		rec:     cfg.Recorder,
		ttl:     TombstoneTTL,
		streams: make(map[uint64]*Stream),
		tombs:   make(map[uint64]tombstone),
		accept:  make(chan *Stream, acceptQueue),
		urelQ:   make(chan []byte, DatagramQueue),
		ctrl:    make(chan []byte, ctrlQueue),
		data:    make(chan []byte, dataQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
	if m.rec == nil {
		m.rec = (*stats.Metrics)(nil).NewRecorder()
	}
	if m.cfg.CongestionControl == nil {
		m.cfg.CongestionControl = func() CongestionWindow { return NewSlowStart() }
	}
	if cfg.Initiator {
		m.nextID = 1
	} else {
		m.nextID = 2
	}
	if cfg.Trace {
		t, err := NewTrace(TraceSize)
		if err == nil {
			m.trace = t
		}
	}
	m.wg.Add(3)
	go m.readLoop()
	go m.writeLoop()
	go m.reapLoop()
	return m
}

func (m *Multiplexer) isPeerID(id uint64) bool {
	return id != 0 && (id%2 == 1) != m.cfg.Initiator
}

// OpenStream opens a new stream. The peer learns of it from the first message.
func (m *Multiplexer) OpenStream(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	if err := m.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id := m.nextID
	m.nextID += 2
	s := newStream(m, id, StateIdle)
	m.streams[id] = s
	m.mu.Unlock()

	s.mu.Lock()
	syn := s.pushSegmentLocked(KindSyn, nil)
	s.mu.Unlock()
	if err := m.sendData(ctx, syn); err != nil {
		s.Reset()
		return nil, err
	}
	m.trace.Event("open stream=%d", id)
	return s, nil
}

// AcceptStream waits for the peer to open a stream.
func (m *Multiplexer) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-m.accept:
		return s, nil
	case <-m.ctx.Done():
		return nil, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendDatagram sends b unreliably. Datagrams may be lost; the receiver never
// sees them duplicated or out of order.
func (m *Multiplexer) SendDatagram(ctx context.Context, b []byte) error {
	if len(b) > MaxDatagram {
		return ErrDatagramTooLarge
	}
	if err := m.Err(); err != nil {
		return err
	}
	msg := &Message{Kind: KindUrel, Seq: m.urelSeq.Add(1), Payload: b}
	enc, err := Encode(msg, false)
	if err != nil {
		return err
	}
	m.trace.Message('>', msg)
	return m.conn.SendBytes(ctx, enc)
}

// RecvDatagram returns the next datagram from the peer.
func (m *Multiplexer) RecvDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-m.urelQ:
		return b, nil
	case <-m.ctx.Done():
		return nil, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the multiplexer. Blocked stream calls return ErrClosed.
func (m *Multiplexer) Close() error {
	m.closeWith(ErrClosed)
	m.wg.Wait()
	return nil
}

// CloseWithError stops the multiplexer because of err. Blocked calls return
// an error wrapping both ErrClosed and err.
func (m *Multiplexer) CloseWithError(err error) error {
	m.closeWith(err)
	m.wg.Wait()
	return nil
}

// Done is closed when the multiplexer stops.
func (m *Multiplexer) Done() <-chan struct{} { return m.ctx.Done() }

// Err returns why the multiplexer stopped, or nil.
func (m *Multiplexer) Err() error {
	select {
	case <-m.ctx.Done():
		return m.err
	default:
		return nil
	}
}

func (m *Multiplexer) closeWith(err error) {
	m.closeOnce.Do(func() {
		if !errors.Is(err, ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		m.err = err
		m.cancel()

		m.mu.Lock()
		streams := make([]*Stream, 0, len(m.streams))
		for _, s := range m.streams {
			streams = append(streams, s)
		}
		m.mu.Unlock()
		for _, s := range streams {
			s.abort(err)
		}
		log.Debug().Err(err).Int("streams", len(streams)).Msg("mux: closed")
	})
}

// NumStreams returns how many streams are live.
func (m *Multiplexer) NumStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// DumpTrace returns the recent message trace, empty unless Config.Trace is set.
func (m *Multiplexer) DumpTrace() string { return m.trace.String() }

// retire replaces a finished stream by a tombstone that remembers its ack point.
func (m *Multiplexer) retire(s *Stream, ack uint64, reset bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[s.id] != s {
		return
	}
	delete(m.streams, s.id)
	m.tombs[s.id] = tombstone{ack: ack, reset: reset, until: time.Now().Add(m.ttl)}
	m.trace.Event("retire stream=%d reset=%t", s.id, reset)
}

func (m *Multiplexer) encode(msg *Message) []byte {
	b, err := Encode(msg, m.cfg.Compress && msg.Kind == KindData)
	if err != nil {
		log.Debug().Err(err).Stringer("kind", msg.Kind).Msg("mux: encode failed")
		return nil
	}
	m.trace.Message('>', msg)
	return b
}

// sendCtrl queues an urgent message, dropping it if the queue is full.
func (m *Multiplexer) sendCtrl(b []byte) {
	if b == nil {
		return
	}
	select {
	case m.ctrl <- b:
	default:
		m.trace.Event("ctrl queue full, dropped %d bytes", len(b))
	}
}

// sendData queues a message, blocking while the queue is full.
func (m *Multiplexer) sendData(ctx context.Context, b []byte) error {
	if b == nil {
		return nil
	}
	select {
	case m.data <- b:
		return nil
	case <-m.ctx.Done():
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) writeLoop() {
	defer m.wg.Done()
	for {
		var b []byte
		select {
		case b = <-m.ctrl:
		default:
			select {
			case b = <-m.ctrl:
			case b = <-m.data:
			case <-m.ctx.Done():
				return
			}
		}
		if err := m.conn.SendBytes(m.ctx, b); err != nil {
			if errors.Is(err, session.ErrTooLarge) {
				m.trace.Event("dropped oversized message, %d bytes", len(b))
				log.Debug().Int("len", len(b)).Msg("mux: message larger than a datagram, dropped")
				continue
			}
			m.closeWith(err)
			return
		}
	}
}

func (m *Multiplexer) readLoop() {
	defer m.wg.Done()
	for {
		b, err := m.conn.RecvBytes(m.ctx)
		if err != nil {
			m.closeWith(err)
			return
		}
		msg, err := Decode(b)
		if err != nil {
			log.Debug().Err(err).Msg("mux: dropping undecodable message")
			continue
		}
		m.trace.Message('<', msg)
		m.handle(msg)
	}
}

func (m *Multiplexer) reapLoop() {
	defer m.wg.Done()
	t := time.NewTicker(reapEvery)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-t.C:
			m.mu.Lock()
			for id, tomb := range m.tombs {
				if now.After(tomb.until) {
					delete(m.tombs, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Multiplexer) handle(msg *Message) {
	if msg.Kind == KindUrel {
		m.onDatagram(msg)
		return
	}

	m.mu.Lock()
	s := m.streams[msg.Stream]
	created := false
	if s == nil {
		if tomb, ok := m.tombs[msg.Stream]; ok {
			m.mu.Unlock()
			m.answerTombstone(msg, tomb)
			return
		}
		if m.Err() != nil {
			m.mu.Unlock()
			return
		}
		if !m.isPeerID(msg.Stream) || !msg.occupiesSeq() {
			m.mu.Unlock()
			if msg.Kind != KindRst {
				m.sendCtrl(m.encode(&Message{Kind: KindRst, Stream: msg.Stream}))
			}
			return
		}
		// a lower id we have not seen is a stream whose first message was
		// reordered behind a later one; only its Syn may create it
		if msg.Stream < m.maxPeerID && msg.Kind != KindSyn {
			m.mu.Unlock()
			return
		}
		s = newStream(m, msg.Stream, StateOpen)
		m.streams[msg.Stream] = s
		m.maxPeerID = max(m.maxPeerID, msg.Stream)
		created = true
	}
	m.mu.Unlock()

	if created {
		select {
		case m.accept <- s:
			m.trace.Event("accept stream=%d", s.id)
		default:
			log.Debug().Uint64("stream", s.id).Msg("mux: accept queue full, resetting stream")
			s.Reset()
			return
		}
	}
	s.handle(msg)
}

// answerTombstone acknowledges retransmissions for a closed stream so the
// peer can finish, and resets anything else that still expects it alive.
func (m *Multiplexer) answerTombstone(msg *Message, tomb tombstone) {
	if tomb.reset && msg.Kind != KindRst && msg.Kind != KindAck {
		m.sendCtrl(m.encode(&Message{Kind: KindRst, Stream: msg.Stream}))
		return
	}
	switch msg.Kind {
	case KindSyn, KindData, KindFin:
		m.sendCtrl(m.encode(&Message{Kind: KindAck, Stream: msg.Stream, Ack: tomb.ack, Window: StreamWindow}))
	case KindPoll:
		m.sendCtrl(m.encode(&Message{Kind: KindRst, Stream: msg.Stream}))
	}
}

func (m *Multiplexer) onDatagram(msg *Message) {
	m.urelMu.Lock()
	defer m.urelMu.Unlock()
	if msg.Seq <= m.urelLast {
		return
	}
	m.urelLast = msg.Seq
	select {
	case m.urelQ <- msg.Payload:
	default:
		m.trace.Event("datagram queue full, dropped seq=%d", msg.Seq)
	}
}
