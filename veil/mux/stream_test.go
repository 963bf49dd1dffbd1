package mux

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	mrand "math/rand/v2"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/veil/veil/session"
)

// fakeConn is one end of an in-memory datagram link with seeded loss and
// random delay.
type fakeConn struct {
	in     chan []byte
	peer   *fakeConn
	loss   float64
	jitter time.Duration
	// limit rejects larger sends the way a session does
	limit int

	mu  sync.Mutex
	rng *mrand.Rand

	done chan struct{}
	once sync.Once
}

func fakePair(loss float64, jitter time.Duration) (*fakeConn, *fakeConn) {
	mk := func(seed uint64) *fakeConn {
		return &fakeConn{
			in:     make(chan []byte, 4096),
			loss:   loss,
			jitter: jitter,
			rng:    mrand.New(mrand.NewPCG(seed, 7)),
			done:   make(chan struct{}),
		}
	}
	a, b := mk(1), mk(2)
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeConn) SendBytes(_ context.Context, b []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if c.limit > 0 && len(b) > c.limit {
		return session.ErrTooLarge
	}
	c.mu.Lock()
	lost := c.rng.Float64() < c.loss
	var d time.Duration
	if c.jitter > 0 {
		d = time.Duration(c.rng.Int64N(int64(c.jitter)))
	}
	c.mu.Unlock()
	if lost {
		return nil
	}
	b = append([]byte(nil), b...)
	if d == 0 {
		c.peer.deliver(b)
		return nil
	}
	time.AfterFunc(d, func() { c.peer.deliver(b) })
	return nil
}

func (c *fakeConn) deliver(b []byte) {
	select {
	case c.in <- b:
	default:
	}
}

func (c *fakeConn) RecvBytes(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() { c.once.Do(func() { close(c.done) }) }

func muxPair(t *testing.T, loss float64, jitter time.Duration) (*Multiplexer, *Multiplexer) {
	t.Helper()
	ca, cb := fakePair(loss, jitter)
	a := New(ca, Config{Initiator: true, Trace: true})
	b := New(cb, Config{Compress: true})
	t.Cleanup(func() {
		a.Close()
		b.Close()
		ca.Close()
		cb.Close()
	})
	return a, b
}

// rawPeer drives one side of the protocol by hand.
type rawPeer struct {
	t    *testing.T
	conn *fakeConn
}

func (p *rawPeer) send(m *Message) {
	p.t.Helper()
	b, err := Encode(m, false)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.SendBytes(context.Background(), b))
}

// expect skips messages until one of kind arrives.
func (p *rawPeer) expect(kind Kind) *Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		b, err := p.conn.RecvBytes(ctx)
		require.NoError(p.t, err, "waiting for %s", kind)
		m, err := Decode(b)
		require.NoError(p.t, err)
		if m.Kind == kind {
			return m
		}
	}
}

// newData collects the sequence numbers of Data segments not seen before
// that arrive within d.
func (p *rawPeer) newData(d time.Duration, seen map[uint64]bool) []uint64 {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	var got []uint64
	for {
		b, err := p.conn.RecvBytes(ctx)
		if err != nil {
			return got
		}
		m, err := Decode(b)
		require.NoError(p.t, err)
		if m.Kind == KindData && !seen[m.Seq] {
			seen[m.Seq] = true
			got = append(got, m.Seq)
		}
	}
}

func congestionWindow(s *Stream) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwnd.Window()
}

func rawMux(t *testing.T, cfg Config) (*Multiplexer, *rawPeer) {
	t.Helper()
	ca, cb := fakePair(0, 0)
	m := New(ca, cfg)
	t.Cleanup(func() {
		m.Close()
		ca.Close()
		cb.Close()
	})
	return m, &rawPeer{t: t, conn: cb}
}

func TestStreamLifecycleOnTheWire(t *testing.T) {
	m, peer := rawMux(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer.send(&Message{Kind: KindSyn, Stream: 1, Window: StreamWindow})
	synAck := peer.expect(KindSynAck)
	assert.Equal(t, uint64(1), synAck.Stream)
	assert.Equal(t, uint64(1), synAck.Ack)

	s, err := m.AcceptStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.ID())

	peer.send(&Message{Kind: KindData, Stream: 1, Seq: 1, Window: StreamWindow, Payload: []byte("hello")})
	ack := peer.expect(KindAck)
	assert.Equal(t, uint64(2), ack.Ack)
	assert.Equal(t, uint64(StreamWindow-5), ack.Window)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	peer.send(&Message{Kind: KindFin, Stream: 1, Seq: 2, Window: StreamWindow})
	ack = peer.expect(KindAck)
	assert.Equal(t, uint64(3), ack.Ack)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateHalfClosedRemote, s.State())

	require.NoError(t, s.Close())
	fin := peer.expect(KindFin)
	assert.Equal(t, uint64(0), fin.Seq)
	assert.Equal(t, StateClosed, s.State())

	peer.send(&Message{Kind: KindAck, Stream: 1, Seq: 3, Ack: 1, Window: StreamWindow})
	require.Eventually(t, func() bool { return m.NumStreams() == 0 }, time.Second, 5*time.Millisecond)

	// the tombstone still acknowledges a retransmitted segment
	peer.send(&Message{Kind: KindData, Stream: 1, Seq: 1, Window: StreamWindow, Payload: []byte("hello")})
	ack = peer.expect(KindAck)
	assert.Equal(t, uint64(3), ack.Ack)

	peer.send(&Message{Kind: KindPoll, Stream: 1, Seq: 3})
	rst := peer.expect(KindRst)
	assert.Equal(t, uint64(1), rst.Stream)
}

func TestUnknownStreamIsReset(t *testing.T) {
	m, peer := rawMux(t, Config{})

	// even ids belong to this side, which never opened stream 2
	peer.send(&Message{Kind: KindData, Stream: 2, Seq: 1, Payload: []byte("x")})
	rst := peer.expect(KindRst)
	assert.Equal(t, uint64(2), rst.Stream)

	// an Ack cannot open a stream
	peer.send(&Message{Kind: KindAck, Stream: 3, Ack: 1})
	rst = peer.expect(KindRst)
	assert.Equal(t, uint64(3), rst.Stream)
	assert.Zero(t, m.NumStreams())
}

func TestOpenStreamIDs(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true})
	ctx := context.Background()

	for _, want := range []uint64{1, 3, 5} {
		s, err := m.OpenStream(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, s.ID())
		syn := peer.expect(KindSyn)
		assert.Equal(t, want, syn.Stream)
		assert.Equal(t, uint64(0), syn.Seq)
	}
	assert.Equal(t, 3, m.NumStreams())
}

func TestSynIsRetransmitted(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true})
	_, err := m.OpenStream(context.Background())
	require.NoError(t, err)

	first := peer.expect(KindSyn)
	again := peer.expect(KindSyn)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, first.Stream, again.Stream)
	assert.NotZero(t, m.rec.Snapshot().Retransmits)
}

func TestTryWriteAndZeroWindowPoll(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true})
	s, err := m.OpenStream(context.Background())
	require.NoError(t, err)
	peer.expect(KindSyn)

	peer.send(&Message{Kind: KindSynAck, Stream: 1, Ack: 1, Window: 1000})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.peerWindow == 1000 && len(s.unacked) == 0
	}, time.Second, time.Millisecond)

	n, err := s.TryWrite(make([]byte, 4000))
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	data := peer.expect(KindData)
	assert.Len(t, data.Payload, 1000)
	assert.Equal(t, uint64(1), data.Seq)

	n, err = s.TryWrite([]byte("more"))
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Zero(t, n)

	require.NoError(t, s.SetWriteDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = s.Write([]byte("more"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.NoError(t, s.SetWriteDeadline(time.Time{}))

	// everything acknowledged but the window is shut: the writer polls
	written := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("after the window opens"))
		written <- err
	}()
	peer.send(&Message{Kind: KindAck, Stream: 1, Ack: 2, Window: 0})
	poll := peer.expect(KindPoll)
	assert.Equal(t, uint64(2), poll.Seq)

	peer.send(&Message{Kind: KindAck, Stream: 1, Ack: 2, Window: StreamWindow})
	for data = peer.expect(KindData); data.Seq != 2; data = peer.expect(KindData) {
	}
	assert.Equal(t, "after the window opens", string(data.Payload))
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not complete")
	}
}

func TestSACKTriggersFastRetransmit(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true})
	s, err := m.OpenStream(context.Background())
	require.NoError(t, err)
	peer.expect(KindSyn)
	peer.send(&Message{Kind: KindSynAck, Stream: 1, Ack: 1, Window: StreamWindow})

	_, err = s.Write(make([]byte, 5*MSS))
	require.NoError(t, err)
	for range 5 {
		peer.expect(KindData)
	}
	time.Sleep(10 * time.Millisecond)

	// segment 1 is missing, 2..5 arrived
	peer.send(&Message{Kind: KindAck, Stream: 1, Seq: 0, Ack: 1, Window: StreamWindow, SACK: []Range{{2, 6}}})
	re := peer.expect(KindData)
	assert.Equal(t, uint64(1), re.Seq)
	assert.Len(t, re.Payload, MSS)
}

func TestOpenedStreamIsIdleUntilAnswered(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true})
	s, err := m.OpenStream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	peer.expect(KindSyn)
	assert.Equal(t, StateIdle, s.State())

	peer.send(&Message{Kind: KindSynAck, Stream: 1, Ack: 1, Window: StreamWindow})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, time.Millisecond)

	// closing before the answer still moves through half-closed
	s2, err := m.OpenStream(context.Background())
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	assert.Equal(t, StateHalfClosedLocal, s2.State())
}

func TestCongestionWindowLimitsFlight(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true})
	s, err := m.OpenStream(context.Background())
	require.NoError(t, err)
	peer.expect(KindSyn)
	peer.send(&Message{Kind: KindSynAck, Stream: 1, Ack: 1, Window: StreamWindow})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.unacked) == 0
	}, time.Second, time.Millisecond)
	cwnd := congestionWindow(s)
	assert.Equal(t, InitialWindow+1, cwnd)

	go func() { _, _ = s.Write(make([]byte, 40*MSS)) }()
	seen := map[uint64]bool{}
	first := peer.newData(80*time.Millisecond, seen)
	assert.Len(t, first, cwnd)

	// in slow start five acknowledged segments free five slots and add five
	peer.send(&Message{Kind: KindAck, Stream: 1, Ack: 6, Window: StreamWindow})
	second := peer.newData(80*time.Millisecond, seen)
	assert.Len(t, second, 10)
	assert.Equal(t, cwnd+5, congestionWindow(s))
}

func TestRenoHalvesOnFastRetransmit(t *testing.T) {
	m, peer := rawMux(t, Config{Initiator: true, CongestionControl: func() CongestionWindow { return NewReno() }})
	s, err := m.OpenStream(context.Background())
	require.NoError(t, err)
	peer.expect(KindSyn)
	peer.send(&Message{Kind: KindSynAck, Stream: 1, Ack: 1, Window: StreamWindow})
	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, time.Millisecond)

	_, err = s.Write(make([]byte, 5*MSS))
	require.NoError(t, err)
	for range 5 {
		peer.expect(KindData)
	}
	before := congestionWindow(s)
	time.Sleep(10 * time.Millisecond)

	peer.send(&Message{Kind: KindAck, Stream: 1, Ack: 1, Window: StreamWindow, SACK: []Range{{2, 6}}})
	re := peer.expect(KindData)
	assert.Equal(t, uint64(1), re.Seq)
	// four SACKed segments grow the window before the loss halves it
	assert.Equal(t, (before+4)/2, congestionWindow(s))

	// a second report inside the same window does not halve again
	time.Sleep(10 * time.Millisecond)
	peer.send(&Message{Kind: KindAck, Stream: 1, Ack: 1, Window: StreamWindow, SACK: []Range{{2, 6}}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, (before+4)/2, congestionWindow(s))
}

func TestOversizedMessageIsDropped(t *testing.T) {
	ca, cb := fakePair(0, 0)
	ca.limit = MaxMessage
	a := New(ca, Config{Initiator: true})
	b := New(cb, Config{})
	t.Cleanup(func() {
		a.Close()
		b.Close()
		ca.Close()
		cb.Close()
	})

	a.sendCtrl(make([]byte, MaxMessage+1))
	transfer(t, a, b, 64<<10)
	assert.NoError(t, a.Err())
}

func TestResetReachesPeer(t *testing.T) {
	a, b := muxPair(t, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sa, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = sa.Write([]byte("ping"))
	require.NoError(t, err)

	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(sb, buf)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := sb.Read(buf)
		readErr <- err
	}()
	require.NoError(t, sa.Reset())

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, ErrStreamReset)
	case <-ctx.Done():
		t.Fatal("reader not woken by reset")
	}
	_, err = sa.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamReset)
	_, err = sb.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamReset)
	require.Eventually(t, func() bool { return a.NumStreams() == 0 && b.NumStreams() == 0 }, time.Second, 5*time.Millisecond)
}

func transfer(t *testing.T, a, b *Multiplexer, size int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	up := make([]byte, size)
	down := make([]byte, size)
	_, _ = rand.Read(up)
	_, _ = rand.Read(down)

	sa, err := a.OpenStream(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var gotUp, gotDown []byte
	var errUp, errDown error
	wg.Add(2)
	go func() {
		defer wg.Done()
		sb, err := b.AcceptStream(ctx)
		if err != nil {
			errUp = err
			return
		}
		go func() {
			_, _ = sb.Write(down)
			_ = sb.Close()
		}()
		gotUp, errUp = io.ReadAll(sb)
	}()
	go func() {
		defer wg.Done()
		gotDown, errDown = io.ReadAll(sa)
	}()
	_, err = sa.Write(up)
	require.NoError(t, err)
	require.NoError(t, sa.Close())
	wg.Wait()

	require.NoError(t, errUp)
	require.NoError(t, errDown)
	assert.True(t, bytes.Equal(up, gotUp), "upstream bytes differ")
	assert.True(t, bytes.Equal(down, gotDown), "downstream bytes differ")
	require.Eventually(t, func() bool { return a.NumStreams() == 0 && b.NumStreams() == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestStreamTransfer(t *testing.T) {
	a, b := muxPair(t, 0, 0)
	transfer(t, a, b, 1<<20)
	assert.Contains(t, a.DumpTrace(), "SYN")
	assert.Empty(t, b.DumpTrace())
}

func TestStreamTransferUnderLossAndReordering(t *testing.T) {
	if testing.Short() {
		t.Skip("lossy transfer")
	}
	a, b := muxPair(t, 0.1, 2*time.Millisecond)
	transfer(t, a, b, 256<<10)
	assert.NotZero(t, a.rec.Snapshot().Retransmits)
}

func TestManyStreams(t *testing.T) {
	a, b := muxPair(t, 0.05, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const streams = 16
	go func() {
		for {
			s, err := b.AcceptStream(ctx)
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(s, s)
				_ = s.Close()
			}()
		}
	}()

	var wg sync.WaitGroup
	for i := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := a.OpenStream(ctx)
			if !assert.NoError(t, err) {
				return
			}
			msg := bytes.Repeat([]byte{byte(i)}, 10_000+i)
			_, err = s.Write(msg)
			assert.NoError(t, err)
			assert.NoError(t, s.Close())
			echo, err := io.ReadAll(s)
			assert.NoError(t, err)
			assert.Equal(t, msg, echo)
		}()
	}
	wg.Wait()
}

func TestDatagramsStayOrdered(t *testing.T) {
	a, b := muxPair(t, 0.3, 2*time.Millisecond)
	ctx := context.Background()

	const total = 500
	for i := range total {
		var p [8]byte
		binary.BigEndian.PutUint64(p[:], uint64(i))
		require.NoError(t, a.SendDatagram(ctx, p[:]))
		time.Sleep(time.Millisecond)
	}

	var got []uint64
	for {
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		p, err := b.RecvDatagram(rctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
		require.NoError(t, err)
		got = append(got, binary.BigEndian.Uint64(p))
	}
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1])
	}
	assert.Greater(t, len(got), total/3)
	assert.Less(t, len(got), total*8/10)

	assert.ErrorIs(t, a.SendDatagram(ctx, make([]byte, MaxDatagram+1)), ErrDatagramTooLarge)
}

func TestCloseWakesBlockedCalls(t *testing.T) {
	a, b := muxPair(t, 0, 0)
	ctx := context.Background()
	sa, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = b.AcceptStream(ctx)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := sa.Read(make([]byte, 1))
		readErr <- err
	}()
	acceptErr := make(chan error, 1)
	go func() {
		_, err := a.AcceptStream(ctx)
		acceptErr <- err
	}()

	require.NoError(t, a.Close())
	for _, ch := range []chan error{readErr, acceptErr} {
		select {
		case err := <-ch:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("call not woken by Close")
		}
	}
	assert.ErrorIs(t, a.Err(), ErrClosed)
	_, err = a.OpenStream(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadDeadline(t *testing.T) {
	a, _ := muxPair(t, 0, 0)
	s, err := a.OpenStream(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	start := time.Now()
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "half-closed-local", StateHalfClosedLocal.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.Equal(t, "KIND(99)", Kind(99).String())
}
