package fec

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/veil/veil/protocol"
)

func makeBodies(first uint64, k int) [][]byte {
	bodies := make([][]byte, k)
	for i := range bodies {
		n := 10 + (int(first)+i*37)%300
		bodies[i] = bytes.Repeat([]byte{byte(int(first) + i)}, n)
	}
	return bodies
}

func makeParity(t *testing.T, codec *Codec, first uint64, bodies [][]byte, r int) []*protocol.ParityFrame {
	t.Helper()
	size := ShardSize(bodies)
	data := make([][]byte, len(bodies))
	for i, b := range bodies {
		data[i] = EncodeShard(b, size)
	}
	parity, err := codec.Parity(data, r)
	require.NoError(t, err)
	out := make([]*protocol.ParityFrame, r)
	for i, p := range parity {
		out[i] = &protocol.ParityFrame{First: first, DataCount: uint8(len(bodies)), ParityCount: uint8(r), Index: uint8(i), ShardSize: uint16(size), Body: p}
	}
	return out
}

// Any k of the k+r shares rebuild the batch; fewer rebuild nothing and the
// missing frames are reported lost once the batch expires.
func TestRecoveryThreshold(t *testing.T) {
	codec := NewCodec()
	rng := rand.New(rand.NewPCG(1, 2))
	shapes := [][2]int{{1, 1}, {4, 1}, {4, 2}, {8, 3}, {16, 4}, {32, 10}, {48, 48}}

	for _, shape := range shapes {
		k, r := shape[0], shape[1]
		for trial := 0; trial < 20; trial++ {
			t.Run(fmt.Sprintf("k%d_r%d_%d", k, r, trial), func(t *testing.T) {
				first := uint64(1000 + trial*100)
				bodies := makeBodies(first, k)
				parity := makeParity(t, codec, first, bodies, r)

				keep := rng.IntN(k + r + 1)
				order := rng.Perm(k + r)[:keep]

				dec := NewDecoder(codec)
				got := map[uint64][]byte{}
				for _, idx := range order {
					var rec []Recovered
					if idx < k {
						got[first+uint64(idx)] = bodies[idx]
						rec = dec.AddData(first+uint64(idx), bodies[idx])
					} else {
						rec = dec.AddParity(parity[idx-k])
					}
					for _, rv := range rec {
						require.NotContains(t, got, rv.Seq, "seq %d delivered twice", rv.Seq)
						got[rv.Seq] = rv.Body
					}
				}

				lost := dec.Expire(time.Now().Add(time.Hour))
				receivedData := 0
				hasParity := false
				for _, idx := range order {
					if idx < k {
						receivedData++
					} else {
						hasParity = true
					}
				}

				if keep >= k {
					require.Len(t, got, k, "kept %d >= k=%d shares", keep, k)
					for i, b := range bodies {
						require.True(t, bytes.Equal(got[first+uint64(i)], b), "frame %d corrupted", i)
					}
					require.Empty(t, lost, "recovered batch reported lost frames")
					return
				}
				require.Len(t, got, receivedData, "kept %d < k=%d shares", keep, k)
				if hasParity {
					require.Len(t, lost, k-receivedData)
				}
				for _, seq := range lost {
					require.NotContains(t, got, seq, "seq %d reported lost but delivered", seq)
				}
			})
		}
	}
}

func TestParityBeforeData(t *testing.T) {
	codec := NewCodec()
	bodies := makeBodies(0, 4)
	parity := makeParity(t, codec, 0, bodies, 2)
	dec := NewDecoder(codec)

	for _, p := range parity {
		require.Nil(t, dec.AddParity(p), "recovered from parity alone")
	}
	require.Equal(t, 1, dec.Pending())
	dec.AddData(0, bodies[0])
	rec := dec.AddData(3, bodies[3])
	require.Len(t, rec, 2)
	sort.Slice(rec, func(i, j int) bool { return rec[i].Seq < rec[j].Seq })
	assert.Equal(t, uint64(1), rec[0].Seq)
	assert.Equal(t, bodies[1], rec[0].Body)
	assert.Equal(t, uint64(2), rec[1].Seq)
	assert.Equal(t, bodies[2], rec[1].Body)
	assert.Zero(t, dec.Pending(), "finished batch still pending")

	// late parity for a finished batch is ignored
	assert.Nil(t, dec.AddParity(parity[0]))
	assert.Zero(t, dec.Pending(), "late parity reopened the batch")
}

func TestParityShapeMismatchIgnored(t *testing.T) {
	codec := NewCodec()
	bodies := makeBodies(10, 4)
	parity := makeParity(t, codec, 10, bodies, 2)
	dec := NewDecoder(codec)
	dec.AddParity(parity[0])

	bogus := *parity[1]
	bogus.DataCount = 5
	assert.Nil(t, dec.AddParity(&bogus), "mismatched parity was used")
}

func TestEncoderBatches(t *testing.T) {
	codec := NewCodec()
	tuner := NewTuner(0.01, func() float64 { return 0.10 })
	enc := NewEncoder(codec, tuner)

	k, r := tuner.Params()
	require.Equal(t, 16, k)
	require.NotZero(t, r)

	var parity []*protocol.ParityFrame
	for seq := uint64(0); seq < uint64(k); seq++ {
		out, err := enc.Add(seq, []byte(fmt.Sprintf("datagram-%d", seq)))
		require.NoError(t, err)
		if seq < uint64(k-1) {
			require.Empty(t, out, "parity emitted before batch closed")
		}
		parity = append(parity, out...)
	}
	require.Len(t, parity, r)
	for i, p := range parity {
		assert.Zero(t, p.First)
		assert.Equal(t, k, int(p.DataCount))
		assert.Equal(t, i, int(p.Index))
	}
	n, _ := enc.Pending()
	assert.Zero(t, n, "batch not reset")

	// a gap in sequence numbers closes the open batch
	_, _ = enc.Add(100, []byte("a"))
	_, _ = enc.Add(101, []byte("b"))
	out, err := enc.Add(200, []byte("c"))
	require.NoError(t, err)
	require.NotEmpty(t, out, "gap did not flush the partial batch")
	assert.Equal(t, uint64(100), out[0].First)
	assert.Equal(t, uint8(2), out[0].DataCount)

	out, err = enc.Flush()
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, uint64(200), out[0].First)
	assert.Equal(t, uint8(1), out[0].DataCount)
}

func TestEncoderNoParityOnCleanLink(t *testing.T) {
	enc := NewEncoder(NewCodec(), NewTuner(0.01, func() float64 { return 0 }))
	for seq := uint64(0); seq < 20; seq++ {
		out, err := enc.Add(seq, []byte("x"))
		require.NoError(t, err)
		require.Empty(t, out, "parity on a clean link")
	}
	_, err := enc.Add(21, make([]byte, MaxBody+1))
	assert.Error(t, err, "oversized body accepted")
}

func TestParityFor(t *testing.T) {
	assert.Zero(t, ParityFor(8, 0, 0.01), "no loss should need no parity")
	assert.Equal(t, 1, ParityFor(1, 0.1, 0.01))
	prev := 0
	for _, loss := range []float64{0.01, 0.05, 0.1, 0.2, 0.3} {
		r := ParityFor(16, loss, 0.01)
		require.GreaterOrEqual(t, r, prev, "parity must not shrink as loss grows")
		prev = r
		if r < 16 {
			require.LessOrEqual(t, binomialTail(16+r, r, loss), 0.01*(1+1e-9), "loss %.2f: r=%d misses the target", loss, r)
		}
	}
	assert.Equal(t, 8, ParityFor(8, 0.9, 0.001), "parity caps at k")
	assert.Equal(t, 8, ParityFor(8, 1, 0.01), "total loss caps at k")
}

func TestBatchSizeGrowsWithLoss(t *testing.T) {
	prev := 0
	for _, loss := range []float64{0, 0.02, 0.1, 0.2, 0.5} {
		k := BatchSizeFor(loss)
		require.GreaterOrEqual(t, k, prev, "loss %.2f", loss)
		require.LessOrEqual(t, k, MaxBatch)
		prev = k
	}
}

func TestTunerRefreshInterval(t *testing.T) {
	loss := 0.0
	now := time.Unix(0, 0)
	tuner := NewTuner(0.01, func() float64 { return loss })
	tuner.now = func() time.Time { return now }

	k, r := tuner.Params()
	require.Equal(t, 4, k)
	require.Zero(t, r)

	loss = 0.2
	now = now.Add(TuneInterval / 2)
	k2, _ := tuner.Params()
	assert.Equal(t, k, k2, "tuner refreshed before its interval")

	now = now.Add(TuneInterval)
	k3, r3 := tuner.Params()
	assert.Equal(t, 32, k3)
	assert.NotZero(t, r3)
	assert.Equal(t, 0.2, tuner.Loss())
}

func TestShardRoundTrip(t *testing.T) {
	body := []byte("hello shard")
	shard := EncodeShard(body, 64)
	got, err := DecodeShard(shard)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	shard[0] = 0xff
	_, err = DecodeShard(shard)
	assert.ErrorIs(t, err, ErrShardSizeMismatch)
}

func TestCodecInvalidShape(t *testing.T) {
	codec := NewCodec()
	_, err := codec.Parity([][]byte{{1}}, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = codec.Parity([][]byte{{1}, {1, 2}}, 1)
	assert.ErrorIs(t, err, ErrShardSizeMismatch)
	assert.InDelta(t, 1.25, Overhead(8, 2), 0.01)
}

func BenchmarkEncodeBatch(b *testing.B) {
	enc := NewEncoder(NewCodec(), NewTuner(0.01, func() float64 { return 0.1 }))
	body := make([]byte, 1200)
	b.SetBytes(int64(len(body)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = enc.Add(uint64(i), body)
	}
}
