package fec

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TheusHen/veil/veil/protocol"
)

const (
	// BatchDeadline is how long a batch waits for enough shares.
	BatchDeadline = 500 * time.Millisecond

	// DataCache is how many recent data bodies are kept for reconstruction.
	DataCache = 4096

	maxBatches = 512
)

// Recovered is a data frame rebuilt from parity.
type Recovered struct {
	Seq  uint64
	Body []byte
}

type cached struct {
	seq  uint64
	body []byte
	ok   bool
}

type batch struct {
	first     uint64
	k, r      int
	shardSize int
	parity    [][]byte
	created   time.Time
}

// Decoder buffers data and parity shares and rebuilds missing data frames.
// It is owned by the session's receive path and not safe for concurrent use.
type Decoder struct {
	codec    *Codec
	deadline time.Duration

	data    [DataCache]cached
	batches map[uint64]*batch
	done    map[uint64]time.Time
}

func NewDecoder(codec *Codec) *Decoder {
	return &Decoder{
		codec:    codec,
		deadline: BatchDeadline,
		batches:  make(map[uint64]*batch),
		done:     make(map[uint64]time.Time),
	}
}

func (d *Decoder) lookup(seq uint64) ([]byte, bool) {
	c := &d.data[seq%DataCache]
	if c.ok && c.seq == seq {
		return c.body, true
	}
	return nil, false
}

func (d *Decoder) store(seq uint64, body []byte) {
	d.data[seq%DataCache] = cached{seq: seq, body: body, ok: true}
}

// AddData records a received data frame. If it completes a batch whose
// parity already arrived, the other missing frames are returned.
func (d *Decoder) AddData(seq uint64, body []byte) []Recovered {
	d.store(seq, body)
	for _, b := range d.batches {
		if seq >= b.first && seq < b.first+uint64(b.k) {
			return d.tryDecode(b)
		}
	}
	return nil
}

// AddParity records a parity frame and returns any data frames it allowed to
// rebuild. Parity that disagrees with its batch's shape is ignored.
func (d *Decoder) AddParity(p *protocol.ParityFrame) []Recovered {
	if _, finished := d.done[p.First]; finished {
		return nil
	}
	b, ok := d.batches[p.First]
	if !ok {
		if len(d.batches) >= maxBatches {
			d.evictOldest()
		}
		b = &batch{
			first:     p.First,
			k:         int(p.DataCount),
			r:         int(p.ParityCount),
			shardSize: int(p.ShardSize),
			parity:    make([][]byte, p.ParityCount),
			created:   time.Now(),
		}
		d.batches[p.First] = b
	}
	if b.k != int(p.DataCount) || b.r != int(p.ParityCount) || b.shardSize != int(p.ShardSize) || int(p.Index) >= b.r {
		return nil
	}
	b.parity[p.Index] = p.Body
	return d.tryDecode(b)
}

func (d *Decoder) tryDecode(b *batch) []Recovered {
	shards := make([][]byte, b.k+b.r)
	present, missing := 0, 0
	for i := 0; i < b.k; i++ {
		body, ok := d.lookup(b.first + uint64(i))
		if !ok || len(body)+shardHeader > b.shardSize {
			missing++
			continue
		}
		shards[i] = EncodeShard(body, b.shardSize)
		present++
	}
	if missing == 0 {
		d.finish(b)
		return nil
	}
	for i, p := range b.parity {
		if p != nil {
			shards[b.k+i] = p
			present++
		}
	}
	if present < b.k {
		return nil
	}
	if err := d.codec.ReconstructData(shards, b.k); err != nil {
		log.Debug().Err(err).Uint64("first", b.first).Msg("fec: reconstruction failed")
		return nil
	}

	var out []Recovered
	for i := 0; i < b.k; i++ {
		seq := b.first + uint64(i)
		if _, ok := d.lookup(seq); ok {
			continue
		}
		body, err := DecodeShard(shards[i])
		if err != nil {
			continue
		}
		body = append([]byte(nil), body...)
		d.store(seq, body)
		out = append(out, Recovered{Seq: seq, Body: body})
	}
	d.finish(b)
	return out
}

func (d *Decoder) finish(b *batch) {
	delete(d.batches, b.first)
	d.done[b.first] = b.created
}

func (d *Decoder) evictOldest() {
	var oldest *batch
	for _, b := range d.batches {
		if oldest == nil || b.created.Before(oldest.created) {
			oldest = b
		}
	}
	if oldest != nil {
		delete(d.batches, oldest.first)
	}
}

// Expire abandons batches older than the deadline and returns the data
// sequence numbers that they failed to deliver.
func (d *Decoder) Expire(now time.Time) []uint64 {
	var lost []uint64
	for first, b := range d.batches {
		if now.Sub(b.created) < d.deadline {
			continue
		}
		for i := 0; i < b.k; i++ {
			if _, ok := d.lookup(first + uint64(i)); !ok {
				lost = append(lost, first+uint64(i))
			}
		}
		delete(d.batches, first)
		d.done[first] = b.created
	}
	for first, created := range d.done {
		if now.Sub(created) >= 4*d.deadline {
			delete(d.done, first)
		}
	}
	return lost
}

// Pending returns the number of batches waiting for shares.
func (d *Decoder) Pending() int { return len(d.batches) }
