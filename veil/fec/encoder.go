package fec

import (
	"fmt"
	"time"

	"github.com/TheusHen/veil/veil/protocol"
)

// Encoder groups consecutive outgoing data frames into batches and produces
// parity frames when a batch closes. It is owned by a single sender goroutine.
type Encoder struct {
	codec *Codec
	tuner *Tuner

	first   uint64
	bodies  [][]byte
	started time.Time
}

func NewEncoder(codec *Codec, tuner *Tuner) *Encoder {
	return &Encoder{codec: codec, tuner: tuner}
}

// Add records data frame seq. It returns the parity of the batch that seq
// closed, or of the previous batch if seq did not follow it.
func (e *Encoder) Add(seq uint64, body []byte) ([]*protocol.ParityFrame, error) {
	if len(body) > MaxBody {
		return nil, fmt.Errorf("%w: body %d exceeds %d", ErrInvalidConfig, len(body), MaxBody)
	}
	var out []*protocol.ParityFrame
	if len(e.bodies) > 0 && seq != e.first+uint64(len(e.bodies)) {
		var err error
		if out, err = e.Flush(); err != nil {
			return nil, err
		}
	}
	if len(e.bodies) == 0 {
		e.first = seq
		e.started = time.Now()
	}
	e.bodies = append(e.bodies, body)

	k, _ := e.tuner.Params()
	if len(e.bodies) >= k {
		more, err := e.Flush()
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	return out, nil
}

// Pending returns the number of frames in the open batch and when it started.
func (e *Encoder) Pending() (int, time.Time) {
	return len(e.bodies), e.started
}

// Flush closes the open batch, whatever its size, and returns its parity.
// A batch for which the tuner wants no parity produces nothing.
func (e *Encoder) Flush() ([]*protocol.ParityFrame, error) {
	k := len(e.bodies)
	if k == 0 {
		return nil, nil
	}
	bodies, first := e.bodies, e.first
	e.bodies = nil

	r := e.tuner.ParityFor(k)
	if r == 0 {
		return nil, nil
	}
	size := ShardSize(bodies)
	data := make([][]byte, k)
	for i, b := range bodies {
		data[i] = EncodeShard(b, size)
	}
	parity, err := e.codec.Parity(data, r)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.ParityFrame, r)
	for i, p := range parity {
		out[i] = &protocol.ParityFrame{
			First:       first,
			DataCount:   uint8(k),
			ParityCount: uint8(r),
			Index:       uint8(i),
			ShardSize:   uint16(size),
			Body:        p,
		}
	}
	return out, nil
}
