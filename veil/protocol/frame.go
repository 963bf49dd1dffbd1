package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	// MaxBody bounds the body of a single frame.
	MaxBody = 1 << 16
)

var (
	ErrShortFrame   = errors.New("protocol: truncated frame")
	ErrUnknownFrame = errors.New("protocol: unknown frame type")
	ErrMalformed    = errors.New("protocol: malformed frame")
)

// Frame is one decoded session frame: *DataFrame, *ParityFrame, *AckFrame or *ControlFrame.
type Frame interface {
	Type() FrameType
}

// DataFrame carries one upper-layer datagram.
// Seq numbers data frames only; parity batches refer to runs of it.
// HighRecv, AckDelay and LossHint piggyback the sender's receive statistics:
// the highest packet number it received plus one (zero when it has received
// nothing), how long ago that packet arrived in microseconds and
// the loss fraction it measures, scaled to 0..255.
type DataFrame struct {
	Seq      uint64
	HighRecv uint64
	AckDelay uint64
	LossHint uint8
	Body     []byte
}

// ParityFrame carries one Reed-Solomon parity shard protecting data
// frames First .. First+DataCount-1.
type ParityFrame struct {
	First       uint64
	DataCount   uint8
	ParityCount uint8
	Index       uint8
	ShardSize   uint16
	Body        []byte
}

// AckFrame reports receive statistics when there is no data to piggyback on.
type AckFrame struct {
	HighRecv uint64
	AckDelay uint64
	LossHint uint8
}

type ControlFrame struct {
	Op ControlOp
}

func (*DataFrame) Type() FrameType    { return FrameData }
func (*ParityFrame) Type() FrameType  { return FrameParity }
func (*AckFrame) Type() FrameType     { return FrameAck }
func (*ControlFrame) Type() FrameType { return FrameControl }

// AppendFrame appends the encoding of f to b.
func AppendFrame(b []byte, f Frame) ([]byte, error) {
	b = append(b, byte(f.Type()))
	switch f := f.(type) {
	case *DataFrame:
		if len(f.Body) > MaxBody {
			return nil, fmt.Errorf("%w: body %d", ErrMalformed, len(f.Body))
		}
		b = quicvarint.Append(b, f.Seq)
		b = quicvarint.Append(b, f.HighRecv)
		b = quicvarint.Append(b, f.AckDelay)
		b = append(b, f.LossHint)
		b = appendBytes(b, f.Body)
	case *ParityFrame:
		if len(f.Body) != int(f.ShardSize) {
			return nil, fmt.Errorf("%w: shard %d != %d", ErrMalformed, len(f.Body), f.ShardSize)
		}
		b = quicvarint.Append(b, f.First)
		b = append(b, f.DataCount, f.ParityCount, f.Index)
		b = appendBytes(b, f.Body)
	case *AckFrame:
		b = quicvarint.Append(b, f.HighRecv)
		b = quicvarint.Append(b, f.AckDelay)
		b = append(b, f.LossHint)
	case *ControlFrame:
		b = append(b, byte(f.Op))
	default:
		return nil, ErrUnknownFrame
	}
	return b, nil
}

// EncodeFrame returns the encoding of f.
func EncodeFrame(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, 32+bodyLen(f)), f)
}

func bodyLen(f Frame) int {
	switch f := f.(type) {
	case *DataFrame:
		return len(f.Body)
	case *ParityFrame:
		return len(f.Body)
	}
	return 0
}

// DecodeFrame parses one frame from the start of b. Trailing bytes are ignored.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, ErrShortFrame
	}
	r := bytes.NewReader(b[1:])
	switch FrameType(b[0]) {
	case FrameData:
		f := &DataFrame{}
		var err error
		if f.Seq, err = readVarint(r); err != nil {
			return nil, err
		}
		if f.HighRecv, err = readVarint(r); err != nil {
			return nil, err
		}
		if f.AckDelay, err = readVarint(r); err != nil {
			return nil, err
		}
		if f.LossHint, err = readByte(r); err != nil {
			return nil, err
		}
		if f.Body, err = readBytes(r); err != nil {
			return nil, err
		}
		return f, nil
	case FrameParity:
		f := &ParityFrame{}
		var err error
		if f.First, err = readVarint(r); err != nil {
			return nil, err
		}
		var hdr [3]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, ErrShortFrame
		}
		f.DataCount, f.ParityCount, f.Index = hdr[0], hdr[1], hdr[2]
		if f.Body, err = readBytes(r); err != nil {
			return nil, err
		}
		if f.DataCount == 0 || f.ParityCount == 0 || f.Index >= f.ParityCount || len(f.Body) == 0 {
			return nil, ErrMalformed
		}
		f.ShardSize = uint16(len(f.Body))
		return f, nil
	case FrameAck:
		f := &AckFrame{}
		var err error
		if f.HighRecv, err = readVarint(r); err != nil {
			return nil, err
		}
		if f.AckDelay, err = readVarint(r); err != nil {
			return nil, err
		}
		if f.LossHint, err = readByte(r); err != nil {
			return nil, err
		}
		return f, nil
	case FrameControl:
		op, err := readByte(r)
		if err != nil {
			return nil, err
		}
		switch ControlOp(op) {
		case ControlKeepalive, ControlClose:
		default:
			return nil, ErrMalformed
		}
		return &ControlFrame{Op: ControlOp(op)}, nil
	default:
		return nil, ErrUnknownFrame
	}
}

func appendBytes(b, p []byte) []byte {
	b = quicvarint.Append(b, uint64(len(p)))
	return append(b, p...)
}

func readVarint(r *bytes.Reader) (uint64, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, ErrShortFrame
	}
	return v, nil
}

func readByte(r *bytes.Reader) (uint8, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, ErrShortFrame
	}
	return c, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxBody {
		return nil, fmt.Errorf("%w: body %d", ErrMalformed, n)
	}
	if uint64(r.Len()) < n {
		return nil, ErrShortFrame
	}
	p := make([]byte, n)
	_, _ = r.Read(p)
	return p, nil
}
