package fec

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// MaxShards bounds k+r for the GF(2^8) code.
	MaxShards = 256
	// MaxBody is the largest datagram that fits a 16-bit shard size.
	MaxBody = 1<<16 - 1 - shardHeader

	shardHeader = 2
)

var (
	ErrTooManyLost       = errors.New("fec: too many shards lost, cannot recover")
	ErrInvalidConfig     = errors.New("fec: invalid data/parity configuration")
	ErrShardSizeMismatch = errors.New("fec: shard sizes do not match")
	ErrUnrecoverable     = errors.New("fec: batch expired before it could be recovered")
)

// Codec computes and applies Reed-Solomon parity. It keeps one encoder per
// (data, parity) shape since building the matrices is the expensive part.
type Codec struct {
	mu   sync.Mutex
	encs map[[2]int]reedsolomon.Encoder
}

func NewCodec() *Codec {
	return &Codec{encs: make(map[[2]int]reedsolomon.Encoder)}
}

func (c *Codec) encoder(dataShards, parityShards int) (reedsolomon.Encoder, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > MaxShards {
		return nil, ErrInvalidConfig
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]int{dataShards, parityShards}
	if enc, ok := c.encs[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	c.encs[key] = enc
	return enc, nil
}

// Parity computes parityShards parity shards over data, whose shards must all
// have the same size.
func (c *Codec) Parity(data [][]byte, parityShards int) ([][]byte, error) {
	enc, err := c.encoder(len(data), parityShards)
	if err != nil {
		return nil, err
	}
	size := len(data[0])
	shards := make([][]byte, len(data)+parityShards)
	for i, d := range data {
		if len(d) != size {
			return nil, ErrShardSizeMismatch
		}
		shards[i] = d
	}
	for i := len(data); i < len(shards); i++ {
		shards[i] = make([]byte, size)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards[len(data):], nil
}

// ReconstructData fills in the nil data shards among the first dataShards entries.
// Returns ErrTooManyLost if fewer than dataShards shards are present.
func (c *Codec) ReconstructData(shards [][]byte, dataShards int) error {
	enc, err := c.encoder(dataShards, len(shards)-dataShards)
	if err != nil {
		return err
	}
	if err := enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyLost
		}
		return err
	}
	return nil
}

// Overhead returns the bandwidth ratio of a (data, parity) batch (e.g., 1.25 for 8+2).
func Overhead(dataShards, parityShards int) float64 {
	return float64(dataShards+parityShards) / float64(dataShards)
}

// EncodeShard lays a datagram out as a shard:
// little-endian 16-bit length || body || zero padding up to size.
func EncodeShard(body []byte, size int) []byte {
	shard := make([]byte, size)
	binary.LittleEndian.PutUint16(shard, uint16(len(body)))
	copy(shard[shardHeader:], body)
	return shard
}

// DecodeShard reverses EncodeShard.
func DecodeShard(shard []byte) ([]byte, error) {
	if len(shard) < shardHeader {
		return nil, ErrShardSizeMismatch
	}
	n := int(binary.LittleEndian.Uint16(shard))
	if shardHeader+n > len(shard) {
		return nil, ErrShardSizeMismatch
	}
	return shard[shardHeader : shardHeader+n], nil
}

// ShardSize is the shard size a batch of bodies needs.
func ShardSize(bodies [][]byte) int {
	size := 0
	for _, b := range bodies {
		size = max(size, len(b))
	}
	return size + shardHeader
}
