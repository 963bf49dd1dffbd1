package mux

import (
	"bytes"
	"errors"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/quic-go/quic-go/quicvarint"
)

var (
	ErrDecompressionFailed = errors.New("mux: decompression failed")
)

const (
	// payloads shorter than this are never worth compressing
	minCompress = 128

	maxDecompressed = 64 << 10
)

// compressorPool reuses lz4 block compressors, which carry a hash table.
var compressorPool = sync.Pool{
	New: func() any {
		return new(lz4.Compressor)
	},
}

// compressPayload returns the lz4 block form of p, prefixed with its
// original length, if that is smaller than p.
func compressPayload(p []byte) ([]byte, bool) {
	c := compressorPool.Get().(*lz4.Compressor)
	defer compressorPool.Put(c)

	out := quicvarint.Append(make([]byte, 0, lz4.CompressBlockBound(len(p))+8), uint64(len(p)))
	hdr := len(out)
	n, err := c.CompressBlock(p, out[hdr:cap(out)])
	if err != nil || n == 0 || hdr+n >= len(p) {
		return nil, false
	}
	return out[:hdr+n], true
}

func decompressPayload(p []byte) ([]byte, error) {
	r := bytes.NewReader(p)
	size, err := quicvarint.Read(r)
	if err != nil || size == 0 || size > maxDecompressed {
		return nil, ErrDecompressionFailed
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(p[len(p)-r.Len():], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}
