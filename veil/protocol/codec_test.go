package protocol

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamCodecRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	key := bytes.Repeat([]byte{7}, 32)
	ca, err := NewStreamCodec(a, key)
	require.NoError(t, err)
	cb, err := NewStreamCodec(b, key)
	require.NoError(t, err)

	frames := [][]byte{[]byte("one"), bytes.Repeat([]byte{0xab}, 1400), []byte("three")}
	errCh := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := ca.WriteFrame(f); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i, want := range frames {
		got, err := cb.ReadFrame()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got, "frame %d", i)
	}
	require.NoError(t, <-errCh)
}

type recorder struct{ bytes.Buffer }

func TestStreamCodecMasksLengths(t *testing.T) {
	var rec recorder
	c, err := NewStreamCodec(&rec, make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, c.WriteFrame([]byte{1, 2, 3}))
	require.NoError(t, c.WriteFrame([]byte{1, 2, 3}))

	out := rec.Bytes()
	require.Len(t, out, streamNonceSize+2*(2+3))
	first := out[streamNonceSize : streamNonceSize+2]
	second := out[streamNonceSize+5 : streamNonceSize+7]
	assert.False(t, bytes.Equal(first, []byte{0, 3}) && bytes.Equal(second, []byte{0, 3}), "length prefixes are in the clear")

	assert.ErrorIs(t, c.WriteFrame(nil), ErrEmptyFrame)
	assert.ErrorIs(t, c.WriteFrame(make([]byte, MaxStreamFrame+1)), ErrFrameTooLarge)
}

func TestStreamCodecSilentUntilWrite(t *testing.T) {
	var rec recorder
	_, err := NewStreamCodec(&rec, make([]byte, 32))
	require.NoError(t, err)
	assert.Zero(t, rec.Len(), "codec wrote before any frame")
}
