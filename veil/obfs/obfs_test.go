package obfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/veil/veil/crypto"
	"github.com/TheusHen/veil/veil/protocol"
)

func newFramers(t *testing.T, profile Profile) (*Framer, *Framer) {
	t.Helper()
	a, err := crypto.GenerateX25519()
	require.NoError(t, err)
	b, err := crypto.GenerateX25519()
	require.NoError(t, err)
	shared, err := crypto.ECDH(a.PrivateKey, b.PublicKey)
	require.NoError(t, err)
	keys, err := crypto.DeriveSessionKeys(shared, a.PublicKey, b.PublicKey)
	require.NoError(t, err)
	ci, err := crypto.NewChannel(keys, true)
	require.NoError(t, err)
	cr, err := crypto.NewChannel(keys, false)
	require.NoError(t, err)
	return NewFramer(ci, profile), NewFramer(cr, profile)
}

func TestFramerRoundTrip(t *testing.T) {
	tx, rx := newFramers(t, DefaultProfile)

	for i := 0; i < 50; i++ {
		in := &protocol.DataFrame{Seq: uint64(i), HighRecv: 3, Body: bytes.Repeat([]byte{byte(i)}, i*20)}
		pkt, seq, err := tx.Seal(in)
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)

		out, gotSeq, err := rx.Open(pkt)
		require.NoError(t, err)
		require.Equal(t, seq, gotSeq)
		df, ok := out.(*protocol.DataFrame)
		require.True(t, ok)
		require.Equal(t, in.Body, df.Body)
	}
}

func TestFramerPadsToAlignment(t *testing.T) {
	tx, _ := newFramers(t, ProfileMust(t, "minimal"))
	for n := 0; n < 200; n += 7 {
		pkt, _, err := tx.Seal(&protocol.DataFrame{Body: make([]byte, n)})
		require.NoError(t, err)
		require.Zero(t, (len(pkt)-tx.Overhead())%16, "len %d", len(pkt))
	}
}

func ProfileMust(t *testing.T, name string) Profile {
	t.Helper()
	p, err := LookupProfile(name)
	require.NoError(t, err)
	return p
}

func TestFramerDropsEverySingleBitFlip(t *testing.T) {
	tx, rx := newFramers(t, DefaultProfile)
	pkt, _, err := tx.Seal(&protocol.DataFrame{Seq: 1, Body: []byte("scan resistant")})
	require.NoError(t, err)

	for bit := 0; bit < len(pkt)*8; bit++ {
		tampered := append([]byte(nil), pkt...)
		tampered[bit/8] ^= 1 << (bit % 8)
		_, _, err := rx.Open(tampered)
		require.ErrorIs(t, err, ErrDrop, "bit %d", bit)
	}

	// the untouched packet still opens: failures did not disturb state
	_, _, err = rx.Open(pkt)
	require.NoError(t, err)
}

func TestFramerDropsReplayAndGarbage(t *testing.T) {
	tx, rx := newFramers(t, DefaultProfile)
	pkt, _, err := tx.Seal(&protocol.AckFrame{HighRecv: 1})
	require.NoError(t, err)

	_, _, err = rx.Open(pkt)
	require.NoError(t, err)
	_, _, err = rx.Open(pkt)
	require.ErrorIs(t, err, ErrDrop)

	for _, junk := range [][]byte{nil, {1}, make([]byte, 23), bytes.Repeat([]byte{0xff}, 500)} {
		_, _, err := rx.Open(junk)
		require.ErrorIs(t, err, ErrDrop)
	}
}

func TestReplayFilterWindow(t *testing.T) {
	var f ReplayFilter
	require.True(t, f.Mark(5))
	require.False(t, f.Mark(5))
	require.True(t, f.Mark(3))
	require.True(t, f.Mark(ReplayWindow+5))
	require.False(t, f.Check(5), "already marked")
	require.False(t, f.Check(4), "fell out of the window")
	require.True(t, f.Check(ReplayWindow+4))

	// a jump larger than the ring must not leave stale marks
	require.True(t, f.Mark(ReplayWindow+5+ringBits))
	require.True(t, f.Check(ReplayWindow+5+ringBits-1))
	require.False(t, f.Mark(ReplayWindow+5+ringBits))
}

func TestProfiles(t *testing.T) {
	p, err := LookupProfile("")
	require.NoError(t, err)
	require.Equal(t, DefaultProfile, p)

	_, err = LookupProfile("nope")
	require.Error(t, err)
	require.Equal(t, []string{"default", "heavy", "minimal"}, ProfileNames())

	heavy := ProfileMust(t, "heavy")
	for i := 0; i < 100; i++ {
		pad := heavy.PadLen(1300, 24, MaxPacket)
		require.LessOrEqual(t, 1300+pad+24, MaxPacket)
	}
	require.Zero(t, heavy.PadLen(2000, 24, MaxPacket))
}
