package sealer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s := NewDefaultSealer([]byte("root secret material for tests"))
	o := NewDefaultOpener()

	chanID := ChannelID{NodeID: 1, Label: 42}
	var key [32]byte
	copy(key[:], mustDeriveForTest(t, s, chanID))
	o.Provision(chanID.NodeID, chanID.Label, key)

	plaintext := []byte("hello afc")
	sealed, header, err := s.Seal(chanID, plaintext)
	require.NoError(t, err)

	out, label, seq, err := o.Open(chanID.NodeID, header, sealed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
	require.EqualValues(t, 42, label)
	require.EqualValues(t, 0, seq)

	sealed2, header2, err := s.Seal(chanID, []byte("second"))
	require.NoError(t, err)
	_, _, seq2, err := o.Open(chanID.NodeID, header2, sealed2)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq2)
}

func TestOpenRejectsControlHeader(t *testing.T) {
	o := NewDefaultOpener()
	var key [32]byte
	o.Provision(1, 1, key)

	_, _, _, err := o.Open(1, Header{Kind: kindControl}, []byte("whatever"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrControlPayload)
}

func TestOpenUnknownNodeFails(t *testing.T) {
	o := NewDefaultOpener()
	_, _, _, err := o.Open(99, Header{Kind: kindData}, []byte("whatever"))
	require.Error(t, err)
}

func TestHeaderRoundTrip(t *testing.T) {
	var nonce [nonceSize]byte
	nonce[0] = 7
	h := NewDataHeader(nonce)
	buf := HeaderMarshal(h)
	require.Len(t, buf, PACKED_SIZE)

	got, err := HeaderUnmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

// mustDeriveForTest returns the exact key the sealer will use for id, so
// the test can provision its opener with it, standing in for the daemon
// that would normally populate both sides of the shared-memory key table
// from the same source of truth.
func mustDeriveForTest(t *testing.T, s *DefaultSealer, id ChannelID) []byte {
	t.Helper()
	key, err := s.ChannelKey(id)
	require.NoError(t, err)
	return key[:]
}
