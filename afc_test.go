package afc

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gknopf-aranya/afc/channeltable"
	"github.com/gknopf-aranya/afc/internal/sealer"
	"github.com/gknopf-aranya/afc/wire"
)

// harness wires up two Engines on real loopback TCP sockets: a and b, each
// with its own sealer and an opener that starts with no keys provisioned.
// Tests that exchange Data messages call provisionChannel to share a
// channel key, the way two daemons sharing a provisioned channel would.
type harness struct {
	a, b *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	la, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lb, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sealA := sealer.NewDefaultSealer([]byte("root secret for engine a"))
	openA := sealer.NewDefaultOpener()
	sealB := sealer.NewDefaultSealer([]byte("root secret for engine b"))
	openB := sealer.NewDefaultOpener()

	a := New(la, sealA, openA, nil, nil)
	b := New(lb, sealB, openB, nil, nil)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return &harness{a: a, b: b}
}

// provisionChannel reads chanID's derived key off the sender's sealer and
// writes it into the receiver's opener, standing in for the daemon's
// shared-memory key table sync that happens out of band in production.
func provisionChannel(t *testing.T, s *sealer.DefaultSealer, o *sealer.DefaultOpener, chanID sealer.ChannelID) {
	t.Helper()
	key, err := s.ChannelKey(chanID)
	require.NoError(t, err)
	o.Provision(chanID.NodeID, chanID.Label, key)
}

func randomID(t *testing.T) [32]byte {
	t.Helper()
	var id [32]byte
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func TestEngineCtrlEstablishesChannelOnBothSides(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	afcID := AfcID(randomID(t))
	teamID := TeamID(randomID(t))
	chanID := ChannelID{NodeID: h.b.NextNodeID(), Label: 7}

	err := h.a.SendCtrl(ctx, h.b.LocalAddr().String(), []byte("open"), teamID, afcID, chanID)
	require.NoError(t, err)

	event, err := h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollAccepted, event.Kind)

	event, err = h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollReady, event.Kind)

	msg, err := h.b.ReadMsg(event.Addr)
	require.NoError(t, err)
	require.NotNil(t, msg.Ctrl)
	require.Equal(t, []byte("open"), msg.Ctrl.Cmd)
	require.Equal(t, [32]byte(teamID), msg.Ctrl.TeamID)

	h.b.AddChannel(afcID, h.a.LocalAddr().String(), teamID, chanID, event.Addr)
	_, ok := h.b.channels.Lookup(afcID)
	require.True(t, ok)

	// SendCtrl itself records the channel on the sending side.
	_, ok = h.a.channels.Lookup(afcID)
	require.True(t, ok)
}

func TestEngineDataRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	afcID := AfcID(randomID(t))
	teamID := TeamID(randomID(t))
	nodeID := h.a.NextNodeID()
	chanID := ChannelID{NodeID: nodeID, Label: 99}

	// Establish the stream in both directions first so SendData has
	// somewhere to write without dialing mid-test.
	conn, err := h.a.streams.Connect(ctx, h.b.LocalAddr().String())
	require.NoError(t, err)

	event, err := h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollAccepted, event.Kind)

	h.a.AddChannel(afcID, h.b.LocalAddr().String(), teamID, chanID, conn.RemoteAddr())
	h.b.AddChannel(afcID, h.a.LocalAddr().String(), teamID, chanID, event.Addr)

	// Provision the matching opener key on b's side by deriving the same
	// channel key a's sealer would use, standing in for the daemon's
	// shared-memory write.
	sealA := h.a.sealer.(*sealer.DefaultSealer)
	openB := h.b.opener.(*sealer.DefaultOpener)
	provisionChannel(t, sealA, openB, sealer.ChannelID{NodeID: nodeID, Label: 99})

	err = h.a.SendData(ctx, afcID, []byte("hello over afc"))
	require.NoError(t, err)

	event, err = h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollReady, event.Kind)

	msg, err := h.b.ReadMsg(event.Addr)
	require.NoError(t, err)
	require.NotNil(t, msg.Data)

	opened, err := h.b.OpenData(msg.Data)
	require.NoError(t, err)
	require.Equal(t, []byte("hello over afc"), opened.Plaintext)
	require.Equal(t, afcID, opened.AfcID)
	require.EqualValues(t, 99, opened.Label)
	require.EqualValues(t, 0, opened.Seq)
}

func TestEngineReplayedSequenceRejected(t *testing.T) {
	h := newHarness(t)

	afcID := AfcID(randomID(t))
	teamID := TeamID(randomID(t))
	chanID := ChannelID{NodeID: 1, Label: 1}

	h.a.AddChannel(afcID, "", teamID, chanID, nil)
	ch, ok := h.a.channels.Lookup(channeltable.AfcID(afcID))
	require.True(t, ok)

	_, replayed := ch.Accept(0)
	require.False(t, replayed)
	_, replayed = ch.Accept(0)
	require.True(t, replayed)
}

func TestEngineBadMagicRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := h.a.streams.Connect(ctx, h.b.LocalAddr().String())
	require.NoError(t, err)

	event, err := h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollAccepted, event.Kind)

	_, err = conn.Write([]byte{0, 0, 0, 0, 1, 0, 0, 0, 0xFF})
	require.NoError(t, err)

	event, err = h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollReady, event.Kind)

	_, err = h.b.ReadMsg(event.Addr)
	require.Error(t, err)
	var afcErr *Error
	require.ErrorAs(t, err, &afcErr)
	require.Equal(t, KindInvalidMagic, afcErr.Kind)
}

func TestEngineOversizeLengthRejectedBeforeBodyRead(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := h.a.streams.Connect(ctx, h.b.LocalAddr().String())
	require.NoError(t, err)

	event, err := h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollAccepted, event.Kind)

	oversize := append(append([]byte{}, wire.Magic[:]...), 0xFF, 0xFF, 0xFF, 0xFF)
	_, err = conn.Write(oversize)
	require.NoError(t, err)

	event, err = h.b.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, PollReady, event.Kind)

	_, err = h.b.ReadMsg(event.Addr)
	require.Error(t, err)
	var afcErr *Error
	require.ErrorAs(t, err, &afcErr)
	require.Equal(t, KindMsgTooLarge, afcErr.Kind)
}

func TestEngineDuplicateAddChannelIgnored(t *testing.T) {
	h := newHarness(t)

	afcID := AfcID(randomID(t))
	teamID := TeamID(randomID(t))
	chanID := ChannelID{NodeID: 1, Label: 1}

	h.a.AddChannel(afcID, "first", teamID, chanID, nil)
	h.a.AddChannel(afcID, "second", teamID, chanID, nil)

	ch, ok := h.a.channels.Lookup(channeltable.AfcID(afcID))
	require.True(t, ok)
	require.Equal(t, "first", ch.NetID)
}
