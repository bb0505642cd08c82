package afc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/charmbracelet/log"

	"github.com/gknopf-aranya/afc/channeltable"
	"github.com/gknopf-aranya/afc/internal/sealer"
	"github.com/gknopf-aranya/afc/internal/worker"
	"github.com/gknopf-aranya/afc/streamtable"
	"github.com/gknopf-aranya/afc/wire"
)

// Sealer is the consumed cryptographic capability for outbound payloads,
// keyed by channel identifier. The only concrete implementation this
// repository ships is internal/sealer.DefaultSealer; production
// deployments are expected to supply one backed by the daemon's
// shared-memory key table instead.
type Sealer interface {
	Seal(chanID sealer.ChannelID, plaintext []byte) (ciphertext []byte, header sealer.Header, err error)
}

// Opener is the consumed cryptographic capability for inbound payloads,
// keyed by the sending peer's local NodeID.
type Opener interface {
	Open(nodeID sealer.NodeID, header sealer.Header, ciphertext []byte) (plaintext []byte, label sealer.Label, seq sealer.Seq, err error)
}

// PollKind distinguishes the two events (*Engine).Poll can report.
type PollKind int

const (
	// PollReady means a previously-open stream became readable; the
	// caller should invoke ReadMsg with the reported address.
	PollReady PollKind = iota
	// PollAccepted means the listener admitted a new inbound connection,
	// now registered in the Stream Table under the reported address.
	PollAccepted
)

func (k PollKind) String() string {
	if k == PollAccepted {
		return "Accepted"
	}
	return "Ready"
}

// PollEvent is the result of one (*Engine).Poll call.
type PollEvent struct {
	Kind PollKind
	Addr net.Addr
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Engine composes the wire codec, Stream Table, Channel Table, node-ID
// allocator, and sealing capability into the AFC router. It exposes the
// operations §4.4 names (Poll, SendCtrl, SendData, ReadMsg, OpenData,
// AddChannel, RemoveChannel, NextNodeID, LocalAddr) plus ChannelIDs and
// Close. An Engine is single-threaded-cooperative: callers must
// serialize invocations, the same contract client2/connection.go places
// on its own onWireConn loop.
type Engine struct {
	worker.Worker

	sealer Sealer
	opener Opener

	listener net.Listener
	streams  *streamtable.Table
	channels *channeltable.Table
	nodeIDs  nodeIDAllocator

	// acceptCh is fed by one long-lived accept-pump goroutine (started
	// in New), so repeated Poll calls never race multiple concurrent
	// Accept() calls against the same listener.
	acceptCh chan acceptResult

	// readyCh is fed by one long-lived ready-pump goroutine (started in
	// New), so repeated Poll calls never each spawn their own
	// streams.Next waiter.
	readyCh chan net.Addr

	log     *log.Logger
	metrics *Metrics
}

// New constructs an Engine bound to listener. sealer/opener may be nil
// only if the caller intends to exercise control-plane-only paths
// (SendData/OpenData will return KindEncryption/KindDecryption errors).
func New(listener net.Listener, seal Sealer, open Opener, logger *log.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	e := &Engine{
		sealer:   seal,
		opener:   open,
		listener: listener,
		streams:  streamtable.New(logger),
		channels: channeltable.New(logger),
		acceptCh: make(chan acceptResult, 1),
		readyCh:  make(chan net.Addr, 1),
		log:      logger,
		metrics:  metrics,
	}
	e.Go(e.acceptPump)
	e.Go(e.readyPump)
	return e
}

// acceptPump repeatedly calls Accept and forwards each result, stopping
// once the listener reports an error (typically because Close closed
// it).
func (e *Engine) acceptPump() {
	for {
		conn, err := e.listener.Accept()
		select {
		case e.acceptCh <- acceptResult{conn, err}:
		case <-e.HaltCh():
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// readyPump is the single long-lived waiter on streams.Next, forwarding
// each address that becomes readable. Using context.Background() here
// is safe: Next already unblocks on the Stream Table's own close, and
// readyPump's own send selects on HaltCh so it never outlives Close.
func (e *Engine) readyPump() {
	for {
		addr, err := e.streams.Next(context.Background())
		if err != nil {
			return
		}
		select {
		case e.readyCh <- addr:
		case <-e.HaltCh():
			return
		}
	}
}

// LocalAddr returns the engine's listening address.
func (e *Engine) LocalAddr() net.Addr { return e.listener.Addr() }

// NextNodeID allocates and returns a fresh NodeID. No I/O, no
// suspension.
func (e *Engine) NextNodeID() NodeID { return e.nodeIDs.allocate() }

// Close shuts the engine down: stops accepting, closes every open
// stream, and halts background workers.
func (e *Engine) Close() error {
	err := e.listener.Close()
	e.streams.Close()
	e.Halt()
	return err
}

// Poll suspends until either a registered stream becomes ready or the
// listener accepts a new peer, biased toward stream readiness so
// backpressure on existing channels drains before new peers are
// admitted.
func (e *Engine) Poll(ctx context.Context) (PollEvent, error) {
	if addr, ok := e.streams.NextReady(); ok {
		return PollEvent{Kind: PollReady, Addr: addr}, nil
	}

	select {
	case <-ctx.Done():
		return PollEvent{}, ctx.Err()
	case addr := <-e.readyCh:
		return PollEvent{Kind: PollReady, Addr: addr}, nil
	case res := <-e.acceptCh:
		// Give stream readiness one more chance to win a genuine tie
		// before committing to reporting the accept.
		select {
		case addr := <-e.readyCh:
			e.admit(res)
			return PollEvent{Kind: PollReady, Addr: addr}, nil
		default:
		}
		if res.err != nil {
			return PollEvent{}, newErr(KindStreamAccept, res.err)
		}
		addr := e.admit(res)
		return PollEvent{Kind: PollAccepted, Addr: addr}, nil
	}
}

func (e *Engine) admit(res acceptResult) net.Addr {
	if res.err != nil || res.conn == nil {
		return nil
	}
	kept, dup := e.streams.Insert(res.conn)
	if dup != nil {
		_ = dup.Close()
	}
	e.metrics.StreamsAccepted.Inc()
	return kept.RemoteAddr()
}

// AddChannel provisions afcID in the Channel Table. A duplicate afcID is
// logged and otherwise ignored, per §4.3: overwriting would reset
// nextMinSeq and reopen the channel to replay.
func (e *Engine) AddChannel(afcID AfcID, netID string, teamID TeamID, chanID ChannelID, addr net.Addr) {
	before := e.channels.Len()
	e.channels.Add(
		channeltable.AfcID(afcID),
		netID,
		channeltable.TeamID(teamID),
		channeltable.ChannelID{NodeID: channeltable.NodeID(chanID.NodeID), Label: channeltable.Label(chanID.Label)},
		addr,
	)
	if e.channels.Len() > before {
		e.metrics.ChannelsAdded.Inc()
	}
}

// ChannelIDs returns a snapshot of every afc_id currently provisioned in
// the Channel Table, for diagnostics (e.g. logging survivors on
// shutdown).
func (e *Engine) ChannelIDs() []AfcID {
	raw := e.channels.IDs()
	ids := make([]AfcID, len(raw))
	for i, id := range raw {
		ids[i] = AfcID(id)
	}
	return ids
}

// RemoveChannel deletes afcID, best effort.
func (e *Engine) RemoveChannel(afcID AfcID) {
	if _, ok := e.channels.Lookup(channeltable.AfcID(afcID)); ok {
		e.metrics.ChannelsRemoved.Inc()
	}
	e.channels.Remove(channeltable.AfcID(afcID))
}

// SendCtrl builds, seals nothing (Ctrl is sent in the clear, as §6
// specifies the Ctrl variant carries only the daemon command, not
// application payload), frames, and transmits a Ctrl message to netID,
// then records the resulting channel binding.
//
// Per the source material's own open question (preserved here): the
// channel's bound address is the remote address of whichever stream
// carried this Ctrl message, which may be a pre-existing stream to a
// different resolved address than netID's freshest DNS answer.
func (e *Engine) SendCtrl(ctx context.Context, netID string, cmd []byte, teamID TeamID, afcID AfcID, chanID ChannelID) error {
	msg := wire.Msg{Ctrl: &wire.Ctrl{Version: wire.V1, TeamID: [32]byte(teamID), Cmd: cmd}}
	header, body, err := wire.EncodeParts(msg)
	if err != nil {
		return wrapWireErr(err)
	}

	addr := e.preferExistingResolved(ctx, netID)
	conn, err := e.streams.TryGetOrOpen(ctx, addr, netID)
	if err != nil {
		return newErr(KindStreamConnect, err)
	}

	if err := writeVectored(conn, header[:], body); err != nil {
		return newErr(KindStreamWrite, err)
	}

	e.AddChannel(afcID, netID, teamID, chanID, conn.RemoteAddr())
	return nil
}

// preferExistingResolved resolves netID's host and, among the resolved
// addresses, returns the first one the Stream Table already has an open
// stream for; nil if none do, letting TryGetOrOpen dial fresh.
func (e *Engine) preferExistingResolved(ctx context.Context, netID string) net.Addr {
	host, port, err := net.SplitHostPort(netID)
	if err != nil {
		return nil
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		candidate, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(ip, port))
		if err != nil {
			continue
		}
		if e.streams.Contains(candidate) {
			return candidate
		}
	}
	return nil
}

// SendData seals plaintext for afcID's channel and transmits it as a
// Data message.
func (e *Engine) SendData(ctx context.Context, afcID AfcID, plaintext []byte) error {
	ch, ok := e.channels.Lookup(channeltable.AfcID(afcID))
	if !ok {
		return newErrDetail(KindChannelNotFound, afcID)
	}
	if e.sealer == nil {
		return newErr(KindEncryption, fmt.Errorf("no sealer capability configured"))
	}

	sealChanID := sealer.ChannelID{NodeID: ch.ChanID.NodeID, Label: ch.ChanID.Label}
	sealed, hdr, err := e.sealer.Seal(sealChanID, plaintext)
	if err != nil {
		return newErr(KindEncryption, err)
	}

	ciphertext := make([]byte, sealer.PACKED_SIZE+len(sealed))
	copy(ciphertext, sealer.HeaderMarshal(hdr))
	copy(ciphertext[sealer.PACKED_SIZE:], sealed)

	msg := wire.Msg{Data: &wire.Data{Version: wire.V1, AfcID: [32]byte(afcID), Ciphertext: ciphertext}}
	header, body, err := wire.EncodeParts(msg)
	if err != nil {
		return wrapWireErr(err)
	}

	conn, err := e.streams.TryGetOrOpen(ctx, ch.Addr, ch.NetID)
	if err != nil {
		return newErr(KindStreamConnect, err)
	}
	if err := writeVectored(conn, header[:], body); err != nil {
		return newErr(KindStreamWrite, err)
	}
	return nil
}

// ReadMsg reads and decodes exactly one envelope from the stream open to
// addr.
func (e *Engine) ReadMsg(addr net.Addr) (wire.Msg, error) {
	msg, err := e.streams.ReadEnvelope(addr)
	if err != nil {
		var notFound *streamtable.NotFoundError
		if errors.As(err, &notFound) {
			return wire.Msg{}, newErr(KindStreamNotFound, err)
		}
		e.metrics.StreamsEvicted.Inc()
		return wire.Msg{}, wrapWireErr(err)
	}
	return msg, nil
}

// OpenedData is the result of successfully opening an inbound Data
// message.
type OpenedData struct {
	Plaintext []byte
	AfcID     AfcID
	Label     Label
	Seq       Seq
}

// OpenData validates, decrypts, and replay-checks an inbound Data
// message, advancing its channel's replay floor on acceptance.
func (e *Engine) OpenData(d *wire.Data) (OpenedData, error) {
	if d.Version != wire.V1 {
		return OpenedData{}, newErrDetail(KindVersionMismatch, d.Version)
	}

	afcID := AfcID(d.AfcID)
	ch, ok := e.channels.Lookup(channeltable.AfcID(afcID))
	if !ok {
		return OpenedData{}, newErrDetail(KindChannelNotFound, afcID)
	}

	if _, open := ch.NextMinSeq(); !open {
		return OpenedData{}, newErrDetail(KindEndOfChannel, afcID)
	}

	if len(d.Ciphertext) < sealer.PACKED_SIZE {
		return OpenedData{}, newErrDetail(KindInvalidHeader, len(d.Ciphertext))
	}
	hdr, err := sealer.HeaderUnmarshal(d.Ciphertext[:sealer.PACKED_SIZE])
	if err != nil {
		return OpenedData{}, newErr(KindInvalidHeader, err)
	}
	sealedBytes := d.Ciphertext[sealer.PACKED_SIZE:]

	if len(sealedBytes) < sealer.SEAL_OVERHEAD {
		return OpenedData{}, newErrDetail(KindPayloadTooSmall, len(sealedBytes))
	}

	if e.opener == nil {
		return OpenedData{}, newErr(KindDecryption, fmt.Errorf("no opener capability configured"))
	}
	payload, label, sealedSeq, err := e.opener.Open(sealer.NodeID(ch.ChanID.NodeID), hdr, sealedBytes)
	if err != nil {
		if errors.Is(err, sealer.ErrControlPayload) {
			bug("Control payload found inside Data envelope for afc_id %s", afcID)
		}
		return OpenedData{}, newErr(KindDecryption, err)
	}

	if Label(label) != Label(ch.ChanID.Label) {
		bug("decrypted label %d does not match channel's bound label %d for afc_id %s", label, ch.ChanID.Label, afcID)
	}

	seq := Seq(sealedSeq)
	accepted, replayed := ch.Accept(channeltable.Seq(seq))
	if replayed {
		e.metrics.MessagesReplayed.Inc()
		return OpenedData{}, newErrDetail(KindMsgReplayed, seq)
	}
	if !accepted {
		return OpenedData{}, newErrDetail(KindEndOfChannel, afcID)
	}
	if _, open := ch.NextMinSeq(); !open {
		e.metrics.ChannelsExhausted.Inc()
	}

	return OpenedData{Plaintext: payload, AfcID: afcID, Label: Label(label), Seq: seq}, nil
}

func writeVectored(conn net.Conn, header []byte, body []byte) error {
	buffers := net.Buffers{header, body}
	_, err := buffers.WriteTo(conn)
	return err
}

func wrapWireErr(err error) error {
	var magicErr *wire.InvalidMagicError
	if errors.As(err, &magicErr) {
		return newErrDetail(KindInvalidMagic, magicErr.Got)
	}
	var tooLarge *wire.MsgTooLargeError
	if errors.As(err, &tooLarge) {
		return newErrDetail(KindMsgTooLarge, struct{ Got, Max int }{tooLarge.Got, tooLarge.Max})
	}
	var serde *wire.SerdeError
	if errors.As(err, &serde) {
		return newErr(KindSerde, serde)
	}
	return newErr(KindStreamRead, err)
}
