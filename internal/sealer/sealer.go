// Package sealer provides the AFC engine's consumed Sealer/Opener
// capability: seal(chan_id, ciphertext, plaintext) -> Header and
// open(node_id, plaintext, ciphertext) -> (Label, Seq). The real
// capability is an external collaborator backed by a daemon-managed
// shared-memory key table (see internal/shmkey); this package's
// DefaultSealer/DefaultOpener is the one concrete implementation this
// repository ships, for integration tests and the cmd/afcd demo relay,
// built the way the teacher seals local state in disk.go and ratchet.go
// and frames stream traffic in stream/stream.go: nacl/secretbox
// authenticated encryption with HKDF-derived per-channel keys.
package sealer

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/gknopf-aranya/afc/internal/arand"
)

// ErrControlPayload is returned by Open when the header it was given
// marks a Control payload rather than Data. A Control payload inside a
// Data envelope is an internal-consistency violation the caller must
// treat as a bug, not a recoverable decryption failure.
var ErrControlPayload = errors.New("sealer: header is a Control payload, not Data")

// NodeID, Label, Seq and ChannelID mirror the root afc package's types.
// sealer is a leaf package and does not import afc, to keep afc free to
// depend on sealer instead.
type (
	NodeID = uint32
	Label  = uint32
	Seq    = uint64
)

// ChannelID is the opaque (node, label) pair the sealer is keyed by.
type ChannelID struct {
	NodeID NodeID
	Label  Label
}

// payloadKind distinguishes a Data payload from a Control payload at the
// sealed-header level, so Open can refuse to decrypt a misrouted
// Control payload into a Data channel (an internal bug, not a
// recoverable error, per the channel that calls it).
type payloadKind uint8

const (
	kindData payloadKind = iota
	kindControl
)

// nonceSize is nacl/secretbox's required nonce length.
const nonceSize = 24

// Header is the fixed-size preamble written ahead of every sealed
// payload on the wire.
type Header struct {
	Kind  payloadKind
	Nonce [nonceSize]byte
}

// PACKED_SIZE is the serialized size of Header: §6 of the specification
// names this constant using that exact casing as part of the Sealer
// capability's external contract.
const PACKED_SIZE = 1 + nonceSize

// seqSize is the width of the sequence counter Seal prepends to every
// plaintext before sealing, since secretbox has no associated-data
// channel to carry it out-of-band.
const seqSize = 8

// SEAL_OVERHEAD is how many more bytes the sealed ciphertext occupies
// than the caller's plaintext: nacl/secretbox's MAC overhead, plus the
// leading sequence counter this package authenticates by sealing it as
// part of the plaintext.
const SEAL_OVERHEAD = secretbox.Overhead + seqSize

func (h Header) marshal() []byte {
	buf := make([]byte, PACKED_SIZE)
	buf[0] = byte(h.Kind)
	copy(buf[1:], h.Nonce[:])
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != PACKED_SIZE {
		return Header{}, fmt.Errorf("sealer: bad header length %d", len(buf))
	}
	h := Header{Kind: payloadKind(buf[0])}
	copy(h.Nonce[:], buf[1:])
	return h, nil
}

type channelKey struct {
	key  *memguard.LockedBuffer
	sent uint64 // atomic
}

// DefaultSealer seals outbound Data payloads. One instance is shared by
// every channel the engine has opened; channel keys are derived
// on-demand from a root secret, the way a real daemon would derive
// them from its shared-memory key table instead. Key material is held
// in memguard.LockedBuffers for the sealer's lifetime, the same way
// ratchet.go keeps its long-lived Double Ratchet secrets off the normal
// GC heap and out of swap.
type DefaultSealer struct {
	mu   sync.Mutex
	root *memguard.LockedBuffer
	keys map[ChannelID]*channelKey
}

// NewDefaultSealer derives all channel keys from root via HKDF-SHA256.
func NewDefaultSealer(root []byte) *DefaultSealer {
	return &DefaultSealer{
		root: memguard.NewBufferFromBytes(root),
		keys: make(map[ChannelID]*channelKey),
	}
}

func (s *DefaultSealer) channelKeyFor(id ChannelID) (*channelKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, ok := s.keys[id]
	if ok {
		return ck, nil
	}
	derived, err := deriveChannelKey(s.root.Bytes(), id)
	if err != nil {
		return nil, err
	}
	ck = &channelKey{key: memguard.NewBufferFromBytes(derived[:])}
	s.keys[id] = ck
	return ck, nil
}

func deriveChannelKey(root []byte, id ChannelID) ([32]byte, error) {
	var salt [8]byte
	binary.LittleEndian.PutUint32(salt[0:4], id.NodeID)
	binary.LittleEndian.PutUint32(salt[4:8], id.Label)
	r := hkdf.New(sha256.New, root, salt[:], []byte("afc channel key"))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// Seal authenticates and encrypts plaintext for chanID, returning the
// Header to prepend to the sealed bytes. Seal owns the channel's
// send-sequence counter (starting at 0, strictly increasing), embedding
// it ahead of plaintext before sealing so Open can recover it without a
// side channel.
func (s *DefaultSealer) Seal(chanID ChannelID, plaintext []byte) ([]byte, Header, error) {
	ck, err := s.channelKeyFor(chanID)
	if err != nil {
		return nil, Header{}, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(arand.Reader, nonce[:]); err != nil {
		return nil, Header{}, fmt.Errorf("sealer: nonce: %w", err)
	}

	seq := atomic.AddUint64(&ck.sent, 1) - 1
	framed := make([]byte, seqSize+len(plaintext))
	binary.BigEndian.PutUint64(framed[:seqSize], seq)
	copy(framed[seqSize:], plaintext)

	sealed := secretbox.Seal(nil, framed, &nonce, ck.key.ByteArray32())
	return sealed, Header{Kind: kindData, Nonce: nonce}, nil
}

// ChannelKey returns the 32-byte key DefaultSealer derives (and caches) for
// id, deriving it now if this is the first reference. A real deployment's
// daemon calls this to populate the peer's shared-memory key table after
// establishing a channel; Provision is the corresponding write on the
// opener side.
func (s *DefaultSealer) ChannelKey(id ChannelID) ([32]byte, error) {
	ck, err := s.channelKeyFor(id)
	if err != nil {
		return [32]byte{}, err
	}
	return *ck.key.ByteArray32(), nil
}

// DefaultOpener opens inbound sealed payloads. Its key registry is
// indexed by NodeID, simulating the per-channel-endpoint lookup a real
// daemon performs against its shared-memory key table (internal/shmkey
// provides the read side of that table for a file-backed equivalent).
type DefaultOpener struct {
	mu     sync.RWMutex
	byNode map[NodeID]provisioned
}

type provisioned struct {
	label Label
	key   *memguard.LockedBuffer
}

// NewDefaultOpener returns an opener with no channels provisioned; call
// Provision to register a node's channel key out of band, matching the
// specification's assumption that keys are already provisioned before
// any AFC traffic arrives.
func NewDefaultOpener() *DefaultOpener {
	return &DefaultOpener{byNode: make(map[NodeID]provisioned)}
}

// Provision registers the key and bound label for nodeID. Intended for
// test setup and the cmd/afcd demo relay, standing in for the daemon's
// shared-memory write side.
func (o *DefaultOpener) Provision(nodeID NodeID, label Label, key [32]byte) {
	o.mu.Lock()
	o.byNode[nodeID] = provisioned{label: label, key: memguard.NewBufferFromBytes(key[:])}
	o.mu.Unlock()
}

// Open decrypts ciphertext (the bytes following Header on the wire) for
// nodeID's provisioned channel, returning the authenticated plaintext,
// the channel's bound label (intrinsic to the provisioned channel
// binding, not decrypted from the payload), and the sequence number the
// sender embedded ahead of plaintext. Callers compare the returned label
// against the channel table's expectation themselves (§4.4 open_data
// step 6); Open only reports what the sealer capability actually bound.
func (o *DefaultOpener) Open(nodeID NodeID, header Header, ciphertext []byte) (plaintext []byte, label Label, seq Seq, err error) {
	if header.Kind != kindData {
		return nil, 0, 0, ErrControlPayload
	}
	o.mu.RLock()
	p, ok := o.byNode[nodeID]
	o.mu.RUnlock()
	if !ok {
		return nil, 0, 0, fmt.Errorf("sealer: no key provisioned for node %d", nodeID)
	}

	framed, ok := secretbox.Open(nil, ciphertext, &header.Nonce, p.key.ByteArray32())
	if !ok {
		return nil, 0, 0, fmt.Errorf("sealer: decryption failed")
	}
	if len(framed) < seqSize {
		return nil, 0, 0, fmt.Errorf("sealer: decrypted payload shorter than sequence prefix")
	}
	seq = binary.BigEndian.Uint64(framed[:seqSize])
	return framed[seqSize:], p.label, seq, nil
}

// HeaderMarshal and HeaderUnmarshal expose Header's wire encoding to the
// root afc engine package without that package needing to know
// secretbox's nonce layout.
func HeaderMarshal(h Header) []byte           { return h.marshal() }
func HeaderUnmarshal(b []byte) (Header, error) { return unmarshalHeader(b) }
func NewDataHeader(nonce [nonceSize]byte) Header {
	return Header{Kind: kindData, Nonce: nonce}
}
