// Package afc implements the AFC transport core: the wire framing, the
// channel table with its sequence-number replay-defense invariant, the
// stream table with fair readiness polling, and the send/receive state
// machine that composes them.
package afc

import (
	"encoding/hex"
	"fmt"
)

// NodeID is a per-process monotonic identifier handed out by
// (*Engine).NextNodeID, used by the sealer to select among local channel
// endpoints. No reuse within a process lifetime.
type NodeID uint32

// Label is an application-visible channel tag, verified against the
// channel's bound label on every decrypt.
type Label uint32

// Seq is a per-channel monotonically-increasing 64-bit payload sequence
// number.
type Seq uint64

// AfcID globally, uniquely identifies a channel (cryptographically
// random, collision-negligible). It keys the channel table.
type AfcID [32]byte

func (id AfcID) String() string { return hex.EncodeToString(id[:]) }

// TeamID identifies the team a Ctrl message is scoped to.
type TeamID [32]byte

func (id TeamID) String() string { return hex.EncodeToString(id[:]) }

// ChannelID is the opaque (node, label) pair the sealer/opener capability
// is keyed by. It is created by the daemon and only referenced, never
// constructed, by the channel table.
type ChannelID struct {
	NodeID NodeID
	Label  Label
}

func (c ChannelID) String() string {
	return fmt.Sprintf("ChannelID(node=%d,label=%d)", c.NodeID, c.Label)
}
