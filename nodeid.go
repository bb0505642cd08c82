package afc

import "sync/atomic"

// nodeIDAllocator hands out monotonically increasing NodeIDs with no
// reuse within a process lifetime. Overflow at 2^32 wraps silently, per
// spec.md's explicit allowance ("the reference allows unchecked
// overflow") rather than this repository inventing stricter behavior.
type nodeIDAllocator struct {
	next uint32
}

func (a *nodeIDAllocator) allocate() NodeID {
	return NodeID(atomic.AddUint32(&a.next, 1) - 1)
}
