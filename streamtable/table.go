// Package streamtable implements the AFC stream table: a mapping from
// remote peer socket address to an open bidirectional TCP stream, with
// insert-no-clobber semantics, get-or-open helpers, and a fair
// randomized-round-robin readiness scan. It is the closest Go analogue
// of the upstream Afc.streams: IndexMap<SocketAddr, TcpStream>, adapted
// from Tokio's `StreamMap`-style polling (as the original's own comment
// acknowledges borrowing) into Go's goroutine-and-channel idiom.
package streamtable

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/gknopf-aranya/afc/internal/arand"
	"github.com/gknopf-aranya/afc/wire"
)

// NotFoundError reports that an operation referenced an address with no
// open stream.
type NotFoundError struct {
	Addr net.Addr
}

func (e *NotFoundError) Error() string { return "streamtable: no open stream for " + e.Addr.String() }

func newStreamNotFound(addr net.Addr) error { return &NotFoundError{Addr: addr} }

// entry is one stream table slot.
type entry struct {
	conn net.Conn
	br   *bufio.Reader
	addr net.Addr
	key  string
}

// Table maps remote peer address to an owned TCP stream. At most one
// entry exists per address at any time.
type Table struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry

	// wake fans in "this address may have become readable" events from
	// per-entry watcher goroutines, the way gopkg.in/eapache/channels.v1's
	// InfiniteChannel is used elsewhere in this pack's transports to
	// decouple many producers from one non-blocking consumer.
	wake *channels.InfiniteChannel

	haltCh chan struct{}
	halted bool
	wg     sync.WaitGroup

	log *log.Logger

	dialer net.Dialer
}

// New returns an empty stream table.
func New(logger *log.Logger) *Table {
	if logger == nil {
		logger = log.Default()
	}
	return &Table{
		entries: make(map[string]*entry),
		wake:    channels.NewInfiniteChannel(),
		haltCh:  make(chan struct{}),
		log:     logger,
	}
}

// Close halts every background watcher and closes every stream.
func (t *Table) Close() {
	t.mu.Lock()
	if t.halted {
		t.mu.Unlock()
		return
	}
	t.halted = true
	close(t.haltCh)
	conns := make([]net.Conn, 0, len(t.entries))
	for _, e := range t.entries {
		conns = append(conns, e.conn)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	t.wg.Wait()
	t.wake.Close()
}

// Insert adds conn, keyed by its remote address. If an entry already
// exists at that address, the existing stream is retained (it may have
// in-flight reads the caller is awaiting) and conn is returned as the
// duplicate for the caller to dispose of.
func (t *Table) Insert(conn net.Conn) (kept net.Conn, duplicate net.Conn) {
	addr := conn.RemoteAddr()
	key := addr.String()

	t.mu.Lock()
	if existing, ok := t.entries[key]; ok {
		t.mu.Unlock()
		t.log.Warn("duplicate stream, retaining existing", "addr", key)
		return existing.conn, conn
	}
	e := &entry{conn: conn, br: bufio.NewReader(conn), addr: addr, key: key}
	t.entries[key] = e
	t.order = append(t.order, key)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.watch(e)
	return conn, nil
}

// Contains reports whether addr already has an open stream.
func (t *Table) Contains(addr net.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[addr.String()]
	return ok
}

// GetMut returns the stream open to addr, if any.
func (t *Table) GetMut(addr net.Addr) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr.String()]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// reader returns the buffered reader ReadEnvelope must use for addr, so
// that readiness peeks and actual reads never disagree about what's been
// consumed.
func (t *Table) reader(addr net.Addr) (*bufio.Reader, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr.String()]
	if !ok {
		return nil, false
	}
	return e.br, true
}

// Connect dials host and inserts the resulting stream, closing
// (best-effort) any duplicate that resulted from a race, per the source
// material's open question about the discarded stream on a duplicate
// address.
func (t *Table) Connect(ctx context.Context, host string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	kept, dup := t.Insert(conn)
	if dup != nil {
		if err := dup.Close(); err != nil {
			t.log.Warn("failed to close duplicate stream", "err", err)
		}
	}
	return kept, nil
}

// GetOrOpen returns the stream at addr if present, else dials host and
// inserts the new stream.
func (t *Table) GetOrOpen(ctx context.Context, addr net.Addr, host string) (net.Conn, error) {
	if conn, ok := t.GetMut(addr); ok {
		return conn, nil
	}
	return t.Connect(ctx, host)
}

// TryGetOrOpen delegates to GetOrOpen when addr is non-nil; otherwise it
// opens a fresh connection to host, discarding any duplicate.
func (t *Table) TryGetOrOpen(ctx context.Context, addr net.Addr, host string) (net.Conn, error) {
	if addr != nil {
		return t.GetOrOpen(ctx, addr, host)
	}
	return t.Connect(ctx, host)
}

// evict removes and closes the stream at key, best effort.
func (t *Table) evict(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	_ = e.conn.Close()
}

// NextReady runs one pass of the fair readiness scan: a uniformly random
// start index, then at most N entries visited in insertion order modulo
// N. The first entry with a fully-buffered 8-byte wire header is
// reported READY; entries whose readiness probe errors are evicted
// in-place.
func (t *Table) NextReady() (net.Addr, bool) {
	t.mu.Lock()
	order := append([]string(nil), t.order...)
	t.mu.Unlock()

	n := len(order)
	if n == 0 {
		return nil, false
	}
	start := arand.Math().Intn(n)
	for i := 0; i < n; i++ {
		key := order[(start+i)%n]
		t.mu.Lock()
		e, ok := t.entries[key]
		t.mu.Unlock()
		if !ok {
			// Already evicted by a concurrent pass; skip.
			continue
		}
		ready, evictMe := t.probe(e)
		if evictMe {
			t.evict(key)
			continue
		}
		if ready {
			return e.addr, true
		}
	}
	return nil, false
}

// probe checks whether at least wire.HeaderSize bytes are buffered on
// e without consuming them, preferring an FIONREAD-equivalent ioctl on
// Unix and falling back to a non-blocking buffered peek elsewhere (or
// if the ioctl itself is unsupported/erroring).
func (t *Table) probe(e *entry) (ready bool, evict bool) {
	if n, ok := ioctlReadable(e.conn); ok {
		return n >= wire.HeaderSize, false
	}
	return peekReadable(e.br, e.conn)
}

// peekReadable is the cross-platform fallback: momentarily set a
// deadline in the past so a short buffered Peek cannot block, then
// restore "no deadline".
func peekReadable(br *bufio.Reader, conn net.Conn) (ready bool, evict bool) {
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	_ = conn.SetReadDeadline(time.Now().Add(-time.Second))

	_, err := br.Peek(wire.HeaderSize)
	switch {
	case err == nil:
		return true, false
	case isTimeout(err):
		return false, false
	default:
		return false, true
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// watch blocks on OS-level read-readiness for e's connection and pokes
// the table's wake channel whenever it fires, so Next's waiter is
// unblocked without busy-polling. It is the Go-idiomatic analogue of
// registering on a stream's async readiness notification.
func (t *Table) watch(e *entry) {
	defer t.wg.Done()
	for {
		select {
		case <-t.haltCh:
			return
		default:
		}

		if err := waitReadable(e.conn, t.haltCh); err != nil {
			t.evict(e.key)
			return
		}
		t.wake.In() <- e.addr

		// Give the consumer a chance to drain before we immediately
		// re-report the same still-buffered bytes as "new" readiness.
		select {
		case <-t.haltCh:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// Next suspends until NextReady reports an address, or ctx is done, or
// the table is closed.
func (t *Table) Next(ctx context.Context) (net.Addr, error) {
	for {
		if addr, ok := t.NextReady(); ok {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.haltCh:
			return nil, context.Canceled
		case <-t.wake.Out():
		case <-time.After(50 * time.Millisecond):
			// Safety-net tick: covers the gap between a watcher
			// goroutine observing readiness and a fresh stream
			// inserted after this call began waiting.
		}
	}
}

// ReadEnvelope reads one complete wire envelope from the stream open to
// addr, through the same buffered reader NextReady peeks against so a
// byte is never observed twice.
func (t *Table) ReadEnvelope(addr net.Addr) (wire.Msg, error) {
	br, ok := t.reader(addr)
	if !ok {
		return wire.Msg{}, newStreamNotFound(addr)
	}
	msg, err := wire.ReadEnvelope(br)
	if err != nil {
		t.evict(addr.String())
		return wire.Msg{}, err
	}
	return msg, nil
}

// Len reports the number of open streams.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
