//go:build !unix

package streamtable

import "net"

// ioctlReadable has no portable equivalent outside unix; callers fall
// back to a buffered peek.
func ioctlReadable(conn net.Conn) (n int, ok bool) {
	return 0, false
}

func waitReadable(conn net.Conn, halt <-chan struct{}) error {
	return waitReadableFallback(conn, halt)
}
