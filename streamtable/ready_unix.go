//go:build unix

package streamtable

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

type rawReader interface {
	SyscallConn() (syscall.RawConn, error)
}

// ioctlReadable reports the number of bytes currently buffered on conn's
// socket via FIONREAD, without consuming them. ok is false if conn
// doesn't expose a raw file descriptor (e.g. it isn't backed by one) or
// the ioctl itself failed, in which case the caller should fall back to
// a buffered peek.
func ioctlReadable(conn net.Conn) (n int, ok bool) {
	rr, isRaw := conn.(rawReader)
	if !isRaw {
		return 0, false
	}
	rc, err := rr.SyscallConn()
	if err != nil {
		return 0, false
	}
	var got int
	var ctlErr error
	err = rc.Control(func(fd uintptr) {
		got, ctlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if err != nil || ctlErr != nil {
		return 0, false
	}
	return got, true
}

// waitReadable blocks until conn's underlying fd is believed readable,
// returning an error if conn reports one, or nil if halt fires first.
func waitReadable(conn net.Conn, halt <-chan struct{}) error {
	rr, isRaw := conn.(rawReader)
	if !isRaw {
		return waitReadableFallback(conn, halt)
	}
	rc, err := rr.SyscallConn()
	if err != nil {
		return err
	}
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- rc.Read(func(fd uintptr) bool {
			// Returning false tells the runtime poller to keep waiting for
			// readability and call us again later; only report done once
			// FIONREAD actually sees buffered bytes (or errors, in which
			// case the caller's next probe will surface the failure).
			n, err := unix.IoctlGetInt(int(fd), unix.FIONREAD)
			return err != nil || n > 0
		})
	}()
	select {
	case <-halt:
		return nil
	case err := <-resultCh:
		return err
	}
}
