// Package shmkey implements the shared-memory key-state opener the AFC
// engine uses to construct its Sealer capability: it parses a
// filesystem path (rejecting invalid characters), maps the referenced
// segment read-only with golang.org/x/sys/unix.Mmap, and hands the
// resulting bytes to internal/sealer for key derivation. Modeled on
// ratchet.go's own treatment of key material as an opaque byte region
// to be locked down immediately after it is obtained.
package shmkey

import (
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// PathError reports a filesystem path unsuitable for a shared-memory
// key segment: empty, containing a NUL byte, or not absolute.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return fmt.Sprintf("shmkey: invalid path %q: %v", e.Path, e.Err) }
func (e *PathError) Unwrap() error { return e.Err }

// ParsePath validates path the way the daemon's own shared-memory path
// type would: non-empty, absolute, free of embedded NUL bytes (which
// would truncate the path silently at the syscall boundary).
func ParsePath(path string) (string, error) {
	if path == "" {
		return "", &PathError{Path: path, Err: fmt.Errorf("empty path")}
	}
	if strings.ContainsRune(path, 0) {
		return "", &PathError{Path: path, Err: fmt.Errorf("embedded NUL byte")}
	}
	if !strings.HasPrefix(path, "/") {
		return "", &PathError{Path: path, Err: fmt.Errorf("must be absolute")}
	}
	return path, nil
}

// Handle is a read-only mapping of the daemon's shared key-state
// segment.
type Handle struct {
	data     []byte
	maxChans int
}

// OpenError reports that the shared segment could not be opened or
// mapped.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string { return fmt.Sprintf("shmkey: open %q: %v", e.Path, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

// Open maps the whole file at path read-only and records maxChans, which
// MaxChans reports; the mapping's size is the file's size and is not
// derived from or checked against maxChans. The returned Handle must be
// closed to unmap the segment.
func Open(path string, maxChans int) (*Handle, error) {
	clean, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	size := int(info.Size())
	if size == 0 {
		return nil, &OpenError{Path: path, Err: fmt.Errorf("empty segment")}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	return &Handle{data: data, maxChans: maxChans}, nil
}

// RootSecret copies the mapped segment's key material into a
// memguard-locked buffer for the default sealer to derive channel keys
// from. Copying (rather than deriving directly against the mmap) keeps
// the lock window short: the daemon may remap or resize the segment
// concurrently, and §5 requires reads to tolerate that.
func (h *Handle) RootSecret() *memguard.LockedBuffer {
	return memguard.NewBufferFromBytes(append([]byte(nil), h.data...))
}

// MaxChans returns the caller-supplied channel count ceiling this
// mapping was opened with.
func (h *Handle) MaxChans() int { return h.maxChans }

// Close unmaps the segment.
func (h *Handle) Close() error {
	if h.data == nil {
		return nil
	}
	err := unix.Munmap(h.data)
	h.data = nil
	return err
}
