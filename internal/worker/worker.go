// Package worker reconstructs the cooperative-cancellation embedding this
// codebase's connection, stream and plugin-client types all share: a
// Go(fn) that tracks spawned goroutines, and a HaltCh() that is closed
// exactly once when the owner calls Halt, unblocking every select waiting
// on it. The upstream core/worker package this is modeled on was not
// retrieved into the source pack; this reconstruction is grounded in its
// call sites (client2/connection.go's connectWorker/onWireConn, and
// server/cborplugin's reaper), documented in DESIGN.md.
package worker

import "sync"

// Worker is embedded (not wrapped) by types that need a halt channel and
// a WaitGroup of background goroutines, matching the teacher's own
// `worker.Worker` anonymous-field pattern.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go spawns fn in a goroutine tracked by Halt's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called. Every
// suspendable operation should select on it alongside its I/O.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Halt closes the halt channel (idempotent) and waits for every
// goroutine started with Go to return.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.wg.Wait()
}
