// Package worker provides a small goroutine lifecycle helper, embedded by
// every long-lived component of the daemon (gossip client/server loops,
// the state writer, per-session handlers).
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines.
// Go(fn) starts fn in a new goroutine tracked by the Worker's WaitGroup;
// fn should select on HaltCh() to notice a shutdown request. Halt() closes
// the channel and blocks until every tracked goroutine has returned.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

// Go starts fn in a new goroutine, tracked for Halt to wait on.
func (w *Worker) Go(fn func()) {
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.initOnce.Do(w.initChan)
	return w.haltCh
}

// Halt signals every goroutine started via Go to stop, and waits for them.
func (w *Worker) Halt() {
	w.initOnce.Do(w.initChan)
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}

func (w *Worker) initChan() {
	w.haltCh = make(chan struct{})
}
