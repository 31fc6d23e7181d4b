// Package supervisor implements the daemon's outer process shell: signal
// handling and the two Unix-domain sockets spec.md §6 names (a privileged
// text-protocol control socket and an unprivileged read-only query
// socket). Grounded on original_source/daemon.h/daemon.cpp's Daemon/
// UnixSession (the unix-socket line-reading loop) and alarmer.cpp's
// signal-to-status mapping — redesigned per spec.md §9 REDESIGN FLAGS: the
// SIGALRM-driven thread interrupt mechanism becomes context.Context
// cancellation/timeouts, and the five-OS-thread model becomes
// goroutines tracked by internal/worker.
package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	logging "gopkg.in/op/go-logging.v1"
)

// Status mirrors spec.md §4.6's prog_status: the main loop polls this
// after every maintenance pass and worker iteration.
type Status int

const (
	// StatusRunning is the normal operating state.
	StatusRunning Status = iota
	// StatusReload asks the daemon to re-read its config and continue.
	StatusReload
	// StatusExit asks the daemon to shut down in an orderly fashion.
	StatusExit
)

// SignalWatcher translates SIGHUP/SIGTERM/SIGINT into Status transitions
// readable from StatusCh, and ignores SIGPIPE (spec.md §4.6 "SIGPIPE is
// ignored").
type SignalWatcher struct {
	statusCh chan Status
	sigCh    chan os.Signal
	log      *logging.Logger
}

// NewSignalWatcher installs the daemon's signal handlers.
func NewSignalWatcher(log *logging.Logger) *SignalWatcher {
	w := &SignalWatcher{
		statusCh: make(chan Status, 1),
		sigCh:    make(chan os.Signal, 4),
		log:      log,
	}
	signal.Notify(w.sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	signal.Ignore(syscall.SIGPIPE)
	go w.run()
	return w
}

func (w *SignalWatcher) run() {
	for sig := range w.sigCh {
		switch sig {
		case syscall.SIGHUP:
			if w.log != nil {
				w.log.Info("supervisor: SIGHUP received, scheduling reload")
			}
			w.send(StatusReload)
		case syscall.SIGTERM, syscall.SIGINT:
			if w.log != nil {
				w.log.Info("supervisor: termination signal received, scheduling shutdown")
			}
			w.send(StatusExit)
			return
		}
	}
}

func (w *SignalWatcher) send(s Status) {
	select {
	case w.statusCh <- s:
	default:
		// A transition is already pending; exit always wins, reload is
		// idempotent either way.
		select {
		case <-w.statusCh:
		default:
		}
		w.statusCh <- s
	}
}

// StatusCh delivers requested lifecycle transitions to the main loop.
func (w *SignalWatcher) StatusCh() <-chan Status { return w.statusCh }

// Stop releases the signal handlers (used by tests; production daemons run
// until process exit).
func (w *SignalWatcher) Stop() {
	signal.Stop(w.sigCh)
	close(w.sigCh)
}
