package supervisor

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalWatcherSIGHUPRequestsReload(t *testing.T) {
	w := NewSignalWatcher(nil)
	defer w.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	select {
	case status := <-w.StatusCh():
		require.Equal(t, StatusReload, status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StatusReload")
	}
}

func TestSignalWatcherSIGTERMRequestsExit(t *testing.T) {
	w := NewSignalWatcher(nil)
	defer w.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case status := <-w.StatusCh():
		require.Equal(t, StatusExit, status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StatusExit")
	}
}

func TestSignalWatcherExitWinsOverPendingReload(t *testing.T) {
	w := NewSignalWatcher(nil)
	defer w.Stop()

	// Fill the buffered slot with a reload before exit arrives, then assert
	// exit displaces it rather than queuing behind it (send's documented
	// "exit always wins" tie-break).
	w.send(StatusReload)
	w.send(StatusExit)

	select {
	case status := <-w.StatusCh():
		require.Equal(t, StatusExit, status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status")
	}

	select {
	case status := <-w.StatusCh():
		t.Fatalf("unexpected second status delivered: %v", status)
	default:
	}
}

func TestSignalWatcherStopReleasesHandlers(t *testing.T) {
	w := NewSignalWatcher(nil)
	w.Stop()
	// A second Stop would panic on a closed channel; Stop is documented as
	// a one-shot teardown used by tests, so we only assert the first call
	// doesn't block or panic.
}
