package supervisor

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stringRow string

func (s stringRow) String() string { return string(s) }

type fakeQueryHandler struct {
	rows []QueryRow
}

func (f *fakeQueryHandler) QueryRows() []QueryRow { return f.rows }

func TestQueryServerStreamsRowsThenCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &fakeQueryHandler{rows: []QueryRow{stringRow("node-a hostname=a"), stringRow("node-b hostname=b")}}
	s := NewQueryServer(ln, h, nil)
	s.Serve()
	// Halt() blocks in Wait() until the accept-loop goroutine returns, which
	// only happens once Accept() itself unblocks — so the listener must
	// close first. Deferred in reverse order so Close runs before Halt.
	defer s.Halt()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	scanner := bufio.NewScanner(conn)

	require.True(t, scanner.Scan())
	require.Equal(t, "node-a hostname=a", scanner.Text())
	require.True(t, scanner.Scan())
	require.Equal(t, "node-b hostname=b", scanner.Text())
	require.False(t, scanner.Scan()) // server closes the connection after the last row
	require.NoError(t, scanner.Err())
}

func TestQueryServerEmptyRowsClosesImmediately(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &fakeQueryHandler{}
	s := NewQueryServer(ln, h, nil)
	s.Serve()
	defer s.Halt()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	scanner := bufio.NewScanner(conn)
	require.False(t, scanner.Scan())
	require.NoError(t, scanner.Err())
}
