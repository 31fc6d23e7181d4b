package supervisor

import (
	"fmt"
	"net"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/distadm/distadm/internal/worker"
)

// QueryRow is one line of the read-only query socket's per-node stream.
// internal/core.QueryRow satisfies this via its String method.
type QueryRow interface {
	String() string
}

// QueryHandler supplies the rows streamed to every connecting client
// (spec.md §6 "on connect the daemon writes one line per known node").
type QueryHandler interface {
	QueryRows() []QueryRow
}

// QueryServer serves the unprivileged query socket: each connection gets
// one newline-terminated line per known node, then the connection closes.
type QueryServer struct {
	worker.Worker
	ln      net.Listener
	handler QueryHandler
	log     *logging.Logger
}

// NewQueryServer wraps an already-bound listener.
func NewQueryServer(ln net.Listener, h QueryHandler, log *logging.Logger) *QueryServer {
	return &QueryServer{ln: ln, handler: h, log: log}
}

// Serve accepts connections until Halt is called.
func (s *QueryServer) Serve() {
	s.Go(func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.HaltCh():
					return
				default:
				}
				if s.log != nil {
					s.log.Warningf("supervisor: query accept: %v", err)
				}
				continue
			}
			s.Go(func() { s.session(conn) })
		}
	})
}

func (s *QueryServer) session(conn net.Conn) {
	defer conn.Close()
	for _, row := range s.handler.QueryRows() {
		if _, err := fmt.Fprintf(conn, "%s\n", row.String()); err != nil {
			return
		}
	}
}
