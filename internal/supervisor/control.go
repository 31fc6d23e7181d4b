package supervisor

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/worker"

	logging "gopkg.in/op/go-logging.v1"
)

// eot terminates every control-socket response, spec.md §6 "response is
// free text terminated by a single 0x04 (EOT) byte".
const eot = 0x04

// ControlHandler is every verb the privileged control socket accepts
// (spec.md §6), plus the supplemented "ifaces" diagnostic
// (SPEC_FULL.md item 8). internal/core.Core implements this.
type ControlHandler interface {
	StatusLine() string
	LocalID() string
	ListNodes() []string
	NodesInfo() []string
	Queue() []string
	StoredCommands() []string
	ShowExec() []string
	ShowLog() []string

	DelNode(id ids.NodeId) error
	AddUser(name string) error
	DelUser(name string) error
	Exec(cmdline string) error
	AddFile(sourcePath, name string) error
	DelFile(name string) error

	WriteOnlineInvite(path, password string) error
	WriteOfflineInviteFile(path string) error
	FinalizeInviteFile(path, password string) error
	CancelInviteFile(path string) error
	ReadPacketFile(path string) (string, error)
	WritePacketFile(path string) error

	Ifaces() ([]string, error)
}

// ControlServer serves the privileged control socket.
type ControlServer struct {
	worker.Worker
	ln      net.Listener
	handler ControlHandler
	log     *logging.Logger
	onExit  func()
}

// NewControlServer wraps an already-bound listener (the caller is
// responsible for socket permissions/ownership, per spec.md §6
// "privileged").
func NewControlServer(ln net.Listener, h ControlHandler, log *logging.Logger, onExit func()) *ControlServer {
	return &ControlServer{ln: ln, handler: h, log: log, onExit: onExit}
}

// Serve accepts connections until Halt is called.
func (s *ControlServer) Serve() {
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
					s.log.Warningf("supervisor: control accept: %v", err)
				}
				continue
			}
			s.Go(func() { s.session(conn) })
		}
	})
}

func (s *ControlServer) session(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, exit := s.dispatch(line)
		if _, err := conn.Write(append([]byte(reply), eot)); err != nil {
			return
		}
		if exit {
			return
		}
	}
}

// dispatch runs one command line and renders its response text, never
// including the trailing EOT (the caller appends it).
func (s *ControlServer) dispatch(line string) (reply string, exit bool) {
	return DispatchCommand(s.handler, line, s.onExit)
}

// DispatchCommand runs one control-socket command line against h and
// renders its response text, never including the trailing EOT. Exposed so
// cmd/distadmd's textmode REPL can share the exact verb table the control
// socket serves, rather than duplicating it. onExit (may be nil) is called
// when the line is "exit".
func DispatchCommand(h ControlHandler, line string, onExit func()) (reply string, exit bool) {
	args := splitQuoted(line)
	if len(args) == 0 {
		return "", false
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "help":
		return helpText, false
	case "status":
		return h.StatusLine(), false
	case "local-id":
		return h.LocalID(), false
	case "listnodes":
		return strings.Join(h.ListNodes(), "\n"), false
	case "nodesinfo":
		return strings.Join(h.NodesInfo(), "\n"), false
	case "queue":
		return strings.Join(h.Queue(), "\n"), false
	case "stored-commands":
		return strings.Join(h.StoredCommands(), "\n"), false
	case "showexec":
		return strings.Join(h.ShowExec(), "\n"), false
	case "showlog":
		return strings.Join(h.ShowLog(), "\n"), false
	case "delnode":
		return runErr(requireArgs(rest, 1, func() error {
			var id ids.NodeId
			if err := id.UnmarshalText([]byte(rest[0])); err != nil {
				return fmt.Errorf("bad node id: %w", err)
			}
			return h.DelNode(id)
		})), false
	case "adduser":
		return runErr(requireArgs(rest, 1, func() error { return h.AddUser(rest[0]) })), false
	case "deluser":
		return runErr(requireArgs(rest, 1, func() error { return h.DelUser(rest[0]) })), false
	case "exec":
		return runErr(requireArgs(rest, 1, func() error { return h.Exec(strings.Join(rest, " ")) })), false
	case "addfile":
		return runErr(requireArgs(rest, 1, func() error {
			name := rest[0]
			if len(rest) > 1 {
				name = rest[1]
			}
			return h.AddFile(rest[0], name)
		})), false
	case "delfile":
		return runErr(requireArgs(rest, 1, func() error { return h.DelFile(rest[0]) })), false
	case "write-online-invite":
		return runErr(requireArgs(rest, 2, func() error { return h.WriteOnlineInvite(rest[0], rest[1]) })), false
	case "write-offline-invite":
		return runErr(requireArgs(rest, 1, func() error { return h.WriteOfflineInviteFile(rest[0]) })), false
	case "finalize-invite":
		return runErr(requireArgs(rest, 2, func() error { return h.FinalizeInviteFile(rest[0], rest[1]) })), false
	case "cancel-invite":
		return runErr(requireArgs(rest, 1, func() error { return h.CancelInviteFile(rest[0]) })), false
	case "read-packet":
		if len(rest) < 1 {
			return "missing file argument", false
		}
		summary, err := h.ReadPacketFile(rest[0])
		if err != nil {
			return "error: " + err.Error(), false
		}
		return summary, false
	case "write-packet":
		return runErr(requireArgs(rest, 1, func() error { return h.WritePacketFile(rest[0]) })), false
	case "ifaces":
		names, err := h.Ifaces()
		if err != nil {
			return "error: " + err.Error(), false
		}
		return strings.Join(names, "\n"), false
	case "exit":
		if onExit != nil {
			onExit()
		}
		return "bye", true
	default:
		return "unknown command: " + verb, false
	}
}

func requireArgs(args []string, n int, fn func() error) error {
	if len(args) < n {
		return fmt.Errorf("expected at least %d argument(s), got %d", n, len(args))
	}
	return fn()
}

func runErr(err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

const helpText = `help                                    show this text
status                                  show lifecycle status and identity
local-id                                show the local node id
listnodes                               list known node ids
nodesinfo                               list per-node hostname/online/antivirus/smart
queue                                   list commands awaiting execution
stored-commands                         list every command currently held in the log
showexec                                list recorded exec results
showlog                                 list recorded exec invocations
delnode <id>                            remove a node from the group
adduser <name>                          admit a new local user on every node
deluser <name>                          remove a local user from every node
exec <cmdline>                          run cmdline on every node
addfile <path> [name]                   register a file for replication
delfile <name>                          remove a registered file
write-online-invite <path> <password>   write a password-wrapped invitation
write-offline-invite <path>             append the full bootstrap seed
finalize-invite <path> <password>       admit a joiner's claimed candidate id(s)
cancel-invite <path>                    discard an in-progress invitation file
read-packet <path>                      summarize a packet file's contents
write-packet <path>                     dump matrix and command log to a file
ifaces                                  list local network interface names
exit                                    shut down the daemon`

// splitQuoted splits line on whitespace, treating double-quoted spans as a
// single token (so file paths and exec command lines may contain spaces).
func splitQuoted(line string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	hasToken := false
	flush := func() {
		if hasToken {
			out = append(out, cur.String())
			cur.Reset()
			hasToken = false
		}
	}
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasToken = true
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	flush()
	return out
}
