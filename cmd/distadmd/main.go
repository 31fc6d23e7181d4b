// Command distadmd is the replication daemon's entrypoint: CLI flag
// parsing, group create/join orchestration, and the daemon main loop
// wiring internal/gossip's UDP discovery and TCP anti-entropy sessions to
// internal/supervisor's control/query Unix sockets and signal handling,
// grounded on spec.md §6's command-line surface and §4.6's supervision
// model, translated into the teacher's flag-and-goroutine idiom
// (talek/replica/main.go).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/distadm/distadm/internal/config"
	"github.com/distadm/distadm/internal/core"
	"github.com/distadm/distadm/internal/gossip"
	"github.com/distadm/distadm/internal/log"
	"github.com/distadm/distadm/internal/state"
	"github.com/distadm/distadm/internal/supervisor"
)

func main() {
	var daemon, info, textmode, initialize, verbose, assumeYes bool
	var joinFile, configFile string

	flag.BoolVar(&daemon, "d", false, "run as the gossip daemon")
	flag.BoolVar(&daemon, "daemon", false, "run as the gossip daemon")
	flag.BoolVar(&info, "i", false, "print the state of known peers")
	flag.BoolVar(&info, "info", false, "print the state of known peers")
	flag.BoolVar(&textmode, "t", false, "force textual interactive mode")
	flag.BoolVar(&textmode, "textmode", false, "force textual interactive mode")
	flag.BoolVar(&initialize, "I", false, "create a new group on this node")
	flag.BoolVar(&initialize, "initialize", false, "create a new group on this node")
	flag.StringVar(&joinFile, "J", "", "join an existing group via the given invitation file")
	flag.StringVar(&joinFile, "join", "", "join an existing group via the given invitation file")
	flag.StringVar(&configFile, "c", "", "alternate config file")
	flag.StringVar(&configFile, "config", "", "alternate config file")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&assumeYes, "f", false, `assume "yes" to confirmations`)
	flag.Parse()

	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile, func(key string) {
			fmt.Fprintf(os.Stderr, "distadmd: warning: unrecognized config key %q\n", key)
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "distadmd:", err)
			os.Exit(1)
		}
	}

	level := "NOTICE"
	if verbose {
		level = "DEBUG"
	}
	backend, err := log.New(os.Stderr, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distadmd:", err)
		os.Exit(1)
	}
	mainLog := backend.GetLogger("distadmd")

	if err := os.MkdirAll(cfg.Workdir, 0700); err != nil {
		mainLog.Errorf("create workdir: %v", err)
		os.Exit(1)
	}

	opts := core.Options{
		Workdir:     cfg.Workdir,
		Granularity: int64(cfg.FilesGranularity),
		Logger:      backend.GetLogger("core"),
	}

	co, err := openOrCreate(cfg, opts, initialize, joinFile, assumeYes, mainLog)
	if err != nil {
		mainLog.Errorf("%v", err)
		os.Exit(1)
	}

	writer := state.NewWriter(backend.GetLogger("state"), statefilePath(cfg.Workdir))
	registry, err := state.OpenRegistry(registryPath(cfg.Workdir))
	if err != nil {
		mainLog.Errorf("open file registry: %v", err)
		os.Exit(1)
	}
	co.AttachPersistence(writer, registry)
	writer.Start()
	co.Persist()

	switch {
	case info:
		runInfo(co)
	case textmode:
		runTextmode(co, backend.GetLogger("textmode"))
	case daemon:
		runDaemon(cfg, co, backend, mainLog)
	}

	registry.Close()
}

func statefilePath(workdir string) string { return filepath.Join(workdir, "state.json") }
func groupIdentityPath(workdir string) string {
	return filepath.Join(workdir, "group.json")
}
func registryPath(workdir string) string { return filepath.Join(workdir, "files.db") }

// openOrCreate implements the -I/-J/resume branches of spec.md §6: create a
// brand-new group, join via an invitation file, or reload the previously
// persisted state.
func openOrCreate(cfg config.Config, opts core.Options, initialize bool, joinFile string, assumeYes bool, l *logging.Logger) (*core.Core, error) {
	switch {
	case initialize:
		if _, err := os.Stat(statefilePath(cfg.Workdir)); err == nil && !assumeYes {
			return nil, fmt.Errorf("existing state found in %s; pass -f to overwrite", cfg.Workdir)
		}
		co, err := core.NewGroup(opts)
		if err != nil {
			return nil, fmt.Errorf("create new group: %w", err)
		}
		if err := co.EnsureDirs(); err != nil {
			return nil, err
		}
		if err := state.SaveGroupIdentity(groupIdentityPath(cfg.Workdir), state.GroupIdentity{GroupId: co.GroupID(), Key: co.GroupKey()}); err != nil {
			return nil, fmt.Errorf("save group identity: %w", err)
		}
		l.Noticef("initialized new group %s, local id %s", co.GroupID(), co.SelfID())
		return co, nil

	case joinFile != "":
		password := readPassword("invitation password: ")
		co, err := core.ReadInviteFile(joinFile, password, opts)
		if err != nil {
			return nil, fmt.Errorf("join via %s: %w", joinFile, err)
		}
		if err := state.SaveGroupIdentity(groupIdentityPath(cfg.Workdir), state.GroupIdentity{GroupId: co.GroupID(), Key: co.GroupKey()}); err != nil {
			return nil, fmt.Errorf("save group identity: %w", err)
		}
		l.Noticef("joined group %s, local id %s", co.GroupID(), co.SelfID())
		return co, nil

	default:
		identity, err := state.LoadGroupIdentity(groupIdentityPath(cfg.Workdir))
		if err != nil {
			return nil, fmt.Errorf("no group identity in %s; pass -I or -J to bootstrap one: %w", cfg.Workdir, err)
		}
		doc, fromBackup, err := state.Load(statefilePath(cfg.Workdir))
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if fromBackup {
			l.Warning("primary state file unreadable, loaded backup generation")
		}
		return core.FromDocument(opts, identity.GroupId, identity.Key, doc), nil
	}
}

// readPassword prompts on stderr and reads one line from stdin. Invitation
// passwords are short-lived out-of-band secrets (spec.md §4.4); echoing
// them is an acceptable simplification for a textual CLI.
func readPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		return scanner.Text()
	}
	return ""
}

// runInfo implements -i/--info: a one-shot dump of every known peer's
// cached bookkeeping, then the process exits.
func runInfo(co *core.Core) {
	fmt.Println(co.StatusLine())
	for _, row := range co.QueryRows() {
		fmt.Println(row.String())
	}
}

// runTextmode implements -t/--textmode: an interactive REPL driving the
// exact verb table the control socket serves, via
// supervisor.DispatchCommand, so textual and socket-driven control never
// diverge.
func runTextmode(co *core.Core, l *logging.Logger) {
	l.Info("entering textmode, type 'help' for the command list")
	scanner := bufio.NewScanner(os.Stdin)
	var exitRequested bool
	onExit := func() { exitRequested = true }
	for {
		fmt.Fprint(os.Stderr, "distadm> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		reply, exit := supervisor.DispatchCommand(co, line, onExit)
		if reply != "" {
			fmt.Println(reply)
		}
		if exit || exitRequested {
			break
		}
	}
	co.Persist()
}

// udpCounter hands out ever-increasing HELO counters for this process's
// discovery beacon.
type udpCounter struct{ n uint64 }

func (c *udpCounter) next() uint64 { return atomic.AddUint64(&c.n, 1) }

// runDaemon implements -d/--daemon: the long-running gossip process. It
// wires UDP discovery, TCP anti-entropy (both server and periodic client
// dials), the privileged control socket, the read-only query socket, and
// signal-driven reload/shutdown, per spec.md §4.5/§4.6, translating the
// original's five-OS-thread model into goroutines tracked by
// internal/worker (spec.md §9 REDESIGN FLAGS).
func runDaemon(cfg config.Config, co *core.Core, backend *log.Backend, l *logging.Logger) {
	ifi := firstConfiguredInterface(cfg, l)

	discovery, err := gossip.NewDiscovery(co.GroupID(), co.GroupKey(), co.SelfID(), ifi)
	if err != nil {
		l.Errorf("start discovery: %v", err)
		os.Exit(1)
	}
	discovery.SelfMatrix = co.Matrix
	var counter udpCounter
	discovery.Run(co.Initialized, counter.next)

	tcpLn, err := net.Listen("tcp6", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		l.Errorf("listen tcp: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	gossipLog := backend.GetLogger("gossip")
	go gossip.Serve(ctx, tcpLn, co, func(err error) { gossipLog.Warningf("%v", err) })

	clientDone := make(chan struct{})
	go runClientLoop(ctx, co, discovery, gossipLog, clientDone)

	controlPath := filepath.Join(cfg.Workdir, "control.sock")
	queryPath := filepath.Join(cfg.Workdir, "query.sock")
	os.Remove(controlPath)
	os.Remove(queryPath)

	controlLn, err := net.Listen("unix", controlPath)
	if err != nil {
		l.Errorf("listen control socket: %v", err)
		os.Exit(1)
	}
	os.Chmod(controlPath, 0600)
	queryLn, err := net.Listen("unix", queryPath)
	if err != nil {
		l.Errorf("listen query socket: %v", err)
		os.Exit(1)
	}
	os.Chmod(queryPath, 0644)

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	controlSrv := supervisor.NewControlServer(controlLn, co, backend.GetLogger("control"), requestShutdown)
	controlSrv.Serve()
	querySrv := supervisor.NewQueryServer(queryLn, co, backend.GetLogger("query"))
	querySrv.Serve()

	watcher := supervisor.NewSignalWatcher(l)

	maintenance := time.NewTicker(5 * time.Second)
	defer maintenance.Stop()

loop:
	for {
		select {
		case status := <-watcher.StatusCh():
			switch status {
			case supervisor.StatusReload:
				l.Notice("reload requested, re-reading config")
				if reloaded, err := config.Load(flagConfigPath(), func(string) {}); err == nil {
					cfg.AntivirusClamscan = reloaded.AntivirusClamscan
					cfg.AntivirusFreshclam = reloaded.AntivirusFreshclam
					cfg.AntivirusSmartctl = reloaded.AntivirusSmartctl
				}
			case supervisor.StatusExit:
				break loop
			}
		case <-shutdownCh:
			break loop
		case <-maintenance.C:
			co.RunMaintenance()
			if co.Status() == state.StatusDeleted {
				l.Notice("local node deleted from the group")
				break loop
			}
		}
	}

	l.Notice("shutting down")
	cancel()
	close(clientDone)
	discovery.Halt()
	discovery.Close()
	tcpLn.Close()
	controlSrv.Halt()
	controlLn.Close()
	os.Remove(controlPath)
	querySrv.Halt()
	queryLn.Close()
	os.Remove(queryPath)
	co.Persist()
	watcher.Stop()
}

// flagConfigPath re-reads the -c/--config flag value after flag.Parse, for
// the reload path.
func flagConfigPath() string {
	return flag.Lookup("c").Value.String()
}

// runClientLoop periodically picks an interesting peer from the address
// book and runs one anti-entropy session against it, backing off with
// spec.md §4.5's uniform random [1s, 8s] delay between attempts and
// forgetting the address on any failure.
func runClientLoop(ctx context.Context, co *core.Core, discovery *gossip.Discovery, l *logging.Logger, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-time.After(gossip.RetryDelay()):
		}
		addr, ok := discovery.Book.Pick(co.Matrix(), "")
		if !ok {
			continue
		}
		sessionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := gossip.DialAndSync(sessionCtx, addr, co)
		cancel()
		if err != nil {
			l.Debugf("session with %s failed: %v", addr, err)
			discovery.Book.Forget(addr)
		}
	}
}

// firstConfiguredInterface resolves the first name in "listen" (spec.md §6)
// to a *net.Interface; a nil result lets gossip.NewDiscovery pick the
// system default multicast interface. Only one interface can back a single
// Discovery instance (it owns one UDP socket); a "listen" list naming more
// than one interface only takes effect for the first.
func firstConfiguredInterface(cfg config.Config, l *logging.Logger) *net.Interface {
	names := cfg.Interfaces()
	if len(names) == 0 {
		return nil
	}
	if len(names) > 1 {
		l.Warningf("listen names %d interfaces, only %q will be joined", len(names), names[0])
	}
	ifi, err := net.InterfaceByName(names[0])
	if err != nil {
		l.Warningf("interface %q not found, using default: %v", names[0], err)
		return nil
	}
	return ifi
}
