package gossip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/distadm/distadm/internal/command"
	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
	"github.com/distadm/distadm/internal/packet"
	"github.com/distadm/distadm/internal/wire"
)

// Handler is the daemon-side state a Session drives: the matrix, the
// command log, and the hooks needed to bootstrap an uninitialized peer or
// fold in commands fetched from one. internal/core implements this;
// internal/gossip only knows the wire protocol, not command semantics.
type Handler interface {
	SelfID() ids.NodeId
	GroupKey() ids.Key
	Matrix() *matrix.Matrix
	Log() *command.Log

	// Initialized reports whether this node has completed its own
	// invitation handshake yet.
	Initialized() bool
	// MarkInitialized flips Initialized to true after AcceptSeed succeeds.
	MarkInitialized()

	// AddCommand folds a command fetched from a peer into the log; the
	// caller still owns advancing the local self-row and running the
	// engine afterward.
	AddCommand(cmd *command.Command)
	// ExecutePending runs the command engine's ready-set loop.
	ExecutePending() int
	// RemoveOldCommands runs the command engine's garbage collector.
	RemoveOldCommands()

	// Deleting reports whether this node is announcing its own pending
	// removal (status == deleting), per spec.md §4.5 session protocol step
	// 2 and the §3 deleting→deleted lifecycle.
	Deleting() bool
	// MarkDeleted finalizes a pending self-removal once a peer's
	// node_alive report confirms it no longer considers this node part of
	// the group.
	MarkDeleted()

	FileSource() packet.FileSource
	FileSink() packet.FileSink

	// PrepareSeed builds the full bootstrap seed pushed to an uninitialized
	// peer (inviter side of the in-session invitation sub-protocol).
	PrepareSeed() (packet.Seed, []*command.Command, error)
	// AcceptSeed installs a seed received from an already-initialized peer
	// (joiner side).
	AcceptSeed(seed packet.Seed, cmds []*command.Command) error
}

// msgCounter hands out ever-increasing NetMsgCnt values for outgoing
// TCPHelo records, within one process's lifetime.
type msgCounter struct{ n uint64 }

func (c *msgCounter) next() uint64 {
	c.n++
	return c.n
}

var globalMsgCounter msgCounter

// RunSession drives one TCP anti-entropy exchange to completion over conn,
// which the caller has already accepted (server side) or dialed (client
// side). It performs, in order: a TCPHelo handshake, the invitation
// sub-protocol if either side is uninitialized, and otherwise a matrix
// exchange followed by one request/response round trip for missing
// commands. Grounded on original_source/corenet.cpp's connection session
// loop and spec.md §4.5.
func RunSession(ctx context.Context, conn net.Conn, h Handler) error {
	var selfHash [32]byte
	if selfRow := h.Matrix().Node(h.SelfID()); selfRow != nil {
		selfHash = NodeHash(h.SelfID(), selfRow.Row)
	} else if h.Initialized() {
		return fmt.Errorf("gossip: local node missing from matrix")
	}

	local, err := NewTCPHelo(h.SelfID(), selfHash, globalMsgCounter.next(), h.Initialized(), rand.IntN(256))
	if err != nil {
		return err
	}

	remote, err := exchangeHelo(conn, h.GroupKey(), local)
	if err != nil {
		return fmt.Errorf("gossip: handshake: %w", err)
	}
	if remote.Version != UDPVersion {
		return fmt.Errorf("gossip: peer protocol version %d unsupported", remote.Version)
	}

	buf := wire.NewBuffered(conn, true)

	switch {
	case !remote.Initialized && !h.Initialized():
		// Neither side has a full seed to offer the other; an invitation
		// must come from an already-initialized inviter instead.
		return nil
	case !remote.Initialized:
		return pushSeed(buf, h)
	case !h.Initialized():
		return pullSeed(buf, h)
	default:
		return syncCommands(buf, h, remote.NodeID)
	}
}

// exchangeHelo writes local and reads the peer's record concurrently, so
// neither side blocks waiting for the other to go first.
func exchangeHelo(conn net.Conn, key ids.Key, local TCPHelo) (TCPHelo, error) {
	writeErr := make(chan error, 1)
	go func() { writeErr <- WriteTCPHelo(conn, key, local) }()

	remote, readErr := ReadTCPHelo(conn, key)
	if err := <-writeErr; err != nil {
		return remote, err
	}
	return remote, readErr
}

func pushSeed(buf *wire.BufferedStream, h Handler) error {
	seed, cmds, err := h.PrepareSeed()
	if err != nil {
		return fmt.Errorf("gossip: prepare seed: %w", err)
	}
	return packet.WriteOfflineInvite(buf, h.GroupKey(), seed, cmds, h.FileSource())
}

func pullSeed(buf *wire.BufferedStream, h Handler) error {
	seed, cmds, err := packet.ReadOfflineInvite(buf, h.GroupKey(), h.FileSink())
	if err != nil {
		return fmt.Errorf("gossip: read seed: %w", err)
	}
	if err := h.AcceptSeed(seed, cmds); err != nil {
		return fmt.Errorf("gossip: accept seed: %w", err)
	}
	h.MarkInitialized()
	return nil
}

// syncCommands runs the node_alive exchange, the matrix exchange, and one
// request/response round, pulling whatever the peer's self-advertised
// progress shows we are missing and serving whatever the peer requests
// back from us.
func syncCommands(buf *wire.BufferedStream, h Handler, remoteSelf ids.NodeId) error {
	localView := h.Matrix().Node(remoteSelf) != nil
	remoteView, err := exchangeAlive(buf, h.GroupKey(), localView)
	if err != nil {
		return fmt.Errorf("gossip: node_alive exchange: %w", err)
	}
	if h.Deleting() && !remoteView {
		h.MarkDeleted()
	}

	remoteMatrix, err := exchangeMatrix(buf, h.GroupKey(), h.Matrix())
	if err != nil {
		return fmt.Errorf("gossip: matrix exchange: %w", err)
	}

	wanted := diffWanted(h.Matrix(), h.SelfID(), remoteMatrix, remoteSelf)

	theirWanted, gotCmds, err := exchangeRequests(buf, h.GroupKey(), wanted, h)
	if err != nil {
		return fmt.Errorf("gossip: request exchange: %w", err)
	}
	_ = theirWanted // served inline by exchangeRequests

	for _, cmd := range gotCmds {
		if _, exists := h.Log().Get(cmd.ID); !exists {
			h.AddCommand(cmd)
		}
	}
	advanceSelfRow(h)
	h.Matrix().Update(remoteMatrix)
	h.ExecutePending()
	h.RemoveOldCommands()
	return nil
}

// exchangeAlive writes one byte conveying localView (this side's opinion of
// whether the peer is still a live group member) and reads the peer's
// equivalent opinion of this side, per spec.md §4.5 session protocol step
// 2. Write and read run concurrently, mirroring exchangeHelo/exchangeMatrix,
// so neither side blocks waiting for the other to go first.
func exchangeAlive(buf *wire.BufferedStream, key ids.Key, localView bool) (bool, error) {
	writeErr := make(chan error, 1)
	go func() {
		cc, err := wire.NewCCWriter(buf, key)
		if err != nil {
			writeErr <- err
			return
		}
		body := []byte{0}
		if localView {
			body[0] = 1
		}
		if err := cc.WriteRecord(body); err != nil {
			writeErr <- err
			return
		}
		writeErr <- cc.Close()
	}()

	cc, err := wire.NewCCReader(buf, key)
	if err != nil {
		<-writeErr
		return false, err
	}
	body, err := cc.ReadRecord()
	if err != nil {
		<-writeErr
		return false, err
	}
	if err := cc.Close(); err != nil {
		<-writeErr
		return false, err
	}
	if werr := <-writeErr; werr != nil {
		return false, werr
	}
	return len(body) > 0 && body[0] == 1, nil
}

func exchangeMatrix(buf *wire.BufferedStream, key ids.Key, m *matrix.Matrix) (*matrix.Matrix, error) {
	type result struct {
		m   *matrix.Matrix
		err error
	}
	writeErr := make(chan error, 1)
	go func() {
		cc, err := wire.NewCCWriter(buf, key)
		if err != nil {
			writeErr <- err
			return
		}
		if err := m.Write(cc); err != nil {
			writeErr <- err
			return
		}
		if err := cc.Close(); err != nil {
			writeErr <- err
			return
		}
		writeErr <- buf.Flush()
	}()

	readResult := make(chan result, 1)
	go func() {
		cc, err := wire.NewCCReader(buf, key)
		if err != nil {
			readResult <- result{nil, err}
			return
		}
		got, err := matrix.Read(cc)
		readResult <- result{got, err}
	}()

	if err := <-writeErr; err != nil {
		return nil, err
	}
	r := <-readResult
	return r.m, r.err
}

// diffWanted compares our own self-row progress against the peer's
// self-advertised progress (their own row in the matrix they just sent)
// and returns every (author, seq) we are missing.
func diffWanted(self *matrix.Matrix, selfID ids.NodeId, remote *matrix.Matrix, remoteSelf ids.NodeId) []command.ID {
	ourRow := self.Node(selfID)
	theirSelfRow := remote.Node(remoteSelf)
	if ourRow == nil || theirSelfRow == nil {
		return nil
	}
	var wanted []command.ID
	for _, author := range remote.Ids() {
		ourKnown := ourRow.Known(author)
		theirKnown := theirSelfRow.Known(author)
		for seq := ourKnown; seq < theirKnown; seq++ {
			wanted = append(wanted, command.ID{Author: author, Seq: seq})
		}
	}
	return wanted
}

// exchangeRequests writes our wanted list and reads the peer's, then
// concurrently serves the peer's request from our own log while reading
// the peer's response to our request.
func exchangeRequests(buf *wire.BufferedStream, key ids.Key, wanted []command.ID, h Handler) ([]command.ID, []*command.Command, error) {
	writeErr := make(chan error, 1)
	go func() { writeErr <- packet.WriteRequests(buf, key, wanted) }()

	theirWanted, err := packet.ReadRequests(buf, key)
	if werr := <-writeErr; werr != nil {
		return nil, nil, werr
	}
	if err != nil {
		return nil, nil, err
	}

	respondErr := make(chan error, 1)
	go func() {
		var serve []*command.Command
		for _, id := range theirWanted {
			if cmd, ok := h.Log().Get(id); ok {
				serve = append(serve, cmd)
			}
		}
		respondErr <- packet.WriteCommandBatch(buf, key, serve, h.FileSource())
	}()

	got, err := packet.ReadCommandBatch(buf, key, h.FileSink())
	if rerr := <-respondErr; rerr != nil {
		return theirWanted, nil, rerr
	}
	return theirWanted, got, err
}

// advanceSelfRow bumps the local self-row's Known(author) for every author
// whose log entries now form a contiguous run starting at the row's
// current floor — bookkeeping that Handler.AddCommand leaves to its caller,
// done here in bulk after a batch fetch.
func advanceSelfRow(h Handler) {
	self := h.Matrix().Node(h.SelfID())
	for _, author := range h.Matrix().Ids() {
		seq := self.Known(author)
		for {
			if _, ok := h.Log().Get(command.ID{Author: author, Seq: seq}); !ok {
				break
			}
			seq++
		}
		self.SetKnown(author, seq)
	}
}

// DialAndSync dials addr and runs one session against it, honoring ctx's
// deadline if set. Connection failures are the caller's (AddrBook.Forget)
// responsibility, per spec.md §4.5.
func DialAndSync(ctx context.Context, addr string, h Handler) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("gossip: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return RunSession(ctx, conn, h)
}

// Serve accepts sessions on ln until an Accept error arrives after ctx is
// done (the caller closes ln after cancelling ctx); each accepted
// connection runs RunSession in its own goroutine.
func Serve(ctx context.Context, ln net.Listener, h Handler, onErr func(error)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if onErr != nil {
				onErr(fmt.Errorf("gossip: accept: %w", err))
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go func() {
			defer conn.Close()
			if err := RunSession(ctx, conn, h); err != nil && onErr != nil {
				onErr(err)
			}
		}()
	}
}
