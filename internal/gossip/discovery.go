package gossip

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/distadm/distadm/internal/ids"
	"github.com/distadm/distadm/internal/matrix"
	"github.com/distadm/distadm/internal/worker"
)

// udpPort is the fixed discovery port; the group's multicast address
// varies per group id (see MulticastGroup), so a single well-known port is
// safe to share across every group on a link.
const udpPort = 17171

// beaconInterval is how often Discovery broadcasts its own HELO while
// running.
const beaconInterval = 5 * time.Second

// Discovery runs the UDP multicast beacon: it periodically announces this
// node's presence and listens for announcements from others, feeding every
// observation into an AddrBook. Grounded on
// _examples/original_source/corenet.cpp's broadcast_helo/recv loop,
// translated into the teacher's worker-goroutine idiom.
type Discovery struct {
	worker.Worker

	conn    *net.UDPConn
	pc      *ipv6.PacketConn
	groupID ids.GroupId
	key     ids.Key
	self    ids.NodeId
	iface   *net.Interface

	Book *AddrBook

	// SelfMatrix is read on every beacon tick to compute NodeHash; callers
	// mutate the matrix under their own lock and this closure reads it back.
	SelfMatrix func() *matrix.Matrix

	// TCPPort is advertised implicitly: peers reconnect to the same address
	// family/port convention the daemon listens on, configured out of band
	// (SPEC_FULL.md config §4.5); Discovery itself only carries identity and
	// staleness hashes over UDP, never a port number, matching
	// original_source/corenet.h's HELO payload shape.
}

// NewDiscovery opens a UDPv6 socket bound to udpPort on every interface and
// joins groupID's multicast group on ifi (nil selects the default
// multicast-capable interface).
func NewDiscovery(groupID ids.GroupId, key ids.Key, self ids.NodeId, ifi *net.Interface) (*Discovery, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: udpPort})
	if err != nil {
		return nil, fmt.Errorf("gossip: listen udp6: %w", err)
	}
	pc := ipv6.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.IP(groupMulticastIP(groupID))}
	if err := pc.JoinGroup(ifi, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gossip: join multicast group: %w", err)
	}
	return &Discovery{
		conn:    conn,
		pc:      pc,
		groupID: groupID,
		key:     key,
		self:    self,
		iface:   ifi,
		Book:    NewAddrBook(),
	}, nil
}

func groupMulticastIP(groupID ids.GroupId) net.IP {
	addr := MulticastGroup(groupID)
	return net.IP(addr[:])
}

// Run starts the beacon-send and beacon-receive goroutines. It returns
// immediately; call Halt to stop both.
func (d *Discovery) Run(initialized func() bool, counter func() uint64) {
	d.Go(func() { d.sendLoop(initialized, counter) })
	d.Go(d.recvLoop)
}

func (d *Discovery) sendLoop(initialized func() bool, counter func() uint64) {
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	dst := &net.UDPAddr{IP: groupMulticastIP(d.groupID), Port: udpPort}
	for {
		select {
		case <-d.HaltCh():
			d.sendOne(CmdBye, counter(), dst)
			return
		case <-ticker.C:
			cmd := CmdHelo
			if !initialized() {
				cmd = CmdNotInitialized
			}
			d.sendOne(cmd, counter(), dst)
		}
	}
}

func (d *Discovery) sendOne(cmd UDPCommand, counter uint64, dst *net.UDPAddr) {
	var hash [32]byte
	if d.SelfMatrix != nil {
		if m := d.SelfMatrix(); m != nil {
			if row := m.Node(d.self); row != nil {
				hash = NodeHash(d.self, row.Row)
			}
		}
	}
	datagram, err := EncodeHelo(d.key, Helo{
		Version:  UDPVersion,
		Command:  cmd,
		Counter:  counter,
		GroupID:  d.groupID,
		NodeID:   d.self,
		NodeHash: hash,
	})
	if err != nil {
		return
	}
	_, _ = d.conn.WriteToUDP(datagram, dst)
}

func (d *Discovery) recvLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-d.HaltCh():
			return
		default:
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		helo, err := DecodeHelo(d.key, buf[:n])
		if err != nil || helo.NodeID == d.self {
			continue
		}
		addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(udpPort))
		switch helo.Command {
		case CmdBye:
			d.Book.Forget(addr)
		default:
			d.Book.Observe(addr, helo.NodeID, helo.NodeHash)
		}
	}
}

// Close leaves the multicast group and closes the socket.
func (d *Discovery) Close() error {
	_ = d.pc.LeaveGroup(d.iface, &net.UDPAddr{IP: groupMulticastIP(d.groupID)})
	return d.conn.Close()
}
