// Package discovery finds other LAN audio peers by broadcasting and
// listening for UDP beacons, without requiring any central directory.
package discovery

import (
	"log"
	"net"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"landaudio/internal/protocol"
)

// BeaconInterval is how often a running Service re-announces itself.
const BeaconInterval = 1 * time.Second

// PeerTimeout is how long a peer may go unseen before it is pruned.
const PeerTimeout = 10 * time.Second

// Peer is a LAN peer discovered from its sender or receiver beacon.
type Peer struct {
	Addr     net.UDPAddr
	IsSender bool
	Name     string
	LastSeen time.Time
}

// OnPeerFunc is invoked exactly once per newly discovered peer (by IP and
// role), not on every subsequent beacon from that peer.
type OnPeerFunc func(Peer)

// Service runs the beacon and listener loops for LAN peer discovery.
type Service struct {
	IsSender  bool
	AudioPort uint16
	Name      string
	OnPeer    OnPeerFunc

	conn *net.UDPConn

	mu      sync.Mutex
	peers   []Peer
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService returns a discovery Service for the given role. isSender
// selects whether beacons announce a sender or receiver role.
func NewService(isSender bool, audioPort uint16, name string) *Service {
	return &Service{IsSender: isSender, AudioPort: audioPort, Name: name}
}

// Start opens the discovery socket and begins the beacon and listener
// loops. It is a no-op if already running.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: protocol.DiscoveryPort})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.beaconLoop() }()
	go func() { defer s.wg.Done(); s.listenLoop() }()

	return nil
}

// Stop halts both loops and closes the socket.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

func (s *Service) beaconPacketType() protocol.DiscoveryPacketType {
	if s.IsSender {
		return protocol.DiscoverySenderBeacon
	}
	return protocol.DiscoveryReceiverBeacon
}

func (s *Service) beaconLoop() {
	ticker := time.NewTicker(BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendBeacon()
			s.pruneStale()
		}
	}
}

func (s *Service) sendBeacon() {
	pkt := protocol.DiscoveryPacket{Type: s.beaconPacketType(), AudioPort: s.AudioPort, Name: s.Name}
	data, err := pkt.Serialize()
	if err != nil {
		log.Printf("discovery: serialize beacon: %v", err)
		return
	}
	for _, addr := range BroadcastAddresses() {
		s.conn.WriteToUDP(data, &net.UDPAddr{IP: addr, Port: protocol.DiscoveryPort})
	}
}

func (s *Service) listenLoop() {
	buf := make([]byte, 512)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		pkt, err := protocol.DeserializeDiscoveryPacket(buf[:n])
		if err != nil {
			continue
		}

		if pkt.Type == protocol.DiscoveryRequest {
			// A peer probing the LAN directly; answer unicast so it does
			// not have to wait out a full beacon interval.
			resp := protocol.DiscoveryPacket{Type: protocol.DiscoveryResponse, AudioPort: s.AudioPort, Name: s.Name}
			if data, err := resp.Serialize(); err == nil {
				s.conn.WriteToUDP(data, addr)
			}
			continue
		}

		isSender := pkt.Type == protocol.DiscoverySenderBeacon
		if pkt.Type != protocol.DiscoverySenderBeacon && pkt.Type != protocol.DiscoveryReceiverBeacon {
			continue
		}

		s.recordPeer(Peer{
			Addr:     net.UDPAddr{IP: addr.IP, Port: int(pkt.AudioPort)},
			IsSender: isSender,
			Name:     pkt.Name,
			LastSeen: time.Now(),
		})
	}
}

func (s *Service) recordPeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.peers {
		if s.peers[i].Addr.IP.Equal(p.Addr.IP) && s.peers[i].IsSender == p.IsSender {
			s.peers[i].LastSeen = p.LastSeen
			s.peers[i].Name = p.Name
			return
		}
	}

	s.peers = append(s.peers, p)
	if s.OnPeer != nil {
		s.OnPeer(p)
	}
}

func (s *Service) pruneStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-PeerTimeout)
	kept := s.peers[:0]
	for _, p := range s.peers {
		if p.LastSeen.After(cutoff) {
			kept = append(kept, p)
		}
	}
	s.peers = kept
}

// Peers returns a snapshot of currently known peers.
func (s *Service) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

// WaitForPeer polls Peers until one matching wantSender appears or timeout
// elapses.
func (s *Service) WaitForPeer(wantSender bool, timeout time.Duration) (Peer, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range s.Peers() {
			if p.IsSender == wantSender {
				return p, true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return Peer{}, false
}

// ipPriorityScore ranks candidate local addresses so the most useful one
// (the LAN-facing interface, not a link-local or loopback fallback) sorts
// first.
func ipPriorityScore(ip net.IP) int {
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 192 && ip4[1] == 168:
			return 100
		case ip4[0] == 10:
			return 90
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return 80
		case ip4[0] == 169 && ip4[1] == 254:
			return 10
		default:
			return 50
		}
	}
	return 20
}

// LocalAddresses returns this host's non-loopback addresses (IPv4 and IPv6),
// best candidate first. It merges three sources, all consulted on every
// call: UDP sockets connected to well-known public resolvers purely to let
// the OS pick a local source address (no packets are ever sent), the
// interface address list, and the platform's address-listing command.
func LocalAddresses() []net.IP {
	seen := make(map[string]net.IP)

	for _, probe := range []string{"8.8.8.8:53", "1.1.1.1:53", "208.67.222.222:53"} {
		if ip := probeLocalAddr(probe); ip != nil {
			seen[ip.String()] = ip
		}
	}

	for _, ip := range interfaceAddresses() {
		seen[ip.String()] = ip
	}

	for _, ip := range platformAddresses() {
		seen[ip.String()] = ip
	}

	out := make([]net.IP, 0, len(seen))
	for _, ip := range seen {
		if ip.IsLoopback() {
			continue
		}
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool {
		return ipPriorityScore(out[i]) > ipPriorityScore(out[j])
	})
	return out
}

func probeLocalAddr(addr string) net.IP {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return nil
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return local.IP
}

func interfaceAddresses() []net.IP {
	var out []net.IP
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out = append(out, ipNet.IP)
	}
	return out
}

// platformAddresses shells out to the OS address-listing tool. Its results
// are merged with the other sources, which covers hosts where interface
// enumeration yields nothing useful (observed on some locked-down Linux
// containers).
func platformAddresses() []net.IP {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("ipconfig")
	case "darwin":
		cmd = exec.Command("ifconfig")
	default:
		cmd = exec.Command("ip", "addr", "show")
	}
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseInetAddresses(string(out))
}

func parseInetAddresses(text string) []net.IP {
	var out []net.IP
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		var field string
		switch {
		case strings.HasPrefix(line, "inet "):
			field = strings.TrimPrefix(line, "inet ")
		case strings.Contains(line, "IPv4 Address"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				field = strings.TrimSpace(parts[1])
			}
		default:
			continue
		}
		field = strings.SplitN(field, "/", 2)[0]
		field = strings.SplitN(field, " ", 2)[0]
		if ip := net.ParseIP(field); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

// BroadcastAddresses returns the /24 broadcast address for each local IPv4
// address, plus the global broadcast address as a catch-all.
func BroadcastAddresses() []net.IP {
	out := []net.IP{net.IPv4bcast}
	for _, ip := range LocalAddresses() {
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		bcast := net.IPv4(ip4[0], ip4[1], ip4[2], 255)
		out = append(out, bcast)
	}
	return out
}

// BestLocalAddress returns the highest-priority local address, if any.
func BestLocalAddress() (net.IP, bool) {
	addrs := LocalAddresses()
	if len(addrs) == 0 {
		return nil, false
	}
	return addrs[0], true
}
