// Package sockets exposes the serial stream to local-network peers: a
// TCP+UDP fan-out server and an outbound client, both bridging traffic
// bidirectionally with the serial bus.
package sockets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/stats"
)

const (
	// MaxPeers bounds the peer slot table. The (MaxPeers+1)-th TCP accept
	// is refused.
	MaxPeers = 10

	peerBufferSize = 1024

	// fanoutPoll is the ceiling on waiting for serial input between
	// fan-out rounds.
	fanoutPoll = time.Second

	// peerWriteTimeout bounds one peer's send during fan-out. The table
	// lock is held for the round, so a stuck peer must not stall forever.
	peerWriteTimeout = time.Second
)

// peer is one slot in the fixed-size table. A slot is either nil or fully
// populated; all transitions happen under the table lock.
type peer struct {
	id          string
	conn        net.Conn     // TCP peers only
	addr        net.Addr     // UDP peers: recorded remote address
	udp         bool
	bytesIn     uint64
	bytesOut    uint64
	connectedAt time.Time
	reap        bool
}

// PeerInfo is an externally visible snapshot of one peer slot.
type PeerInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Transport   string    `json:"transport"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ServerOptions wires the socket server.
type ServerOptions struct {
	Store *store.Store
	Bus   *serial.Bus
	Stats *stats.Registry
}

// Server accepts up to MaxPeers concurrent TCP and UDP peers and bridges
// them with the serial stream. Fan-out is best effort: input that a peer
// cannot take is not replayed.
type Server struct {
	st     *store.Store
	bus    *serial.Bus
	stream *stats.Handle

	mu    sync.Mutex
	peers [MaxPeers]*peer

	tcpLn   net.Listener
	udpConn net.PacketConn
	tap     *serial.Tap

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs the server. Listeners open in Start.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("sockets: store and bus are required")
	}
	var stream *stats.Handle
	if opts.Stats != nil {
		stream = opts.Stats.Stream("socket_server")
	}
	return &Server{st: opts.Store, bus: opts.Bus, stream: stream}, nil
}

// Start opens the configured listeners and launches the accept, datagram
// and fan-out loops.
func (s *Server) Start(ctx context.Context) error {
	tcpActive, err := s.st.GetBool(ctx, config.MustFind(config.KeySocketServerTCPActive))
	if err != nil {
		return err
	}
	udpActive, err := s.st.GetBool(ctx, config.MustFind(config.KeySocketServerUDPActive))
	if err != nil {
		return err
	}
	if !tcpActive && !udpActive {
		// Enabled with every transport switched off is a valid, if odd,
		// configuration. Idle instead of failing the boot.
		log.Printf("[SocketServer] enabled but both transports are off, idling")
		return nil
	}

	if tcpActive {
		port, err := s.st.GetUint16(ctx, config.MustFind(config.KeySocketServerTCPPort))
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("sockets: tcp listen: %w", err)
		}
		s.tcpLn = ln
		log.Printf("[SocketServer] TCP listening on port %d", port)
	}
	if udpActive {
		port, err := s.st.GetUint16(ctx, config.MustFind(config.KeySocketServerUDPPort))
		if err != nil {
			if s.tcpLn != nil {
				s.tcpLn.Close()
			}
			return err
		}
		conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
		if err != nil {
			if s.tcpLn != nil {
				s.tcpLn.Close()
			}
			return fmt.Errorf("sockets: udp listen: %w", err)
		}
		s.udpConn = conn
		log.Printf("[SocketServer] UDP listening on port %d", port)
	}

	// The run lifetime is the server's own: the Start context only covers
	// the configuration reads above. Loops stop in Shutdown.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.tap = s.bus.Tap(64)

	s.wg.Add(1)
	go s.fanoutLoop(runCtx)
	if s.tcpLn != nil {
		s.wg.Add(1)
		go s.acceptLoop(runCtx)
	}
	if s.udpConn != nil {
		s.wg.Add(1)
		go s.datagramLoop(runCtx)
	}
	return nil
}

// Shutdown closes the listeners and every peer.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tap != nil {
		s.tap.Close()
	}

	s.mu.Lock()
	for i, p := range s.peers {
		if p == nil {
			continue
		}
		if p.conn != nil {
			p.conn.Close()
		}
		s.peers[i] = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanoutLoop drains serial input and duplicates every chunk to all
// connected peers. The whole round runs under the table lock; a slow peer
// delays the others, an accepted tradeoff at this peer count.
func (s *Server) fanoutLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, peerBufferSize)
	for ctx.Err() == nil {
		n := s.tap.ReadBytes(buf, fanoutPoll)
		if n == 0 {
			continue
		}
		s.broadcast(buf[:n])
	}
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p == nil {
			continue
		}
		var err error
		var sent int
		if p.udp {
			sent, err = s.udpConn.WriteTo(data, p.addr)
		} else {
			p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			sent, err = p.conn.Write(data)
		}
		if err != nil || sent < len(data) {
			log.Printf("[SocketServer] send to %s failed: %v", p.remote(), err)
			p.reap = true
			continue
		}
		p.bytesOut += uint64(sent)
		s.stream.AddOut(sent)
	}
	s.reapLocked()
}

// reapLocked closes and zeroes every marked slot. The shared UDP listener
// is never closed here.
func (s *Server) reapLocked() {
	for i, p := range s.peers {
		if p == nil || !p.reap {
			continue
		}
		if p.conn != nil {
			p.conn.Close()
		}
		log.Printf("[SocketServer] closed peer %s (%s)", p.id, p.remote())
		s.peers[i] = nil
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("[SocketServer] accept error: %v", err)
			}
			return
		}

		p := &peer{
			id:          uuid.NewString(),
			conn:        conn,
			addr:        conn.RemoteAddr(),
			connectedAt: time.Now(),
		}
		if !s.addPeer(p) {
			log.Printf("[SocketServer] no free slots, refusing %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		log.Printf("[SocketServer] TCP peer connected from %s, id %s", conn.RemoteAddr(), p.id)

		s.wg.Add(1)
		go s.peerLoop(ctx, p)
	}
}

// peerLoop forwards one TCP peer's inbound bytes to the serial output.
func (s *Server) peerLoop(ctx context.Context, p *peer) {
	defer s.wg.Done()
	buf := make([]byte, peerBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			s.bus.Write(buf[:n])
			s.stream.AddIn(n)
			s.mu.Lock()
			p.bytesIn += uint64(n)
			s.mu.Unlock()
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("[SocketServer] peer %s disconnected: %v", p.remote(), err)
			}
			s.removePeer(p)
			return
		}
	}
}

// datagramLoop services the shared UDP endpoint: first datagram from a new
// remote allocates a slot, payloads forward to the serial output.
func (s *Server) datagramLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, peerBufferSize)
	for {
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("[SocketServer] udp read error: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		if p := s.udpPeerFor(addr); p != nil {
			s.mu.Lock()
			p.bytesIn += uint64(n)
			s.mu.Unlock()
		}
		s.bus.Write(buf[:n])
		s.stream.AddIn(n)
	}
}

// udpPeerFor finds the slot matching addr or allocates a fresh one.
// Returns nil when the table is full; the payload is still forwarded.
func (s *Server) udpPeerFor(addr net.Addr) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p != nil && p.udp && p.addr.String() == addr.String() {
			return p
		}
	}
	p := &peer{
		id:          uuid.NewString(),
		addr:        addr,
		udp:         true,
		connectedAt: time.Now(),
	}
	for i := range s.peers {
		if s.peers[i] == nil {
			s.peers[i] = p
			log.Printf("[SocketServer] UDP peer connected from %s, id %s", addr, p.id)
			return p
		}
	}
	log.Printf("[SocketServer] no free slots for UDP peer %s", addr)
	return nil
}

func (s *Server) addPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.peers {
		if s.peers[i] == nil {
			s.peers[i] = p
			return true
		}
	}
	return false
}

func (s *Server) removePeer(target *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.peers {
		if p == target {
			if p.conn != nil {
				p.conn.Close()
			}
			s.peers[i] = nil
			return
		}
	}
}

// PeerCount reports the number of occupied slots.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.peers {
		if p != nil {
			count++
		}
	}
	return count
}

// Peers snapshots the occupied slots for the monitor surface.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PeerInfo
	for _, p := range s.peers {
		if p == nil {
			continue
		}
		transport := "tcp"
		if p.udp {
			transport = "udp"
		}
		out = append(out, PeerInfo{
			ID:          p.id,
			Remote:      p.remote(),
			Transport:   transport,
			BytesIn:     p.bytesIn,
			BytesOut:    p.bytesOut,
			ConnectedAt: p.connectedAt,
		})
	}
	return out
}

func (p *peer) remote() string {
	if p.addr != nil {
		return p.addr.String()
	}
	return "unknown"
}
