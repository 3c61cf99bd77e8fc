// Package monitor serves the local status surface: a JSON snapshot of
// every stream counter and peer table, and a WebSocket live tap of the
// serial stream. It is a read-only observer; configuration stays on the
// CLI.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/sockets"
	"github.com/ntripduo/ntripduo/internal/stats"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsDrainWindow  = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://localhost" || origin == "http://127.0.0.1" ||
			strings.HasPrefix(origin, "http://localhost:") ||
			strings.HasPrefix(origin, "http://127.0.0.1:")
	},
}

// UplinkStatus is reported per uploader instance.
type UplinkStatus interface {
	Connected() bool
}

// Options wires the monitor endpoint.
type Options struct {
	Addr    string
	Bus     *serial.Bus
	Stats   *stats.Registry
	Version string

	// Optional component observables; nil entries are omitted from the
	// status document.
	Primary   UplinkStatus
	Secondary UplinkStatus
	Server    *sockets.Server
	Client    *sockets.Client
}

// Monitor is the HTTP status service.
type Monitor struct {
	opts    Options
	started time.Time

	httpServer *http.Server
	ln         net.Listener

	done chan struct{}
}

// New constructs the monitor service.
func New(opts Options) (*Monitor, error) {
	if opts.Bus == nil || opts.Stats == nil {
		return nil, errors.New("monitor: bus and stats are required")
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8850"
	}
	return &Monitor{opts: opts, done: make(chan struct{})}, nil
}

// Start binds the listener and serves until Shutdown.
func (m *Monitor) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/stream", m.handleStream)

	ln, err := net.Listen("tcp", m.opts.Addr)
	if err != nil {
		return err
	}
	m.ln = ln
	m.started = time.Now()
	m.httpServer = &http.Server{Handler: mux}

	go func() {
		defer close(m.done)
		if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Monitor] serve error: %v", err)
		}
	}()
	log.Printf("[Monitor] status endpoint on http://%s", ln.Addr())
	return nil
}

// Shutdown stops the HTTP server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}
	err := m.httpServer.Shutdown(ctx)
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Addr returns the bound listener address, for tests.
func (m *Monitor) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

type statusDocument struct {
	Version   string               `json:"version"`
	UptimeSec int64                `json:"uptime_sec"`
	Streams   []stats.StreamTotals `json:"streams"`
	Uplinks   map[string]bool      `json:"uplinks,omitempty"`
	Peers     []sockets.PeerInfo   `json:"peers,omitempty"`
	Client    *sockets.ClientStats `json:"client,omitempty"`
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc := statusDocument{
		Version:   m.opts.Version,
		UptimeSec: int64(time.Since(m.started).Seconds()),
		Streams:   m.opts.Stats.Snapshot(),
	}
	uplinks := make(map[string]bool)
	if m.opts.Primary != nil {
		uplinks["primary"] = m.opts.Primary.Connected()
	}
	if m.opts.Secondary != nil {
		uplinks["secondary"] = m.opts.Secondary.Connected()
	}
	if len(uplinks) > 0 {
		doc.Uplinks = uplinks
	}
	if m.opts.Server != nil {
		doc.Peers = m.opts.Server.Peers()
	}
	if m.opts.Client != nil {
		cs := m.opts.Client.Stats()
		doc.Client = &cs
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Printf("[Monitor] status encode failed: %v", err)
	}
}

// handleStream upgrades to WebSocket and relays the live serial stream as
// binary messages. The tap is lossy; a slow client misses chunks instead
// of stalling the relay.
func (m *Monitor) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	clientID := uuid.NewString()
	log.Printf("[Monitor] stream client %s connected from %s", clientID, r.RemoteAddr)
	defer func() {
		conn.Close()
		log.Printf("[Monitor] stream client %s disconnected", clientID)
	}()

	tap := m.opts.Bus.Tap(64)
	defer tap.Close()

	// Discard inbound frames so close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 1024)
	for {
		n := tap.ReadBytes(buf, wsDrainWindow)
		if n == 0 {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
			return
		}
	}
}
