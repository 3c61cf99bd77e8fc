package uplink

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
	"github.com/ntripduo/ntripduo/internal/netmon"
	"github.com/ntripduo/ntripduo/internal/retry"
	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/stats"
)

// memPort captures everything written to the serial side. The read side is
// idle; tests feed the uploader by invoking its handler directly.
type memPort struct {
	mu    sync.Mutex
	wrote strings.Builder
}

func (p *memPort) Read([]byte) (int, error) { return 0, io.EOF }

func (p *memPort) Close() error { return nil }

func (p *memPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *memPort) contains(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Contains(p.wrote.String(), substr)
}

func (p *memPort) count(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Count(p.wrote.String(), substr)
}

// fakeCaster accepts dialed sessions over in-memory pipes. Each session
// reads the handshake request, answers with response, then forwards any
// relayed payload to the payload channel.
type fakeCaster struct {
	response string
	dials    atomic.Int32
	requests chan string
	payload  chan []byte
	conns    chan net.Conn
}

func newFakeCaster(response string) *fakeCaster {
	return &fakeCaster{
		response: response,
		requests: make(chan string, 8),
		payload:  make(chan []byte, 8),
		conns:    make(chan net.Conn, 8),
	}
}

func (c *fakeCaster) dial(ctx context.Context, address string) (net.Conn, error) {
	c.dials.Add(1)
	local, remote := net.Pipe()
	select {
	case c.conns <- remote:
	default:
	}
	go c.serve(remote)
	return local, nil
}

func (c *fakeCaster) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var req strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		req.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	select {
	case c.requests <- req.String():
	default:
	}

	if _, err := conn.Write([]byte(c.response)); err != nil {
		return
	}

	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.payload <- chunk:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

type fixture struct {
	uploader *Uploader
	caster   *fakeCaster
	port     *memPort
	stats    *stats.Registry
}

func newFixture(t *testing.T, caster *fakeCaster, configure map[string]string, adjust func(*Options)) *fixture {
	t.Helper()

	s, err := store.Open(store.Options{DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	for key, value := range configure {
		if err := s.SetFromString(key, value); err != nil {
			t.Fatalf("configure %s: %v", key, err)
		}
	}
	if len(configure) > 0 {
		if err := s.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	port := &memPort{}
	registry := stats.NewRegistry()
	opts := Options{
		Name:       "primary",
		Tag:        "SRV",
		KeyPrefix:  "ntrip.srv",
		StreamName: "ntrip_server",
		Store:      s,
		Bus:        serial.New(port),
		Stats:      registry,
		Monitor:    netmon.Ready{},
		Product:    "NTRIP-Duo",
		Version:    "v1.0.0",
		Dial:       caster.dial,
		Retry:      &retry.Options{Initial: time.Millisecond, Ceiling: 4 * time.Millisecond, SkipFirst: true},
	}
	if adjust != nil {
		adjust(&opts)
	}

	u, err := New(opts)
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	if err := u.Start(ctx); err != nil {
		t.Fatalf("start uploader: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		u.Shutdown(sctx)
	})

	return &fixture{uploader: u, caster: caster, port: port, stats: registry}
}

func casterConfig() map[string]string {
	return map[string]string{
		config.KeyUplinkPrimaryHost:       "caster.example.com",
		config.KeyUplinkPrimaryMountpoint: "RTCM3",
		config.KeyUplinkPrimaryPassword:   "letmein",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestConnectsAndRelaysAfterFirstInput(t *testing.T) {
	t.Parallel()

	caster := newFakeCaster("ICY 200 OK\r\n")
	f := newFixture(t, caster, casterConfig(), nil)

	// No dial happens until serial input proves the receiver is alive.
	time.Sleep(20 * time.Millisecond)
	if caster.dials.Load() != 0 {
		t.Fatal("dialed before any serial input")
	}
	if !f.port.contains("$PESP,NTRIP,SRV,WAITING") {
		t.Fatal("missing WAITING sentence")
	}

	f.uploader.handleSerial([]byte("first"))
	waitFor(t, "connection", f.uploader.Connected)

	select {
	case req := <-caster.requests:
		want := "SOURCE letmein /RTCM3\r\nSource-Agent: NTRIP NTRIP-Duo/1.0.0\r\n\r\n"
		if req != want {
			t.Fatalf("handshake request = %q, want %q", req, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake request seen")
	}

	if !f.port.contains("$PESP,NTRIP,SRV,CONNECTING,caster.example.com:2101,RTCM3") {
		t.Fatal("missing CONNECTING sentence")
	}
	if !f.port.contains("$PESP,NTRIP,SRV,CONNECTED,caster.example.com:2101,RTCM3") {
		t.Fatal("missing CONNECTED sentence")
	}

	payload := []byte{0xD3, 0x00, 0x04, 0x41, 0x42, 0x43, 0x44}
	f.uploader.handleSerial(payload)
	select {
	case got := <-caster.payload:
		if string(got) != string(payload) {
			t.Fatalf("relayed payload = %v, want %v", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload never reached the caster")
	}

	waitFor(t, "stats", func() bool {
		_, out := f.stats.Stream("ntrip_server").Totals()
		return out == uint64(len(payload))
	})
}

func TestRejectedSourceKeepsRetrying(t *testing.T) {
	t.Parallel()

	caster := newFakeCaster("ERROR - Bad Password\r\n")
	f := newFixture(t, caster, casterConfig(), nil)

	f.uploader.handleSerial([]byte("fix"))
	waitFor(t, "repeated dials", func() bool { return caster.dials.Load() >= 3 })

	if f.uploader.Connected() {
		t.Fatal("uploader connected despite rejection")
	}
	if f.port.contains("$PESP,NTRIP,SRV,CONNECTED,") {
		t.Fatal("CONNECTED sentence emitted for a rejected source")
	}
}

func TestWriteFailureReconnects(t *testing.T) {
	t.Parallel()

	caster := newFakeCaster("ICY 200 OK\r\n")
	f := newFixture(t, caster, casterConfig(), nil)

	f.uploader.handleSerial([]byte("fix"))
	waitFor(t, "first connection", f.uploader.Connected)

	// Kill the session from the caster side; the next relayed chunk hits
	// a dead socket and must trigger a clean reconnect cycle.
	remote := <-caster.conns
	remote.Close()

	waitFor(t, "reconnect", func() bool {
		f.uploader.handleSerial([]byte("tick"))
		return caster.dials.Load() >= 2 && f.uploader.Connected()
	})
	if !f.port.contains("$PESP,NTRIP,SRV,DISCONNECTED,caster.example.com:2101,RTCM3") {
		t.Fatal("missing DISCONNECTED sentence")
	}
	if f.port.count("$PESP,NTRIP,SRV,CONNECTED,") < 2 {
		t.Fatal("second CONNECTED sentence missing")
	}
}

func TestIncompleteConfigNeverDials(t *testing.T) {
	t.Parallel()

	caster := newFakeCaster("ICY 200 OK\r\n")
	f := newFixture(t, caster, map[string]string{
		config.KeyUplinkPrimaryMountpoint: "RTCM3",
	}, nil)

	f.uploader.handleSerial([]byte("fix"))
	time.Sleep(50 * time.Millisecond)
	if caster.dials.Load() != 0 {
		t.Fatal("dialed with no caster host configured")
	}
}

func TestSilenceDisarmsReconnect(t *testing.T) {
	t.Parallel()

	caster := newFakeCaster("ICY 200 OK\r\n")
	f := newFixture(t, caster, casterConfig(), func(o *Options) {
		o.Threshold = 50 * time.Millisecond
	})

	f.uploader.handleSerial([]byte("fix"))
	waitFor(t, "connection", f.uploader.Connected)

	// With the serial stream gone quiet past the threshold, the engine
	// marks the input dead; a later disconnect must not reconnect.
	waitFor(t, "input marked dead", func() bool { return !f.uploader.dataReady.Load() })
}

func TestChunksDroppedWhileDisconnected(t *testing.T) {
	t.Parallel()

	caster := newFakeCaster("ERROR - Bad Password\r\n")
	f := newFixture(t, caster, casterConfig(), nil)

	for i := 0; i < 10; i++ {
		f.uploader.handleSerial([]byte("chunk"))
	}
	_, out := f.stats.Stream("ntrip_server").Totals()
	if out != 0 {
		t.Fatalf("bytes counted out while disconnected: %d", out)
	}
}

func TestInstancesOperateIndependently(t *testing.T) {
	t.Parallel()

	s, err := store.Open(store.Options{DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	for key, value := range map[string]string{
		config.KeyUplinkPrimaryHost:         "caster-a.example.com",
		config.KeyUplinkPrimaryMountpoint:   "RTCM3",
		config.KeyUplinkSecondaryHost:       "caster-b.example.com",
		config.KeyUplinkSecondaryMountpoint: "RTCM3",
	} {
		if err := s.SetFromString(key, value); err != nil {
			t.Fatalf("configure %s: %v", key, err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	port := &memPort{}
	bus := serial.New(port)
	fast := &retry.Options{Initial: time.Millisecond, Ceiling: 4 * time.Millisecond, SkipFirst: true}

	accepting := newFakeCaster("ICY 200 OK\r\n")
	rejecting := newFakeCaster("ERROR - Bad Password\r\n")

	newInstance := func(name, tag, prefix, stream string, caster *fakeCaster) *Uploader {
		u, err := New(Options{
			Name: name, Tag: tag, KeyPrefix: prefix, StreamName: stream,
			Store: s, Bus: bus, Monitor: netmon.Ready{},
			Product: "NTRIP-Duo", Version: "1.0.0",
			Dial: caster.dial, Retry: fast,
		})
		if err != nil {
			t.Fatalf("new %s uploader: %v", name, err)
		}
		if err := u.Start(ctx); err != nil {
			t.Fatalf("start %s uploader: %v", name, err)
		}
		t.Cleanup(func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			u.Shutdown(sctx)
		})
		return u
	}

	primary := newInstance("primary", "SRV", "ntrip.srv", "ntrip_server", accepting)
	secondary := newInstance("secondary", "SRV2", "ntrip.srv2", "ntrip_server_2", rejecting)

	// Both instances share the bus handler chain; feed them together.
	feed := func() {
		primary.handleSerial([]byte("fix"))
		secondary.handleSerial([]byte("fix"))
	}
	feed()
	waitFor(t, "primary connection", primary.Connected)
	waitFor(t, "secondary rejections", func() bool { return rejecting.dials.Load() >= 2 })

	if secondary.Connected() {
		t.Fatal("rejected secondary reports connected")
	}
	if !primary.Connected() {
		t.Fatal("secondary failures must not disturb the primary")
	}
	if !port.contains("$PESP,NTRIP,SRV,CONNECTED,caster-a.example.com:2101,RTCM3") {
		t.Fatal("missing primary CONNECTED sentence")
	}
	if !port.contains("$PESP,NTRIP,SRV2,CONNECTING,caster-b.example.com:2101,RTCM3") {
		t.Fatal("missing secondary CONNECTING sentence")
	}
	if port.contains("$PESP,NTRIP,SRV2,CONNECTED,") {
		t.Fatal("secondary must not report CONNECTED")
	}
}

func TestInstanceWiringValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Error("missing store and bus should be rejected")
	}
	if _, err := New(Options{Store: &store.Store{}, Bus: serial.New(&memPort{})}); err == nil {
		t.Error("missing key prefix should be rejected")
	}
}
