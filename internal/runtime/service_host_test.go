package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// stubService records its transitions into a shared journal so ordering
// across services can be asserted.
type stubService struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	errCh    chan error

	mu     sync.Mutex
	starts int
	stops  int
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (p *stubService) Start(ctx context.Context) error {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	p.journal.add("start " + p.name)
	return p.startErr
}

func (p *stubService) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.journal.add("stop " + p.name)
	return p.stopErr
}

func (p *stubService) Errors() <-chan error {
	return p.errCh
}

func (p *stubService) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func registerStub(t *testing.T, host *ServiceHost, p *stubService) {
	t.Helper()
	err := host.Register(p.name, func(ctx context.Context) (Service, error) {
		return p, nil
	})
	if err != nil {
		t.Fatalf("register %s: %v", p.name, err)
	}
}

func TestHostStartsInOrderStopsInReverse(t *testing.T) {
	t.Parallel()

	host := NewServiceHost()
	j := &journal{}
	registerStub(t, host, &stubService{name: "bus", journal: j})
	registerStub(t, host, &stubService{name: "uplink", journal: j})

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	if err := host.Stop(context.Background()); err != nil {
		t.Fatalf("stop host: %v", err)
	}

	want := []string{"start bus", "start uplink", "stop uplink", "stop bus"}
	got := j.snapshot()
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal = %v, want %v", got, want)
		}
	}
}

func TestHostRefusesDuplicateAndLateRegistration(t *testing.T) {
	t.Parallel()

	host := NewServiceHost()
	registerStub(t, host, &stubService{name: "bus"})

	if err := host.Register("bus", func(ctx context.Context) (Service, error) {
		return &stubService{name: "bus"}, nil
	}); err == nil {
		t.Fatal("duplicate name accepted")
	}

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(context.Background())

	if err := host.Register("late", func(ctx context.Context) (Service, error) {
		return &stubService{name: "late"}, nil
	}); err == nil {
		t.Fatal("registration after start accepted")
	}
}

func TestHostRestartRebuildsOneService(t *testing.T) {
	t.Parallel()

	host := NewServiceHost()
	svc := &stubService{name: "uplink"}
	registerStub(t, host, svc)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(context.Background())

	if err := host.Restart(context.Background(), "uplink"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	starts, stops := svc.counts()
	if starts != 2 || stops != 1 {
		t.Fatalf("starts=%d stops=%d after restart, want 2/1", starts, stops)
	}

	if err := host.Restart(context.Background(), "missing"); err == nil {
		t.Fatal("restart of unregistered service accepted")
	}
}

func TestHostUnwindsOnStartFailure(t *testing.T) {
	t.Parallel()

	host := NewServiceHost()
	first := &stubService{name: "bus"}
	second := &stubService{name: "uplink", startErr: errors.New("no port")}
	registerStub(t, host, first)
	registerStub(t, host, second)

	if err := host.Start(context.Background()); err == nil {
		t.Fatal("start succeeded despite failing service")
	}
	if _, stops := first.counts(); stops != 1 {
		t.Fatalf("first service stops = %d, want 1", stops)
	}
}

func TestHostForwardsServiceErrors(t *testing.T) {
	t.Parallel()

	host := NewServiceHost()
	svc := &stubService{name: "uplink", errCh: make(chan error, 1)}
	registerStub(t, host, svc)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(context.Background())

	cause := errors.New("stream collapsed")
	svc.errCh <- cause

	select {
	case err := <-host.Errors():
		if !errors.Is(err, cause) {
			t.Fatalf("forwarded error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded error")
	}
}

func TestLifecycleLatch(t *testing.T) {
	t.Parallel()

	lc := NewLifecycle()
	select {
	case <-lc.Done():
		t.Fatal("latch tripped before Shutdown")
	default:
	}

	lc.Shutdown()
	lc.Shutdown() // idempotent

	select {
	case <-lc.Done():
	default:
		t.Fatal("latch not tripped after Shutdown")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ntripduod.pid")
	if err := WritePIDFile(path, 4321); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat pid: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("pid file perms = %o, want 600", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if string(data) != "4321" {
		t.Fatalf("pid file contents = %q", data)
	}

	RemovePIDFile(path)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file still present: %v", err)
	}

	if err := WritePIDFile("", 1); err == nil {
		t.Fatal("empty path accepted")
	}
}
