// Package uplink implements the relay engine that streams serial input to
// an NTRIP caster as a SOURCE, reconnecting with bounded backoff for as
// long as serial input keeps flowing. One parametric Uploader serves both
// the primary and the secondary caster.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
	"github.com/ntripduo/ntripduo/internal/netmon"
	"github.com/ntripduo/ntripduo/internal/retry"
	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/stats"
	"github.com/ntripduo/ntripduo/internal/status"
)

const (
	// guardWait bounds the serial callback's wait for the socket guard.
	// Chunks that miss the window are dropped; the stream is lossy by
	// contract.
	guardWait = 100 * time.Millisecond

	// keepAliveThreshold is the maximum serial silence before the engine
	// stops reconnecting. The liveness ticker runs at a tenth of it.
	keepAliveThreshold = 10 * time.Second

	// dialTimeout covers resolution plus connect, and the handshake
	// exchange reuses it as its deadline.
	dialTimeout = 10 * time.Second

	retryInitial = 2 * time.Second
	retryGrowth  = 5 // doublings before the delay pins at the ceiling
)

// DialFunc opens the stream connection toward the caster. Swapped by tests.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// Options wires one uploader instance.
type Options struct {
	Name       string // instance name for logs ("primary", "secondary")
	Tag        string // sentence tag: "SRV" or "SRV2"
	KeyPrefix  string // config key prefix, e.g. "ntrip.srv"
	StreamName string // stats registry name

	Store   *store.Store
	Bus     *serial.Bus
	Stats   *stats.Registry
	Status  *status.Indicator
	Monitor netmon.Monitor

	Product string // Source-Agent product name
	Version string // build version; leading "v" is stripped

	Dial      DialFunc       // optional, defaults to net.Dialer
	Threshold time.Duration  // optional keep-alive override, for tests
	Retry     *retry.Options // optional backoff override, for tests
}

// Uploader maintains at most one live session to its caster and owns all
// of its state; two instances never alias.
type Uploader struct {
	name      string
	tag       string
	prefix    string
	product   string
	version   string
	threshold time.Duration

	st      *store.Store
	bus     *serial.Bus
	stream  *stats.Handle
	statSrc *status.Source
	ind     *status.Indicator
	mon     netmon.Monitor
	clock   *retry.Clock
	dial    DialFunc

	// guard is the socket mutual-exclusion token: a one-slot semaphore so
	// the callback can bound its wait.
	guard chan struct{}
	conn  net.Conn // guarded by guard

	dataReady   atomic.Bool
	casterReady atomic.Bool
	dataSent    atomic.Bool
	dataSignal  chan struct{}
	wake        chan struct{}

	keepAlive     atomic.Int64 // elapsed silence, nanoseconds
	livenessArmed atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the uploader. Nothing runs until Start.
func New(opts Options) (*Uploader, error) {
	if opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("uplink: store and bus are required")
	}
	if opts.KeyPrefix == "" || opts.Tag == "" {
		return nil, errors.New("uplink: key prefix and tag are required")
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = keepAliveThreshold
	}

	retryOpts := retry.Options{
		Initial:   retryInitial,
		Ceiling:   retryInitial << retryGrowth,
		SkipFirst: true,
	}
	if opts.Retry != nil {
		retryOpts = *opts.Retry
	}

	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", address)
		}
	}

	mon := opts.Monitor
	if mon == nil {
		mon = netmon.NewHost()
	}

	var stream *stats.Handle
	if opts.Stats != nil {
		stream = opts.Stats.Stream(opts.StreamName)
	}

	return &Uploader{
		name:       opts.Name,
		tag:        opts.Tag,
		prefix:     opts.KeyPrefix,
		product:    opts.Product,
		version:    trimVersion(opts.Version),
		threshold:  threshold,
		st:         opts.Store,
		bus:        opts.Bus,
		stream:     stream,
		ind:        opts.Status,
		mon:        mon,
		clock:      retry.New(retryOpts),
		dial:       dial,
		guard:      make(chan struct{}, 1),
		dataSignal: make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Start registers the serial read handler and launches the control and
// liveness tasks. It returns immediately; the engine runs autonomously and
// no failure past this point is fatal to it.
func (u *Uploader) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	if u.ind != nil {
		color, err := u.st.GetColor(runCtx, config.MustFind(u.prefix+config.SuffixColor))
		if err == nil {
			u.statSrc = u.ind.Add("ntrip_"+u.tag, color, status.Fade)
		}
	}

	u.bus.RegisterReadHandler(u.handleSerial)
	go u.liveness(runCtx)
	go u.run(runCtx)
	return nil
}

// Shutdown stops the control tasks. The registered serial handler keeps
// its slot but goes quiet once CASTER_READY is cleared.
func (u *Uploader) Shutdown(ctx context.Context) error {
	if u.cancel != nil {
		u.cancel()
	}
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSerial is the serial-input callback. It is invoked sequentially by
// the bus dispatcher and never re-entered.
func (u *Uploader) handleSerial(chunk []byte) {
	if u.dataReady.CompareAndSwap(false, true) {
		if u.dataSent.Load() {
			log.Printf("[Uplink %s] serial input resumed, will reconnect to caster if disconnected", u.name)
		}
		select {
		case u.dataSignal <- struct{}{}:
		default:
		}
	}
	u.keepAlive.Store(0)

	if !u.casterReady.Load() {
		return
	}

	if !u.acquireGuard(guardWait) {
		// Guard contended past the bounded wait: drop the chunk.
		return
	}
	conn := u.conn
	if conn == nil {
		u.releaseGuard()
		return
	}
	n, err := conn.Write(chunk)
	if err != nil || n < len(chunk) {
		conn.Close()
		u.conn = nil
		u.releaseGuard()
		u.resumeMain()
		return
	}
	u.dataSent.Store(true)
	u.stream.AddOut(n)
	u.releaseGuard()
}

// liveness is the sliding-window silence detector. It only counts while
// armed by the control loop.
func (u *Uploader) liveness(ctx context.Context) {
	tick := u.threshold / 10
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !u.livenessArmed.Load() {
			continue
		}
		if time.Duration(u.keepAlive.Load()) >= u.threshold {
			if u.dataReady.CompareAndSwap(true, false) {
				log.Printf("[Uplink %s] no serial input in %v, will not reconnect to caster if disconnected",
					u.name, u.threshold)
			}
			continue
		}
		u.keepAlive.Add(int64(tick))
	}
}

// run is the control loop: wait for live input, connect, hand the socket
// to the callback, park until a write fails, clean up, repeat.
func (u *Uploader) run(ctx context.Context) {
	defer close(u.done)
	for {
		if err := u.clock.Delay(ctx); err != nil {
			return
		}

		if !u.dataReady.Load() {
			log.Printf("[Uplink %s] waiting for serial input before connecting to caster", u.name)
			u.bus.Sentence("$PESP,NTRIP,%s,WAITING", u.tag)
			for !u.dataReady.Load() {
				select {
				case <-ctx.Done():
					return
				case <-u.dataSignal:
				}
			}
		}

		u.keepAlive.Store(0)
		u.livenessArmed.Store(true)

		if err := u.mon.WaitForAssociation(ctx); err != nil {
			return
		}

		host, port, mountpoint, password, err := u.readConfig(ctx)
		if err != nil {
			log.Printf("[Uplink %s] configuration incomplete: %v", u.name, err)
			u.cleanup()
			continue
		}

		endpoint := net.JoinHostPort(host, strconv.Itoa(int(port)))
		log.Printf("[Uplink %s] connecting to %s:%d/%s", u.name, host, port, mountpoint)
		u.bus.Sentence("$PESP,NTRIP,%s,CONNECTING,%s:%d,%s", u.tag, host, port, mountpoint)

		conn, err := u.dial(ctx, endpoint)
		if err != nil {
			log.Printf("[Uplink %s] could not connect to %s: %v", u.name, endpoint, err)
			u.cleanup()
			continue
		}

		if err := u.handshake(conn, password, mountpoint); err != nil {
			log.Printf("[Uplink %s] could not connect to mountpoint: %v", u.name, err)
			conn.Close()
			u.cleanup()
			continue
		}

		log.Printf("[Uplink %s] successfully connected to %s:%d/%s", u.name, host, port, mountpoint)
		u.bus.Sentence("$PESP,NTRIP,%s,CONNECTED,%s:%d,%s", u.tag, host, port, mountpoint)

		u.clock.Reset()
		u.setConn(conn)
		u.statSrc.SetActive(true)
		u.casterReady.Store(true)

		// Park until the callback reports a write failure.
		select {
		case <-ctx.Done():
			u.casterReady.Store(false)
			u.cleanup()
			return
		case <-u.wake:
		}

		u.casterReady.Store(false)
		u.dataSent.Store(false)
		u.statSrc.SetActive(false)
		log.Printf("[Uplink %s] disconnected from %s:%d/%s", u.name, host, port, mountpoint)
		u.bus.Sentence("$PESP,NTRIP,%s,DISCONNECTED,%s:%d,%s", u.tag, host, port, mountpoint)
		u.cleanup()
	}
}

func (u *Uploader) readConfig(ctx context.Context) (host string, port uint16, mountpoint, password string, err error) {
	host, err = u.st.GetString(ctx, config.MustFind(u.prefix+config.SuffixHost))
	if err != nil {
		return "", 0, "", "", err
	}
	port, err = u.st.GetUint16(ctx, config.MustFind(u.prefix+config.SuffixPort))
	if err != nil {
		return "", 0, "", "", err
	}
	mountpoint, err = u.st.GetString(ctx, config.MustFind(u.prefix+config.SuffixMountpoint))
	if err != nil {
		return "", 0, "", "", err
	}
	password, err = u.st.GetString(ctx, config.MustFind(u.prefix+config.SuffixPassword))
	if err != nil {
		return "", 0, "", "", err
	}
	if host == "" {
		return "", 0, "", "", errors.New("caster host not set")
	}
	if mountpoint == "" {
		return "", 0, "", "", errors.New("mountpoint not set")
	}
	return host, port, mountpoint, password, nil
}

// handshake performs the SOURCE request/response exchange on a fresh
// connection.
func (u *Uploader) handshake(conn net.Conn, password, mountpoint string) error {
	deadline := time.Now().Add(dialTimeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	request := fmt.Sprintf("SOURCE %s /%s\r\nSource-Agent: NTRIP %s/%s\r\n\r\n",
		password, mountpoint, u.product, u.version)
	if _, err := conn.Write([]byte(request)); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return fmt.Errorf("receive response: %w", err)
	}
	statusLine := firstLine(string(buf[:n]))
	if !responseOK(statusLine) {
		return fmt.Errorf("caster rejected source: %q", statusLine)
	}
	return nil
}

// cleanup disarms the liveness counter and destroys any open socket. Every
// transport failure funnels through here before the next backoff cycle.
func (u *Uploader) cleanup() {
	u.livenessArmed.Store(false)
	u.acquireGuardBlocking()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	u.releaseGuard()
}

func (u *Uploader) setConn(conn net.Conn) {
	u.acquireGuardBlocking()
	u.conn = conn
	u.releaseGuard()
}

func (u *Uploader) acquireGuard(wait time.Duration) bool {
	select {
	case u.guard <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case u.guard <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (u *Uploader) acquireGuardBlocking() {
	u.guard <- struct{}{}
}

func (u *Uploader) releaseGuard() {
	<-u.guard
}

func (u *Uploader) resumeMain() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Connected reports whether the caster is currently accepting the stream.
func (u *Uploader) Connected() bool {
	return u.casterReady.Load()
}
