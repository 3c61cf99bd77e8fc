package sockets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
	"github.com/ntripduo/ntripduo/internal/netmon"
	"github.com/ntripduo/ntripduo/internal/retry"
	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/stats"
)

const (
	// clientIOTimeout is the send/receive deadline on the client session.
	clientIOTimeout = 10 * time.Second

	// clientDrainWait bounds the serial drain performed on each receive
	// timeout.
	clientDrainWait = 10 * time.Millisecond

	clientRetryInitial = 5 * time.Second
	clientRetryCeiling = 60 * time.Second
)

// ClientStats are the client's lifetime observables.
type ClientStats struct {
	StartTime          time.Time `json:"start_time"`
	LastConnectTime    time.Time `json:"last_connect_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
	ConnectionCount    uint64    `json:"connection_count"`
	BytesSent          uint64    `json:"bytes_sent"`
	BytesReceived      uint64    `json:"bytes_received"`
}

// ClientOptions wires the socket client.
type ClientOptions struct {
	Store   *store.Store
	Bus     *serial.Bus
	Stats   *stats.Registry
	Monitor netmon.Monitor

	// Dial overrides connection establishment, for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Client maintains one persistent outbound TCP or UDP session toward the
// configured peer, forwarding serial to remote and remote to serial.
type Client struct {
	st     *store.Store
	bus    *serial.Bus
	stream *stats.Handle
	mon    netmon.Monitor
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	mu        sync.Mutex
	connected bool
	cstats    ClientStats

	tap    *serial.Tap
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient constructs the client. The session opens in Start.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("sockets: store and bus are required")
	}
	var stream *stats.Handle
	if opts.Stats != nil {
		stream = opts.Stats.Stream("socket_client")
	}
	mon := opts.Monitor
	if mon == nil {
		mon = netmon.NewHost()
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: clientIOTimeout}
			return d.DialContext(ctx, network, address)
		}
	}
	return &Client{st: opts.Store, bus: opts.Bus, stream: stream, mon: mon, dial: dial, done: make(chan struct{})}, nil
}

// Start validates the configuration and launches the session task.
func (c *Client) Start(ctx context.Context) error {
	host, err := c.st.GetString(ctx, config.MustFind(config.KeySocketClientHost))
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("sockets: client host not configured")
	}
	port, err := c.st.GetUint16(ctx, config.MustFind(config.KeySocketClientPort))
	if err != nil {
		return err
	}
	if port == 0 {
		return errors.New("sockets: client port not configured")
	}
	tcp, err := c.st.GetBool(ctx, config.MustFind(config.KeySocketClientTCP))
	if err != nil {
		return err
	}
	message, err := c.st.GetString(ctx, config.MustFind(config.KeySocketClientConnectMessage))
	if err != nil {
		return err
	}

	network := "udp"
	if tcp {
		network = "tcp"
	}
	address := fmt.Sprintf("%s:%d", host, port)

	c.mu.Lock()
	c.cstats.StartTime = time.Now()
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.tap = c.bus.Tap(64)
	go c.run(runCtx, network, address, message)
	return nil
}

// Shutdown stops the session task and closes the current session.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.tap != nil {
		c.tap.Close()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(ctx context.Context, network, address, message string) {
	defer close(c.done)
	clock := retry.New(retry.Options{
		Initial:   clientRetryInitial,
		Ceiling:   clientRetryCeiling,
		SkipFirst: true,
	})
	buf := make([]byte, peerBufferSize)
	drain := make([]byte, peerBufferSize)

	for {
		if err := c.mon.WaitForAssociation(ctx); err != nil {
			return
		}
		if err := clock.Delay(ctx); err != nil {
			return
		}

		log.Printf("[SocketClient] connecting to %s://%s", network, address)
		conn, err := c.dial(ctx, network, address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[SocketClient] connect failed: %v", err)
			continue
		}

		clock.Reset()
		c.mu.Lock()
		c.connected = true
		c.cstats.ConnectionCount++
		c.cstats.LastConnectTime = time.Now()
		c.mu.Unlock()
		log.Printf("[SocketClient] connected to %s", address)

		if message != "" {
			if err := c.send(conn, []byte(message+"\r\n")); err != nil {
				c.disconnect(conn, err)
				continue
			}
		}

		c.service(ctx, conn, buf, drain)
		if ctx.Err() != nil {
			return
		}
	}
}

// service runs one connected session until the transport fails.
func (c *Client) service(ctx context.Context, conn net.Conn, buf, drain []byte) {
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(clientIOTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			c.bus.Write(buf[:n])
			c.stream.AddIn(n)
			c.mu.Lock()
			c.cstats.BytesReceived += uint64(n)
			c.mu.Unlock()
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Receive window expired: push any pending serial input.
			m := c.tap.ReadBytes(drain, clientDrainWait)
			if m > 0 {
				if sendErr := c.send(conn, drain[:m]); sendErr != nil {
					c.disconnect(conn, sendErr)
					return
				}
			}
			continue
		}

		c.disconnect(conn, err)
		return
	}
	c.disconnect(conn, ctx.Err())
}

func (c *Client) send(conn net.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(clientIOTimeout))
	n, err := conn.Write(data)
	if err != nil {
		return err
	}
	c.stream.AddOut(n)
	c.mu.Lock()
	c.cstats.BytesSent += uint64(n)
	c.mu.Unlock()
	return nil
}

func (c *Client) disconnect(conn net.Conn, cause error) {
	conn.Close()
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.cstats.LastDisconnectTime = time.Now()
	c.mu.Unlock()
	if wasConnected && cause != nil && !errors.Is(cause, context.Canceled) {
		log.Printf("[SocketClient] disconnected: %v", cause)
	}
}

// IsConnected reports whether a session is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats snapshots the lifetime counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cstats
}
