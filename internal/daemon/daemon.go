// Package daemon assembles the relay: it opens the serial bus, wires the
// configured services into a ServiceHost and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
	"github.com/ntripduo/ntripduo/internal/datalog"
	"github.com/ntripduo/ntripduo/internal/monitor"
	"github.com/ntripduo/ntripduo/internal/netmon"
	"github.com/ntripduo/ntripduo/internal/procutil"
	daemonruntime "github.com/ntripduo/ntripduo/internal/runtime"
	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/sockets"
	"github.com/ntripduo/ntripduo/internal/stats"
	"github.com/ntripduo/ntripduo/internal/status"
	"github.com/ntripduo/ntripduo/internal/uplink"
	"github.com/ntripduo/ntripduo/internal/version"
)

const (
	// storeQueryTimeout bounds context deadlines for store lookups during
	// daemon construction and operation.
	storeQueryTimeout = 5 * time.Second

	// serviceOpTimeout bounds context deadlines for service lifecycle
	// operations (start rollback, graceful shutdown).
	serviceOpTimeout = 5 * time.Second

	// resetGrace is how long a factory reset waits after wiping the store
	// before the process exits, so the reset sentence drains.
	resetGrace = 2 * time.Second

	heapReportInterval = 30 * time.Second

	// abnormalPulse is the startup indication window after a crash.
	abnormalPulse = 10 * time.Second
)

const (
	resetReasonSoftware = "software"
	resetReasonAbnormal = "abnormal"
	resetReasonPowerOn  = "power_on"
)

const (
	systemColor   config.Color = 0x0000FF55 // blue fade while running
	abnormalColor config.Color = 0xFF0000AA // red after a crash
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *store.Store
	Paths config.DataPaths

	// Port overrides the hardware serial port, for tests.
	Port serial.Port

	// NetMonitor overrides network association probing, for tests.
	NetMonitor netmon.Monitor

	// Render receives composite status indications. Nil discards them.
	Render status.Render
}

// Daemon is the supervisor process: one serial bus, one config store and
// the set of relay services the configuration enables.
type Daemon struct {
	store     *store.Store
	paths     config.DataPaths
	bus       *serial.Bus
	registry  *stats.Registry
	indicator *status.Indicator
	host      *daemonruntime.ServiceHost
	lifecycle *daemonruntime.Lifecycle

	primary   *uplink.Uploader
	secondary *uplink.Uploader
	sockSrv   *sockets.Server
	sockCli   *sockets.Client

	restart atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	errMu  sync.Mutex
	runErr error
}

// New creates a daemon bound to the provided configuration store. Every
// service the configuration enables is constructed here; nothing runs
// until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}
	paths := opts.Paths
	if paths.Home == "" {
		paths = config.GetDataPaths()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()

	port := opts.Port
	if port == nil {
		var err error
		port, err = openConfiguredPort(ctx, opts.Store)
		if err != nil {
			return nil, fmt.Errorf("daemon: open serial port: %w", err)
		}
	}
	bus := serial.New(port)
	registry := stats.NewRegistry()
	indicator := status.New(opts.Render)
	mon := opts.NetMonitor
	if mon == nil {
		mon = netmon.NewHost()
	}

	// Config commit/reset notifications ride the serial side channel.
	opts.Store.SetNotifier(bus.Sentence)

	d := &Daemon{
		store:     opts.Store,
		paths:     paths,
		bus:       bus,
		registry:  registry,
		indicator: indicator,
		host:      daemonruntime.NewServiceHost(),
		lifecycle: daemonruntime.NewLifecycle(),
	}

	if err := d.wireServices(ctx, mon); err != nil {
		return nil, err
	}
	return d, nil
}

// wireServices registers every enabled relay service on the host, in boot
// order. Registration order is start order; shutdown runs in reverse.
func (d *Daemon) wireServices(ctx context.Context, mon netmon.Monitor) error {
	type uploaderSpec struct {
		service, name, tag, prefix, stream string
	}
	for _, spec := range []uploaderSpec{
		{"uplink_primary", "primary", "SRV", "ntrip.srv", "ntrip_server"},
		{"uplink_secondary", "secondary", "SRV2", "ntrip.srv2", "ntrip_server_2"},
	} {
		active, err := d.store.GetBool(ctx, config.MustFind(spec.prefix+config.SuffixActive))
		if err != nil {
			return err
		}
		if !active {
			continue
		}
		up, err := uplink.New(uplink.Options{
			Name:       spec.name,
			Tag:        spec.tag,
			KeyPrefix:  spec.prefix,
			StreamName: spec.stream,
			Store:      d.store,
			Bus:        d.bus,
			Stats:      d.registry,
			Status:     d.indicator,
			Monitor:    mon,
			Product:    version.Product,
			Version:    version.Agent(),
		})
		if err != nil {
			return fmt.Errorf("daemon: create %s uploader: %w", spec.name, err)
		}
		if spec.name == "primary" {
			d.primary = up
		} else {
			d.secondary = up
		}
		if err := d.registerService(spec.service, up); err != nil {
			return err
		}
	}

	srvActive, err := d.store.GetBool(ctx, config.MustFind(config.KeySocketServerActive))
	if err != nil {
		return err
	}
	if srvActive {
		srv, err := sockets.NewServer(sockets.ServerOptions{
			Store: d.store,
			Bus:   d.bus,
			Stats: d.registry,
		})
		if err != nil {
			return fmt.Errorf("daemon: create socket server: %w", err)
		}
		d.sockSrv = srv
		if err := d.registerService("socket_server", srv); err != nil {
			return err
		}
	}

	cliActive, err := d.store.GetBool(ctx, config.MustFind(config.KeySocketClientActive))
	if err != nil {
		return err
	}
	if cliActive {
		cli, err := sockets.NewClient(sockets.ClientOptions{
			Store:   d.store,
			Bus:     d.bus,
			Stats:   d.registry,
			Monitor: mon,
		})
		if err != nil {
			return fmt.Errorf("daemon: create socket client: %w", err)
		}
		d.sockCli = cli
		if err := d.registerService("socket_client", cli); err != nil {
			return err
		}
	}

	logActive, err := d.store.GetBool(ctx, config.MustFind(config.KeySDLoggingActive))
	if err != nil {
		return err
	}
	if logActive {
		rec, err := datalog.New(datalog.Options{
			Dir:   d.paths.Logs,
			Bus:   d.bus,
			Stats: d.registry,
		})
		if err != nil {
			return fmt.Errorf("daemon: create stream recorder: %w", err)
		}
		if err := d.registerService("recorder", rec); err != nil {
			return err
		}
	}

	monActive, err := d.store.GetBool(ctx, config.MustFind(config.KeyMonitorActive))
	if err != nil {
		return err
	}
	if monActive {
		addr, err := d.store.GetString(ctx, config.MustFind(config.KeyMonitorAddr))
		if err != nil {
			return err
		}
		mon, err := monitor.New(monitor.Options{
			Addr:      addr,
			Bus:       d.bus,
			Stats:     d.registry,
			Version:   version.String(),
			Primary:   uplinkStatus(d.primary),
			Secondary: uplinkStatus(d.secondary),
			Server:    d.sockSrv,
			Client:    d.sockCli,
		})
		if err != nil {
			return fmt.Errorf("daemon: create monitor: %w", err)
		}
		if err := d.registerService("monitor", mon); err != nil {
			return err
		}
	}

	return nil
}

func (d *Daemon) registerService(name string, svc daemonruntime.Service) error {
	return d.host.Register(name, func(ctx context.Context) (daemonruntime.Service, error) {
		return svc, nil
	})
}

// uplinkStatus keeps a nil *Uploader from becoming a non-nil interface.
func uplinkStatus(u *uplink.Uploader) monitor.UplinkStatus {
	if u == nil {
		return nil
	}
	return u
}

// Start runs the daemon until Shutdown. It blocks for the whole lifetime
// of the process.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.paths.PIDFile, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.paths.PIDFile)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	startCtx, cancel := context.WithTimeout(d.ctx, serviceOpTimeout)
	if err := d.bus.Start(startCtx); err != nil {
		cancel()
		d.cancel()
		return fmt.Errorf("daemon: start serial bus: %w", err)
	}
	cancel()

	reason := d.consumeResetReason()
	if reason == resetReasonAbnormal {
		d.indicator.Pulse("reset", abnormalColor, status.Static, abnormalPulse)
	}
	if sys := d.indicator.Add("system", systemColor, status.Fade); sys != nil {
		sys.SetActive(true)
	}

	d.bus.Sentence("$PESP,INIT,START,%s,%s", version.String(), reason)

	if err := d.host.Start(d.ctx); err != nil {
		d.cancel()
		d.shutdownBus()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()
	d.watchSignals()
	d.startHeapReporter()

	d.bus.Sentence("$PESP,INIT,COMPLETE")

	<-d.lifecycle.Done()

	if d.cancel != nil {
		d.cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.host.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	stopCancel()

	d.shutdownBus()

	if err := d.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}

	d.writeResetReason(resetReasonSoftware)
	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// RequestRestart announces a configuration-triggered restart and shuts
// down. The launcher observes RestartRequested and runs a fresh daemon.
func (d *Daemon) RequestRestart() {
	d.bus.Sentence("$PESP,CFG,RESTARTING")
	d.restart.Store(true)
	d.Shutdown()
}

// RestartRequested reports whether the last shutdown asked for a restart.
func (d *Daemon) RestartRequested() bool {
	return d.restart.Load()
}

// FactoryReset wipes the persisted configuration and shuts down after a
// short grace period so the reset notification drains.
func (d *Daemon) FactoryReset() {
	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	if err := d.store.Reset(ctx); err != nil {
		log.Printf("[Daemon] factory reset failed: %v", err)
		return
	}
	time.Sleep(resetGrace)
	d.Shutdown()
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.host.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.Shutdown()
		}
	}()
}

func (d *Daemon) shutdownBus() {
	ctx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	defer cancel()
	if err := d.bus.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: serial shutdown error: %v\n", err)
	}
}

func (d *Daemon) setRunError(err error) {
	d.errMu.Lock()
	if d.runErr == nil {
		d.runErr = err
	}
	d.errMu.Unlock()
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

func openConfiguredPort(ctx context.Context, st *store.Store) (serial.Port, error) {
	num, err := st.GetUint8(ctx, config.MustFind(config.KeyUARTNum))
	if err != nil {
		return nil, err
	}
	baud, err := st.GetUint32(ctx, config.MustFind(config.KeyUARTBaudRate))
	if err != nil {
		return nil, err
	}
	dataBits, err := st.GetInt8(ctx, config.MustFind(config.KeyUARTDataBits))
	if err != nil {
		return nil, err
	}
	stopBits, err := st.GetInt8(ctx, config.MustFind(config.KeyUARTStopBits))
	if err != nil {
		return nil, err
	}
	parity, err := st.GetInt8(ctx, config.MustFind(config.KeyUARTParity))
	if err != nil {
		return nil, err
	}
	return serial.OpenHardware(serial.HardwareOptions{
		PortNum:  num,
		BaudRate: baud,
		DataBits: dataBits,
		StopBits: stopBits,
		Parity:   parity,
	})
}

// IsRunning checks whether another daemon already holds the PID file.
func IsRunning(paths config.DataPaths) bool {
	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(paths.PIDFile)
		return false
	}
	if !procutil.IsAlive(pid) {
		os.Remove(paths.PIDFile)
		return false
	}
	return true
}

// ReadPID returns the PID recorded by a running daemon.
func ReadPID(paths config.DataPaths) (int, error) {
	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("daemon: malformed pid file %s", paths.PIDFile)
	}
	return pid, nil
}
