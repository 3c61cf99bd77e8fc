package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
	"github.com/ntripduo/ntripduo/internal/daemon"
	duoversion "github.com/ntripduo/ntripduo/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ntripduod",
		Short:         "NTRIP Duo daemon - relays GNSS corrections from serial to casters",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = duoversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().String("serial", "", "Serial device path (overrides NTRIPDUO_SERIAL)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths, err := config.EnsureDataDirs()
	if err != nil {
		return fmt.Errorf("failed to prepare data directories: %w", err)
	}

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if daemon.IsRunning(paths) {
		return fmt.Errorf("daemon is already running")
	}

	if device, _ := cmd.Flags().GetString("serial"); device != "" {
		os.Setenv("NTRIPDUO_SERIAL", device)
	}

	// A SIGHUP restart tears the whole daemon down and builds a fresh one
	// so configuration changes take effect.
	for {
		restart, err := runOnce(paths)
		if err != nil {
			return err
		}
		if !restart {
			log.Println("Daemon stopped")
			return nil
		}
		log.Println("Restarting with updated configuration")
	}
}

func runOnce(paths config.DataPaths) (restart bool, err error) {
	st, err := store.Open(store.Options{DBPath: paths.ConfigDB})
	if err != nil {
		return false, fmt.Errorf("failed to open config store: %w", err)
	}

	d, err := daemon.New(daemon.Options{Store: st, Paths: paths})
	if err != nil {
		st.Close()
		return false, fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start()
	}()

	log.Printf("NTRIP Duo daemon started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		if err := <-errChan; err != nil {
			return false, err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			return false, err
		}
	}

	return d.RestartRequested(), nil
}

func setupLogging(paths config.DataPaths) error {
	logPath := filepath.Join(paths.Home, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== NTRIP Duo Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
