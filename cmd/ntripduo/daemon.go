package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/daemon"
	"github.com/ntripduo/ntripduo/internal/procutil"
)

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "restart",
		Short:         "Signal a running daemon to restart",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutputFormatter(cmd)
			paths := config.GetDataPaths()
			if err := reloadDaemon(paths); err != nil {
				return out.Error("Failed to restart daemon", err)
			}
			return out.Success("Daemon restarting", nil)
		},
	}
}

func reloadDaemon(paths config.DataPaths) error {
	if !daemon.IsRunning(paths) {
		return fmt.Errorf("daemon is not running")
	}
	pid, err := daemon.ReadPID(paths)
	if err != nil {
		return err
	}
	return procutil.SignalReload(pid)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show relay status from a running daemon's monitor endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}
}

func daemonStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, paths, err := openStore()
	if err != nil {
		return out.Error("Failed to open configuration", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	addr, addrErr := st.GetString(ctx, config.MustFind(config.KeyMonitorAddr))
	active, activeErr := st.GetBool(ctx, config.MustFind(config.KeyMonitorActive))
	cancel()
	st.Close()
	if addrErr != nil {
		return out.Error("Failed to read monitor address", addrErr)
	}
	if activeErr == nil && !active {
		return out.Error("Monitor endpoint is disabled; enable monitor.active first", nil)
	}
	if !daemon.IsRunning(paths) {
		return out.Error("Daemon is not running", nil)
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get("http://" + addr + "/status")
	if err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out.Error("Failed to fetch daemon status", fmt.Errorf("unexpected status %s", resp.Status))
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return out.Error("Invalid response from daemon", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Daemon Status:")
	if v, ok := status["version"]; ok {
		fmt.Printf("  Version: %v\n", v)
	}
	if v, ok := status["uptime_sec"]; ok {
		fmt.Printf("  Uptime: %v seconds\n", v)
	}
	if uplinks, ok := status["uplinks"].(map[string]interface{}); ok {
		fmt.Println("  Uplinks:")
		for name, connected := range uplinks {
			fmt.Printf("    %s: connected=%v\n", name, connected)
		}
	}
	if streams, ok := status["streams"].([]interface{}); ok {
		fmt.Println("  Streams:")
		for _, entry := range streams {
			s, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			fmt.Printf("    %v: in=%v out=%v\n", s["name"], s["bytes_in"], s["bytes_out"])
		}
	}
	if peers, ok := status["peers"].([]interface{}); ok {
		fmt.Printf("  Socket peers: %d\n", len(peers))
	}
	return nil
}
