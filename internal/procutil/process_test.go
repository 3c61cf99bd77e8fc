//go:build !windows

package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestIsAliveForOwnProcess(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Fatal("IsAlive reported own process as dead")
	}
}

func TestIsAliveForImpossiblePID(t *testing.T) {
	// Well beyond any realistic pid_max.
	if IsAlive(1<<30 - 1) {
		t.Fatal("IsAlive reported a non-existent PID as alive")
	}
}

func TestSignalReloadReachesProcess(t *testing.T) {
	// A plain sleep has no SIGHUP handler, so the default disposition
	// terminates it: delivery is observable as the process dying.
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start subprocess: %v", err)
	}
	pid := cmd.Process.Pid

	if err := SignalReload(pid); err != nil {
		t.Fatalf("SignalReload: %v", err)
	}
	_ = cmd.Wait()

	time.Sleep(50 * time.Millisecond)
	if IsAlive(pid) {
		t.Fatal("process still alive after SignalReload")
	}
}
