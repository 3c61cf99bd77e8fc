package daemon

import (
	"context"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/ntripduo/ntripduo/internal/config"
)

// resetReasonFile is the marker the daemon leaves in its data directory.
// A clean shutdown stamps "software"; a crash leaves the boot-time stamp
// behind, so the next start reports an abnormal reset.
const resetReasonFile = "reset_reason"

// consumeResetReason reads the marker left by the previous run and stamps
// the abnormal sentinel for this one.
func (d *Daemon) consumeResetReason() string {
	path := filepath.Join(d.paths.Home, resetReasonFile)

	reason := resetReasonPowerOn
	if data, err := os.ReadFile(path); err == nil {
		prev := strings.TrimSpace(string(data))
		if prev == resetReasonSoftware {
			reason = resetReasonSoftware
		} else {
			reason = resetReasonAbnormal
		}
	}

	d.writeResetReason(resetReasonAbnormal)
	return reason
}

func (d *Daemon) writeResetReason(reason string) {
	path := filepath.Join(d.paths.Home, resetReasonFile)
	_ = os.WriteFile(path, []byte(reason+"\n"), 0o644)
}

// startHeapReporter periodically emits a memory usage sentence when the
// heap-debug flag is set. Free is estimated as the slack between the heap
// held from the OS and live objects.
func (d *Daemon) startHeapReporter() {
	ctx, cancel := context.WithTimeout(d.ctx, storeQueryTimeout)
	debug, err := d.store.GetBool(ctx, config.MustFind(config.KeyHeapDebug))
	cancel()
	if err != nil || !debug {
		return
	}

	go func() {
		ticker := time.NewTicker(heapReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				var m goruntime.MemStats
				goruntime.ReadMemStats(&m)
				total := m.HeapSys
				free := total - m.HeapAlloc
				pct := uint64(0)
				if total > 0 {
					pct = free * 100 / total
				}
				d.bus.Sentence("$PESP,HEAP,FREE,%d/%d,%d%%", free, total, pct)
			}
		}
	}()
}
