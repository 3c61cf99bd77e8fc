//go:build !windows

package daemon

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// watchSignals handles the maintenance signals: SIGHUP restarts with a
// restart notification, SIGUSR1 performs a factory reset. SIGINT/SIGTERM
// stay with the launcher.
func (d *Daemon) watchSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGHUP:
					log.Printf("[Daemon] SIGHUP received, restarting")
					d.RequestRestart()
				case syscall.SIGUSR1:
					log.Printf("[Daemon] SIGUSR1 received, resetting configuration")
					go d.FactoryReset()
				}
			}
		}
	}()
}
