//go:build windows

package daemon

// Maintenance signals (restart, factory reset) have no Windows
// equivalent; the launcher owns shutdown there.
func (d *Daemon) watchSignals() {}
