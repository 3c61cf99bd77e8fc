// Package netmon gates network-dependent components on link association,
// standing in for the firmware's wait-for-IP primitive.
package netmon

import (
	"context"
	"net"
	"time"
)

// Monitor reports whether the host currently has a usable network address.
type Monitor interface {
	// WaitForAssociation blocks until a non-loopback unicast address is
	// assigned or ctx is cancelled.
	WaitForAssociation(ctx context.Context) error
}

// pollInterval is how often the host monitor re-checks the interface list.
const pollInterval = time.Second

// HostMonitor polls the local interface list.
type HostMonitor struct{}

// NewHost creates a Monitor backed by the host's interface table.
func NewHost() *HostMonitor {
	return &HostMonitor{}
}

func (m *HostMonitor) WaitForAssociation(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if hasUnicastAddr() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func hasUnicastAddr() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}

// Ready is a Monitor that is always associated, for tests and wired setups.
type Ready struct{}

func (Ready) WaitForAssociation(ctx context.Context) error {
	return ctx.Err()
}
