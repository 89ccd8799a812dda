package leasedb

import (
	"net"
	"net/netip"
	"time"
)

// Lease binds a hardware address to an IPv4 address for a bounded time, per
// the wire-format spec's lease record.
type Lease struct {
	Expires  time.Time
	HWAddr   net.HardwareAddr
	IP       netip.Addr
	Hostname string
	Static   bool
}

// expired reports whether l is no longer active at now.  A static lease
// never expires.
func (l *Lease) expired(now time.Time) bool {
	return !l.Static && !now.Before(l.Expires)
}

// IsExpired reports whether l is no longer active at now. Exported so
// callers outside the package (handlers deciding conflicts, for instance)
// can distinguish a stale record from one that still binds its address.
func (l *Lease) IsExpired(now time.Time) bool {
	return l.expired(now)
}

// macKey is a fixed-size comparable map key derived from a MAC address, so
// net.HardwareAddr (a slice, and therefore not comparable) can index a Go
// map.
type macKey [8]byte

// newMACKey converts mac to a macKey.  Longer addresses are truncated; this
// only ever receives 6-byte Ethernet addresses in practice.
func newMACKey(mac net.HardwareAddr) (k macKey) {
	copy(k[:], mac)
	return k
}
