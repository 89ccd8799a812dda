package leasedb

import (
	"net/netip"
	"time"

	probing "github.com/go-ping/ping"
)

// ICMPAddressChecker probes a candidate address with a single ICMP echo,
// grounded in the donor's use of go-ping to detect another host already
// answering for an address before handing it out.
type ICMPAddressChecker struct {
	Timeout time.Duration
}

// InUse implements the AddressChecker interface for ICMPAddressChecker.
func (c ICMPAddressChecker) InUse(ip netip.Addr) (bool, error) {
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return false, err
	}

	pinger.Count = 1
	pinger.Timeout = c.Timeout
	pinger.SetPrivileged(true)

	if err = pinger.Run(); err != nil {
		return false, err
	}

	stats := pinger.Statistics()
	return stats.PacketsRecv > 0, nil
}
