package leasedb

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// ipRange is an inclusive range of IPv4 addresses, the server's configured
// pool bounds.
type ipRange struct {
	start netip.Addr
	end   netip.Addr
}

// newIPRange validates and constructs a range; start must be less than or
// equal to end and both must be IPv4.
func newIPRange(start, end netip.Addr) (r ipRange, err error) {
	switch {
	case !start.Is4() || !end.Is4():
		return ipRange{}, errors.Error("pool bounds must be IPv4")
	case end.Less(start):
		return ipRange{}, fmt.Errorf("pool end %s is before start %s", end, start)
	default:
		return ipRange{start: start, end: end}, nil
	}
}

// contains reports whether ip lies within r.
func (r ipRange) contains(ip netip.Addr) bool {
	return ip.Is4() && !ip.Less(r.start) && !r.end.Less(ip)
}

// next returns the successor of ip within r, and false once end is reached.
func (r ipRange) next(ip netip.Addr) (netip.Addr, bool) {
	n := ip.Next()
	if r.end.Less(n) {
		return netip.Addr{}, false
	}
	return n, true
}

// String implements the fmt.Stringer interface for ipRange.
func (r ipRange) String() string {
	return fmt.Sprintf("%s-%s", r.start, r.end)
}
