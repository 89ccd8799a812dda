// Package leasedb implements the server's lease table: allocation, expiry,
// conflict detection, and on-disk snapshotting of a fixed-capacity DHCP
// address pool.
package leasedb

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// errPoolExhausted is returned by AddLease when every slot holds an active
// lease and none can be reclaimed.
const errPoolExhausted errors.Error = "lease pool is full"

// errOutsidePool is returned when a candidate address does not lie within
// the configured range.
const errOutsidePool errors.Error = "address is outside the configured pool"

// Clock abstracts wall-clock time so tests can control expiry without
// sleeping, mirroring the donor's timeutil.Clock convention.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock, backed by time.Now.
type systemClock struct{}

// Now implements the Clock interface for systemClock.
func (systemClock) Now() time.Time { return time.Now() }

// AddressChecker probes a candidate address for use by some other host
// before the store hands it out, per RFC 2131 section 2.2.
type AddressChecker interface {
	// InUse reports whether some other host already answers for ip.
	InUse(ip netip.Addr) (bool, error)
}

// NoopAddressChecker never detects a conflict; used when ICMP probing is
// disabled.
type NoopAddressChecker struct{}

// InUse implements the AddressChecker interface for NoopAddressChecker.
func (NoopAddressChecker) InUse(netip.Addr) (bool, error) { return false, nil }

// Store is the server's in-memory lease table, indexed by both hardware
// address and IP, matching the wire-format spec's dual-keyed requirement.
//
// It is safe for concurrent use, though the server's single-threaded event
// loop is its only caller.
type Store struct {
	mu sync.Mutex

	pool      ipRange
	serverIP  netip.Addr
	maxLeases int

	byMAC map[macKey]*Lease
	byIP  map[netip.Addr]*Lease

	declinedUntil map[netip.Addr]time.Time

	checker AddressChecker
	clock   Clock
}

// Config configures a new Store.
type Config struct {
	Start     netip.Addr
	End       netip.Addr
	ServerIP  netip.Addr
	MaxLeases int
	Checker   AddressChecker
	Clock     Clock
}

// New constructs a Store over the inclusive [Start, End] pool.
func New(conf Config) (*Store, error) {
	pool, err := newIPRange(conf.Start, conf.End)
	if err != nil {
		return nil, errors.Annotate(err, "leasedb: %w")
	}

	checker := conf.Checker
	if checker == nil {
		checker = NoopAddressChecker{}
	}

	clock := conf.Clock
	if clock == nil {
		clock = systemClock{}
	}

	return &Store{
		pool:          pool,
		serverIP:      conf.ServerIP,
		maxLeases:     conf.MaxLeases,
		byMAC:         map[macKey]*Lease{},
		byIP:          map[netip.Addr]*Lease{},
		declinedUntil: map[netip.Addr]time.Time{},
		checker:       checker,
		clock:         clock,
	}, nil
}

// FindByMAC returns the lease for mac, if any, excluding one that has
// already expired.
func (s *Store) FindByMAC(mac net.HardwareAddr) (l *Lease, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok = s.byMAC[newMACKey(mac)]
	if ok && l.expired(s.clock.Now()) {
		return nil, false
	}
	return l, ok
}

// FindByIP returns the lease holding ip, if any, excluding one that has
// already expired.
func (s *Store) FindByIP(ip netip.Addr) (l *Lease, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok = s.byIP[ip]
	if ok && l.expired(s.clock.Now()) {
		return nil, false
	}
	return l, ok
}

// Now returns the store's current notion of wall-clock time, so callers can
// make expiry-aware decisions consistent with the store's own Clock.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Contains reports whether ip lies within the configured pool.
func (s *Store) Contains(ip netip.Addr) bool {
	return s.pool.contains(ip)
}

// AddLease creates or overwrites the lease for mac, reclaiming mac's
// existing slot or, failing that, any expired slot for ip. It refuses if the
// table is full of unrelated active leases.
func (s *Store) AddLease(
	mac net.HardwareAddr,
	ip netip.Addr,
	ttl time.Duration,
	hostname string,
	static bool,
) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	key := newMACKey(mac)

	if existing, ok := s.byIP[ip]; ok && newMACKey(existing.HWAddr) != key && !existing.expired(now) {
		return nil, errors.Error("address is already leased to another host")
	}

	if _, ok := s.byMAC[key]; !ok && s.activeCountLocked(now) >= s.maxLeases && s.maxLeases > 0 {
		return nil, errPoolExhausted
	}

	if existing, ok := s.byIP[ip]; ok && newMACKey(existing.HWAddr) != key {
		// Reclaiming another host's expired slot: drop its MAC index too.
		delete(s.byMAC, newMACKey(existing.HWAddr))
	}

	if old, ok := s.byMAC[key]; ok {
		delete(s.byIP, old.IP)
	}

	l := &Lease{
		HWAddr:   append(net.HardwareAddr(nil), mac...),
		IP:       ip,
		Expires:  now.Add(ttl),
		Hostname: hostname,
		Static:   static,
	}

	s.byMAC[key] = l
	s.byIP[ip] = l

	return l, nil
}

// ClearLease removes any lease held by mac.
func (s *Store) ClearLease(mac net.HardwareAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := newMACKey(mac)
	if l, ok := s.byMAC[key]; ok {
		delete(s.byIP, l.IP)
		delete(s.byMAC, key)
	}
}

// activeCountLocked counts slots not currently expired. Callers must hold
// s.mu.
func (s *Store) activeCountLocked(now time.Time) (n int) {
	for _, l := range s.byMAC {
		if !l.expired(now) {
			n++
		}
	}
	return n
}

// FindAddress scans the pool for a candidate address, skipping the server's
// own IP and any address on hold from a DECLINE. With expiredOnly false it
// returns the first IP with no lease at all; with expiredOnly true it
// returns the first IP whose lease has expired.
func (s *Store) FindAddress(expiredOnly bool) (ip netip.Addr, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	for cand := s.pool.start; ; {
		if cand != s.serverIP && !s.onHoldLocked(cand, now) {
			l, leased := s.byIP[cand]
			switch {
			case !leased && !expiredOnly:
				return cand, true
			case leased && expiredOnly && l.expired(now):
				return cand, true
			}
		}

		next, more := s.pool.next(cand)
		if !more {
			return netip.Addr{}, false
		}
		cand = next
	}
}

// onHoldLocked reports whether ip is still within its DECLINE hold period.
// Callers must hold s.mu.
func (s *Store) onHoldLocked(ip netip.Addr, now time.Time) bool {
	until, ok := s.declinedUntil[ip]
	return ok && now.Before(until)
}

// Decline removes any lease for ip and places it on hold for holdFor,
// preventing reallocation until the hold expires.
func (s *Store) Decline(ip netip.Addr, holdFor time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.byIP[ip]; ok {
		delete(s.byMAC, newMACKey(l.HWAddr))
		delete(s.byIP, ip)
	}

	s.declinedUntil[ip] = s.clock.Now().Add(holdFor)
}

// CheckAvailable probes ip via the configured AddressChecker.
func (s *Store) CheckAvailable(ip netip.Addr) (bool, error) {
	inUse, err := s.checker.InUse(ip)
	if err != nil {
		return false, err
	}
	return !inUse, nil
}

// Snapshot returns a copy of every lease currently in the table, for
// persistence.
func (s *Store) Snapshot() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Lease, 0, len(s.byMAC))
	for _, l := range s.byMAC {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// Restore replaces the table's contents with leases, discarding any already
// expired at now.
func (s *Store) Restore(leases []*Lease, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byMAC = map[macKey]*Lease{}
	s.byIP = map[netip.Addr]*Lease{}

	for _, l := range leases {
		if l.expired(now) {
			continue
		}
		s.byMAC[newMACKey(l.HWAddr)] = l
		s.byIP[l.IP] = l
	}
}
