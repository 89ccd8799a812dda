// Package dhcpserver implements the server half of the protocol: the lease
// engine's request handlers, reply addressing, and the configuration that
// drives them.
package dhcpserver

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/freemind-dhcp/dhcpd/internal/leasedb"
)

// Defaults for timers not set explicitly in configuration, matching the
// values udhcpd ships with.
const (
	DefaultLease     = 60 * time.Minute
	DefaultMinLease  = 60 * time.Second
	DefaultOfferTime = 60 * time.Second
	DefaultDeclineHold = 1 * time.Hour
	DefaultConflictTimeout = 1 * time.Second
	DefaultAutoSaveInterval = 5 * time.Minute
)

// errNilConfig is returned by Validate when called on a nil *Config.
const errNilConfig errors.Error = "nil config"

// DefaultOption is a single option added to every reply; an entry for
// LEASE_TIME is skipped, since handlers compute that per transaction.
type DefaultOption struct {
	Code byte
	Data []byte
}

// Config is the server's immutable-after-startup configuration, assembled
// from a configuration file (see config_file.go) and validated once before
// the server starts.
type Config struct {
	// Interface is the name of the network interface the server listens
	// and sends on.
	Interface string

	// Start and End are the inclusive bounds of the dynamic address pool.
	Start, End netip.Addr

	// ServerID is the address the server identifies itself with in the
	// SERVER_ID option; it must lie on the configured subnet.
	ServerID netip.Addr

	// Lease is the default lease lifetime handed out when the client
	// doesn't request a shorter one.
	Lease time.Duration

	// MinLease is the shortest lease lifetime the server will honor from
	// a client's requested-lease-time option.
	MinLease time.Duration

	// OfferTime is the lifetime of a provisional lease created for an
	// OFFER, before the client's REQUEST confirms it.
	OfferTime time.Duration

	// DeclineHold is how long an address stays unusable after a DECLINE.
	DeclineHold time.Duration

	// ConflictTimeout bounds the ICMP probe used to detect a host already
	// squatting on a candidate address.
	ConflictTimeout time.Duration

	// MaxLeases caps the number of simultaneously active leases; zero
	// means unbounded (limited only by pool size).
	MaxLeases int

	// SIAddr, SName and BootFile populate the wire fields of the same
	// name in every reply, for clients that boot from network images.
	SIAddr   netip.Addr
	SName    string
	BootFile string

	// DefaultOptions are appended to every reply, excluding LEASE_TIME,
	// which handlers always set explicitly.
	DefaultOptions []DefaultOption

	// LeaseFile is the path leases are snapshotted to and restored from.
	// Empty disables persistence.
	LeaseFile string

	// AutoSaveInterval is how often the lease table is snapshotted to
	// LeaseFile while the server runs.
	AutoSaveInterval time.Duration

	// EnableConflictDetection turns on the ICMP probe before handing out
	// a previously-unused address.
	EnableConflictDetection bool

	// Clock abstracts wall-clock time for the lease store. Nil means the
	// real system clock; tests inject a fake to exercise expiry-dependent
	// paths (renewal, conflicting-active-lease NAKs) without sleeping.
	Clock leasedb.Clock
}

// Validate returns an error if c is not ready to start a server with. Every
// problem found is joined into a single error rather than returning on the
// first one, so an operator sees every mistake in one pass.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errNilConfig
	}

	var errs []error

	if c.Interface == "" {
		errs = append(errs, errors.Error("interface must be set"))
	}

	if c.MaxLeases < 0 {
		errs = append(errs, errors.Error("max_leases must not be negative"))
	}

	if !c.Start.IsValid() || !c.End.IsValid() {
		errs = append(errs, errors.Error("start and end must both be set"))
	} else if !c.Start.Is4() || !c.End.Is4() {
		errs = append(errs, errors.Error("start and end must be IPv4"))
	} else if c.End.Less(c.Start) {
		errs = append(errs, errors.Error("end must not be before start"))
	}

	if !c.ServerID.IsValid() {
		errs = append(errs, errors.Error("server identifier must be set"))
	}

	if c.Lease < 0 {
		errs = append(errs, errors.Error("lease must not be negative"))
	}

	if c.MinLease < 0 {
		errs = append(errs, errors.Error("min_lease must not be negative"))
	}

	return errors.Join(errs...)
}

// withDefaults returns a copy of c with every zero-valued timer field
// replaced by its default.
func (c Config) withDefaults() Config {
	if c.Lease == 0 {
		c.Lease = DefaultLease
	}
	if c.MinLease == 0 {
		c.MinLease = DefaultMinLease
	}
	if c.OfferTime == 0 {
		c.OfferTime = DefaultOfferTime
	}
	if c.DeclineHold == 0 {
		c.DeclineHold = DefaultDeclineHold
	}
	if c.ConflictTimeout == 0 {
		c.ConflictTimeout = DefaultConflictTimeout
	}
	if c.AutoSaveInterval == 0 {
		c.AutoSaveInterval = DefaultAutoSaveInterval
	}
	return c
}
