// Package dhcpc implements the client half of the protocol: the
// INIT_SELECTING/REQUESTING/BOUND/RENEWING/REBINDING state machine, its
// timers and retransmission schedule, and the external script hook.
package dhcpc

import (
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Config is the client's static configuration, set once from CLI flags.
type Config struct {
	// Interface is the network interface the client runs on.
	Interface string

	// ClientID, if non-empty, is sent as option 61 on every outgoing
	// message.
	ClientID []byte

	// Hostname, if set, is sent as option 12.
	Hostname string

	// Script is the path to the executable invoked on bound/renew/deconfig
	// transitions.
	Script string

	// Foreground keeps the process attached to its controlling terminal
	// instead of handing it to the service lifecycle at startup.
	Foreground bool

	// QuitAfterLease exits the process as soon as a lease is obtained,
	// without maintaining it.
	QuitAfterLease bool

	// AbortIfNoLease exits with status 1 if no lease is obtained before
	// INIT_SELECTING's retransmission schedule is exhausted once.
	AbortIfNoLease bool

	// PIDFile, if set, receives the daemon's process id.
	PIDFile string

	// RequestedIP, if valid, is sent as option 50 on the initial DISCOVER.
	RequestedIP netip.Addr
}

// errNilConfig is returned by Validate on a nil *Config.
const errNilConfig errors.Error = "nil config"

// Validate returns an error if c cannot be used to start a client.
func (c *Config) Validate() error {
	if c == nil {
		return errNilConfig
	}

	var errs []error
	if c.Interface == "" {
		errs = append(errs, errors.Error("interface must be set"))
	}
	if c.Script == "" {
		errs = append(errs, errors.Error("script must be set"))
	}
	return errors.Join(errs...)
}
