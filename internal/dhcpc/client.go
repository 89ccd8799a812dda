package dhcpc

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
)

// minRebindMargin bounds how close to T2 RENEWING will schedule another
// unicast attempt before moving on to REBINDING, mirroring the original's `lease / 14400 + 1`
// guard against a near-zero retry interval.
func minRebindMargin(lease time.Duration) time.Duration {
	return lease/14400 + time.Second
}

// TransportFactory opens the socket appropriate for a listener mode. The
// client calls it each time the mode changes, closing the previous
// transport first.
type TransportFactory func() (linklayer.LinkTransport, error)

// Client runs the state machine described in SPEC_FULL.md §4.5: timers,
// retransmission, signal-driven renew/release, and listener-mode switching.
// It is single-threaded; the only concurrency is the atomic flags signal
// handlers registered by the caller are expected to set.
type Client struct {
	conf   Config
	hwAddr net.HardwareAddr
	logger *slog.Logger

	rawFactory    TransportFactory
	kernelFactory TransportFactory

	transport linklayer.LinkTransport
	mode      listenMode

	state       State
	xid         uint32
	requestedIP netip.Addr
	serverAddr  netip.Addr
	retries     int

	start  time.Time
	t1Time time.Time
	t2Time time.Time
	lease  time.Duration

	deadline time.Time

	renewFlag   atomic.Int32
	releaseFlag atomic.Int32
	termFlag    atomic.Int32

	// wake is posted to by RequestRenew/RequestRelease/RequestTerminate so
	// the main loop's wait (sleepUntilDeadline, or the Recv deadline below)
	// returns immediately instead of sitting out the remainder of the
	// current timer, mirroring the original's EINTR-interrupted select().
	// Buffered so a poke from a signal handler never blocks.
	wake chan struct{}
}

// New constructs a Client. hwAddr is the interface's hardware address, used
// to populate chaddr.
func New(
	conf Config,
	hwAddr net.HardwareAddr,
	rawFactory, kernelFactory TransportFactory,
	logger *slog.Logger,
) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		conf:          conf,
		hwAddr:        hwAddr,
		logger:        logger,
		rawFactory:    rawFactory,
		kernelFactory: kernelFactory,
		state:         InitSelecting,
		requestedIP:   conf.RequestedIP,
		wake:          make(chan struct{}, 1),
	}, nil
}

// poke wakes a blocked sleepUntilDeadline or Recv wait, if any, without
// blocking itself. Safe to call from a signal handler.
func (c *Client) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RequestRenew posts a renew request, as SIGUSR1 does in the original.
// Safe to call from a signal handler.
func (c *Client) RequestRenew() {
	c.renewFlag.Store(1)
	c.poke()
}

// RequestRelease posts a release request, as SIGUSR2 does in the original.
// Safe to call from a signal handler.
func (c *Client) RequestRelease() {
	c.releaseFlag.Store(1)
	c.poke()
}

// RequestTerminate posts a graceful-exit request, as SIGTERM does in the
// original. Safe to call from a signal handler.
func (c *Client) RequestTerminate() {
	c.termFlag.Store(1)
	c.poke()
}

// State returns the client's current state.
func (c *Client) State() State { return c.state }

// Run executes the state machine until ctx is canceled, a termination
// signal is posted, or (with AbortIfNoLease) the initial DISCOVER
// retransmission schedule is exhausted without a lease. It returns an error
// in the abort-if-no-lease case, or when a transport cannot be opened.
func (c *Client) Run(ctx context.Context) error {
	if err := c.setMode(modeFor(c.state)); err != nil {
		return err
	}
	defer func() {
		if c.transport != nil {
			_ = c.transport.Close()
		}
	}()

	_ = c.runScript(ctx, "deconfig", nil)
	c.deadline = time.Now()

	for {
		if c.termFlag.Load() == 1 {
			return nil
		}
		if c.releaseFlag.Swap(0) == 1 {
			c.handleReleaseSignal(ctx)
		}
		if c.renewFlag.Swap(0) == 1 {
			c.handleRenewSignal()
		}

		if err := c.setMode(modeFor(c.state)); err != nil {
			return err
		}

		if c.mode == listenNone {
			// BOUND/RELEASED: nothing to receive. Sleep until the deadline,
			// a signal, or ctx cancellation, whichever comes first.
			if err := c.sleepUntilDeadline(ctx); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			if !time.Now().Before(c.deadline) {
				if err := c.onTimeout(ctx); err != nil {
					return err
				}
			}
			// Otherwise sleepUntilDeadline returned early on a signal: the
			// flag handling at the top of the loop already acted on it, so
			// loop back around rather than treating this as a timeout.
			continue
		}

		payload, err := c.recvOrWake(ctx)

		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			if !time.Now().Before(c.deadline) {
				if err = c.onTimeout(ctx); err != nil {
					return err
				}
			}
			continue
		}

		c.onPacket(ctx, payload)

		if c.state == Bound && c.conf.QuitAfterLease {
			return nil
		}
	}
}

// sleepUntilDeadline blocks until c.deadline, ctx is done, or a signal posts
// to c.wake, whichever comes first.
func (c *Client) sleepUntilDeadline(ctx context.Context) error {
	d := time.Until(c.deadline)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
		return nil
	case <-c.wake:
		return nil
	}
}

// recvOrWake waits for the next inbound packet, bounded by c.deadline, but
// returns early if a signal posts to c.wake while waiting — otherwise a
// renew/release/terminate request would sit unacted on until whichever timer
// already in flight happens to fire, up to the full time remaining until T1.
// The caller distinguishes a genuine timeout from an early wake by comparing
// time.Now() against c.deadline.
func (c *Client) recvOrWake(ctx context.Context) ([]byte, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(time.Until(c.deadline))
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-timer.C:
		case <-c.wake:
		case <-waitCtx.Done():
		case <-done:
		}
		cancel()
	}()

	payload, _, err := c.transport.Recv(waitCtx)
	return payload, err
}

// setMode reopens the transport if the listener mode required by the
// current state has changed.
func (c *Client) setMode(want listenMode) error {
	if want == c.mode && (want == listenNone || c.transport != nil) {
		return nil
	}

	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}

	c.mode = want

	switch want {
	case listenRaw:
		t, err := c.rawFactory()
		if err != nil {
			return err
		}
		c.transport = t
	case listenKernel:
		t, err := c.kernelFactory()
		if err != nil {
			return err
		}
		c.transport = t
	case listenNone:
		// nothing to open
	}

	return nil
}

// newXID picks a fresh transaction id, as random_xid() does in the
// original.
func newXID() uint32 { return rand.Uint32() }

// handleRenewSignal implements the SIGUSR1 transition: from BOUND,
// RENEWING, REBINDING or RELEASED, switch to RENEW_REQUESTED (or from
// RELEASED, to INIT_SELECTING), reset the retry counter and force an
// immediate timeout.
func (c *Client) handleRenewSignal() {
	switch c.state {
	case Bound, Renewing, Rebinding:
		c.state = RenewRequested
	case Released:
		c.state = InitSelecting
	default:
		return
	}
	c.retries = 0
	c.deadline = time.Now()
}

// handleReleaseSignal implements the SIGUSR2 transition: from BOUND,
// RENEWING or REBINDING, unicast a RELEASE and run the deconfig hook, then
// move to RELEASED with an effectively infinite timeout.
func (c *Client) handleReleaseSignal(ctx context.Context) {
	switch c.state {
	case Bound, Renewing, Rebinding:
		if c.transport == nil {
			// BOUND keeps no socket open; open the kernel one for the RELEASE.
			_ = c.setMode(listenKernel)
		}
		if c.transport != nil {
			b, err := dhcp4.Encode(c.buildRelease())
			if err == nil {
				_ = c.transport.SendUDP(&net.UDPAddr{
					IP:   net.IP(c.serverAddr.AsSlice()),
					Port: dhcp4.ServerPort,
				}, b)
			}
		}
		_ = c.runScript(ctx, "deconfig", nil)
	default:
		return
	}

	c.state = Released
	c.deadline = time.Now().Add(100 * 365 * 24 * time.Hour)
}
