package dhcpc

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
	"github.com/AdguardTeam/golibs/errors"
)

// errNoLease is returned by Run when AbortIfNoLease is set and the initial
// DISCOVER retransmission schedule is exhausted without an OFFER.
const errNoLease errors.Error = "no lease obtained"

// retryWait returns the wait following the attempt'th transmission of a
// DISCOVER or SELECTING REQUEST: 2s for attempt 0, 10s for attempts 1 and 2,
// so the three transmissions go out at +0s, +2s and +12s.
// attempt is expected to be in [0,2]; callers handle attempt>=3 themselves.
func retryWait(attempt int) time.Duration {
	if attempt >= 1 {
		return 10 * time.Second
	}
	return 2 * time.Second
}

// onTimeout advances the state machine when the current deadline elapses
// without a packet arriving (or, for BOUND/RELEASED, when it simply elapses).
func (c *Client) onTimeout(ctx context.Context) error {
	switch c.state {
	case InitSelecting:
		return c.onInitSelectingTimeout(ctx)
	case Requesting:
		return c.onRequestingTimeout(ctx)
	case RenewRequested:
		return c.onRenewRequestedTimeout(ctx)
	case Renewing:
		return c.onRenewingTimeout(ctx)
	case Rebinding:
		return c.onRebindingTimeout(ctx)
	case Bound:
		c.state = Renewing
		c.retries = 0
		c.deadline = time.Now()
		return nil
	case Released:
		// Nothing to do; the deadline is effectively infinite and only a
		// signal moves this state forward.
		return nil
	default:
		return nil
	}
}

func (c *Client) onInitSelectingTimeout(ctx context.Context) error {
	if c.retries >= 3 {
		if c.conf.AbortIfNoLease {
			return errNoLease
		}
		c.retries = 0
		c.deadline = time.Now().Add(60 * time.Second)
		return nil
	}

	if c.retries == 0 {
		c.xid = newXID()
	}

	c.sendBroadcast(ctx, c.buildDiscover())
	c.retries++
	c.deadline = time.Now().Add(retryWait(c.retries - 1))
	return nil
}

func (c *Client) onRequestingTimeout(ctx context.Context) error {
	if c.retries >= 3 {
		c.state = InitSelecting
		c.retries = 0
		c.serverAddr = netip.Addr{}
		c.deadline = time.Now()
		return nil
	}

	c.sendBroadcast(ctx, c.buildSelecting())
	c.retries++
	c.deadline = time.Now().Add(retryWait(c.retries - 1))
	return nil
}

// onRenewRequestedTimeout hands off to the normal RENEWING schedule, whose
// first step sends a single unicast renewal REQUEST (unless T2 is already
// near), per the original's renew_requested() transition.
func (c *Client) onRenewRequestedTimeout(ctx context.Context) error {
	c.state = Renewing
	return c.onRenewingTimeout(ctx)
}

// onRenewingTimeout re-sends the unicast renewal REQUEST and reschedules
// itself at the midpoint between now and T2, matching the original's
// `t1 = (t2-t1)/2 + t1` update in its RENEWING branch. Once the midpoint
// would fall within minRebindMargin of T2, it moves on to REBINDING instead
// of sending another unicast attempt.
func (c *Client) onRenewingTimeout(ctx context.Context) error {
	now := time.Now()
	if !now.Before(c.t2Time) || c.t2Time.Sub(now) <= minRebindMargin(c.lease) {
		c.state = Rebinding
		c.deadline = now
		return nil
	}

	c.sendUnicastToServer(ctx, c.buildRenew())

	c.deadline = now.Add(c.t2Time.Sub(now) / 2)
	return nil
}

// onRebindingTimeout broadcasts the renewal REQUEST (the server-id is no
// longer known to be reachable, so REBINDING always broadcasts) and
// reschedules at the midpoint between now and lease expiry, matching the
// original's `t2 = (lease-t2)/2 + t2` update. If the lease has already
// expired, it falls back to INIT_SELECTING.
func (c *Client) onRebindingTimeout(ctx context.Context) error {
	now := time.Now()
	expiry := c.start.Add(c.lease)
	if !now.Before(expiry) {
		_ = c.runScript(ctx, "deconfig", nil)
		c.state = InitSelecting
		c.retries = 0
		c.requestedIP = netip.Addr{}
		c.serverAddr = netip.Addr{}
		c.deadline = time.Now()
		return nil
	}

	c.sendBroadcast(ctx, c.buildRenew())

	c.deadline = now.Add(expiry.Sub(now) / 2)
	return nil
}

// onPacket decodes payload and dispatches it to the handler for the current
// state, discarding anything addressed to a different transaction.
func (c *Client) onPacket(ctx context.Context, payload []byte) {
	msg, err := dhcp4.Decode(payload)
	if err != nil {
		c.logger.Debug("discarding malformed packet", "error", err)
		return
	}
	if msg.XID != c.xid {
		return
	}

	msgType, ok := msg.Options.GetType()
	if !ok {
		return
	}

	switch c.state {
	case InitSelecting:
		if msgType == dhcp4.Offer {
			c.onOffer(ctx, msg)
		}
	case Requesting:
		c.onRequestingReply(ctx, msgType, msg)
	case Renewing, Rebinding, RenewRequested:
		c.onRenewReply(ctx, msgType, msg)
	}
}

// onOffer accepts the first OFFER seen, as the original does (no attempt at
// ranking multiple offers).
func (c *Client) onOffer(ctx context.Context, msg *dhcp4.Message) {
	serverID, ok := msg.Options.GetIPv4(dhcp4.CodeServerID)
	if !ok {
		return
	}
	yiaddr, ok := netip.AddrFromSlice(msg.YIAddr.To4())
	if !ok {
		return
	}
	sid, ok := netip.AddrFromSlice(serverID.To4())
	if !ok {
		return
	}

	c.requestedIP = yiaddr
	c.serverAddr = sid
	c.state = Requesting
	c.retries = 0

	c.sendBroadcast(ctx, c.buildSelecting())
	c.retries++
	c.deadline = time.Now().Add(retryWait(0))
}

func (c *Client) onRequestingReply(ctx context.Context, msgType dhcp4.MessageType, msg *dhcp4.Message) {
	switch msgType {
	case dhcp4.ACK:
		c.onACK(ctx, msg)
	case dhcp4.NAK:
		c.logger.Debug("request rejected by server")
		c.state = InitSelecting
		c.retries = 0
		c.requestedIP = netip.Addr{}
		c.serverAddr = netip.Addr{}
		c.deadline = time.Now()
	}
}

func (c *Client) onRenewReply(ctx context.Context, msgType dhcp4.MessageType, msg *dhcp4.Message) {
	switch msgType {
	case dhcp4.ACK:
		c.onACK(ctx, msg)
	case dhcp4.NAK:
		_ = c.runScript(ctx, "deconfig", nil)
		c.state = InitSelecting
		c.retries = 0
		c.requestedIP = netip.Addr{}
		c.serverAddr = netip.Addr{}
		c.deadline = time.Now()
	}
}

// onACK accepts a lease: it sets T1 and T2 to lease/2 and 7*lease/8 of the
// granted lease (server-supplied T1/T2 options are not read), enters BOUND,
// and runs the bound/renew script hook.
func (c *Client) onACK(ctx context.Context, msg *dhcp4.Message) {
	leaseSecs, ok := msg.Options.GetU32(dhcp4.CodeLeaseTime)
	if !ok || leaseSecs == 0 {
		leaseSecs = uint32((60 * time.Minute) / time.Second)
	}
	lease := time.Duration(leaseSecs) * time.Second

	t1 := lease / 2
	t2 := lease * 7 / 8

	yiaddr, ok := netip.AddrFromSlice(msg.YIAddr.To4())
	if ok {
		c.requestedIP = yiaddr
	}
	if sid, ok := msg.Options.GetIPv4(dhcp4.CodeServerID); ok {
		if addr, ok := netip.AddrFromSlice(sid.To4()); ok {
			c.serverAddr = addr
		}
	}

	wasBound := c.state == Renewing || c.state == Rebinding || c.state == RenewRequested
	event := "bound"
	if wasBound {
		event = "renew"
	}

	c.lease = lease
	c.start = time.Now()
	c.t1Time = c.start.Add(t1)
	c.t2Time = c.start.Add(t2)
	c.state = Bound
	c.retries = 0
	c.deadline = c.t1Time

	if err := c.runScript(ctx, event, msg); err != nil {
		c.logger.Debug("script hook failed", "event", event, "error", err)
	}
}

// sendBroadcast sends msg as a broadcast, as every DISCOVER and
// SELECTING/REBINDING REQUEST is. INIT_SELECTING/REQUESTING have no usable
// routable address yet and broadcast over the raw link-layer transport;
// REBINDING already has ciaddr configured on the interface and broadcasts
// over the same kernel UDP socket RENEWING unicasts over (modeFor keeps both
// in listenKernel), whose SO_BROADCAST option was set by NewUDPTransport.
func (c *Client) sendBroadcast(ctx context.Context, msg *dhcp4.Message) {
	b, err := dhcp4.Encode(msg)
	if err != nil {
		c.logger.Debug("encoding outgoing packet", "error", err)
		return
	}

	if c.mode == listenKernel {
		err = c.transport.SendUDP(&net.UDPAddr{IP: net.IPv4bcast, Port: dhcp4.ServerPort}, b)
	} else {
		dst := linklayer.Endpoint{
			HWAddr: linklayer.EtherBroadcast,
			IP:     net.IPv4bcast,
			Port:   dhcp4.ServerPort,
		}
		err = c.transport.SendRaw(net.IPv4zero, dhcp4.ClientPort, dst, b)
	}

	if err != nil {
		c.logger.Debug("sending broadcast packet", "error", err)
	}
}

// sendUnicastToServer sends msg over the kernel UDP socket to the known
// server address, used by RENEWING and RENEW_REQUESTED.
func (c *Client) sendUnicastToServer(ctx context.Context, msg *dhcp4.Message) {
	if !c.serverAddr.IsValid() {
		return
	}

	b, err := dhcp4.Encode(msg)
	if err != nil {
		c.logger.Debug("encoding outgoing packet", "error", err)
		return
	}

	dst := &net.UDPAddr{IP: net.IP(c.serverAddr.AsSlice()), Port: dhcp4.ServerPort}
	if err = c.transport.SendUDP(dst, b); err != nil {
		c.logger.Debug("sending unicast packet", "error", err)
	}
}
