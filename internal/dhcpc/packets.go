package dhcpc

import (
	"net"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
)

// baseMessage builds the fields every outgoing client message shares: a
// BOOTREQUEST with the client's hardware address, the current transaction
// id, and the optional client-id/hostname options.
func (c *Client) baseMessage(msgType dhcp4.MessageType) *dhcp4.Message {
	opts := dhcp4.Options{}.WithByte(dhcp4.CodeMessageType, byte(msgType))

	if len(c.conf.ClientID) > 0 {
		opts = opts.With(dhcp4.CodeClientID, c.conf.ClientID)
	}
	if c.conf.Hostname != "" {
		opts = opts.WithString(dhcp4.CodeHostName, c.conf.Hostname)
	}

	return &dhcp4.Message{
		Op:           dhcp4.BootRequest,
		HType:        dhcp4.HTypeEthernet,
		HLen:         dhcp4.HLenEthernet,
		XID:          c.xid,
		ClientHWAddr: c.hwAddr,
		Options:      opts,
	}
}

// buildDiscover builds a broadcast DHCPDISCOVER, optionally carrying a
// requested IP (set from -r on the very first attempt, or remembered from a
// previous lease).
func (c *Client) buildDiscover() *dhcp4.Message {
	m := c.baseMessage(dhcp4.Discover)
	if c.requestedIP.IsValid() {
		m.Options = m.Options.WithIPv4(dhcp4.CodeRequestedIP, net.IP(c.requestedIP.AsSlice()))
	}
	return m
}

// buildSelecting builds the broadcast DHCPREQUEST sent from REQUESTING,
// confirming the OFFER from serverAddr.
func (c *Client) buildSelecting() *dhcp4.Message {
	m := c.baseMessage(dhcp4.Request)
	m.Options = m.Options.
		WithIPv4(dhcp4.CodeServerID, net.IP(c.serverAddr.AsSlice())).
		WithIPv4(dhcp4.CodeRequestedIP, net.IP(c.requestedIP.AsSlice()))
	return m
}

// buildRenew builds the DHCPREQUEST sent from RENEW_REQUESTED/RENEWING
// (unicast to the server, ciaddr set, no SERVER_ID/REQUESTED_IP per RFC 2131
// table 4) or REBINDING (broadcast, same shape).
func (c *Client) buildRenew() *dhcp4.Message {
	m := c.baseMessage(dhcp4.Request)
	m.CIAddr = net.IP(c.requestedIP.AsSlice())
	return m
}

// buildRelease builds the unicast DHCPRELEASE sent on SIGUSR2.
func (c *Client) buildRelease() *dhcp4.Message {
	m := c.baseMessage(dhcp4.Release)
	m.CIAddr = net.IP(c.requestedIP.AsSlice())
	m.Options = m.Options.WithIPv4(dhcp4.CodeServerID, net.IP(c.serverAddr.AsSlice()))
	return m
}
