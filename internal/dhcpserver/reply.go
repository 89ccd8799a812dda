package dhcpserver

import (
	"net"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
)

// send picks the reply's addressing mode from the request/reply pair and
// hands the encoded message to the transport, per the mode-choice rules:
// relay via giaddr if present, else broadcast for a NAK or the broadcast
// flag, else raw-unicast to ciaddr, else raw-unicast to the newly assigned
// yiaddr (the client has no ARP entry for itself yet).
func (s *Server) send(req, resp *dhcp4.Message) error {
	b, err := dhcp4.Encode(resp)
	if err != nil {
		return err
	}

	if req.GIAddr != nil && !req.GIAddr.IsUnspecified() {
		return s.transport.SendUDP(&net.UDPAddr{IP: req.GIAddr, Port: dhcp4.ServerPort}, b)
	}

	isNAK := false
	if t, ok := resp.Options.GetType(); ok {
		isNAK = t == dhcp4.NAK
	}

	srcIP := net.IP(s.conf.ServerID.AsSlice())

	if isNAK || req.Broadcast() || req.CIAddr == nil || req.CIAddr.IsUnspecified() {
		if resp.YIAddr != nil && !resp.YIAddr.IsUnspecified() && !isNAK && !req.Broadcast() {
			return s.transport.SendRaw(srcIP, dhcp4.ServerPort, linklayer.Endpoint{
				HWAddr: req.ClientHWAddr,
				IP:     resp.YIAddr,
				Port:   dhcp4.ClientPort,
			}, b)
		}

		return s.transport.SendRaw(srcIP, dhcp4.ServerPort, linklayer.Endpoint{
			HWAddr: linklayer.EtherBroadcast,
			IP:     net.IPv4bcast,
			Port:   dhcp4.ClientPort,
		}, b)
	}

	return s.transport.SendRaw(srcIP, dhcp4.ServerPort, linklayer.Endpoint{
		HWAddr: req.ClientHWAddr,
		IP:     req.CIAddr,
		Port:   dhcp4.ClientPort,
	}, b)
}

// newReply builds the skeleton every reply shares: BOOTREPLY, echoed xid,
// flags, giaddr, chaddr, and the server identifier.
func newReply(req *dhcp4.Message, serverID net.IP) *dhcp4.Message {
	return &dhcp4.Message{
		Op:           dhcp4.BootReply,
		HType:        req.HType,
		HLen:         req.HLen,
		XID:          req.XID,
		Flags:        req.Flags,
		GIAddr:       req.GIAddr,
		ClientHWAddr: req.ClientHWAddr,
		Options:      dhcp4.Options{}.WithIPv4(dhcp4.CodeServerID, serverID),
	}
}
