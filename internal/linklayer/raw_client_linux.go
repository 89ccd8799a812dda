//go:build linux

package linklayer

import (
	"context"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"
)

// rawClientTransport is the client's raw path, used while the interface has
// no IP address of its own (INIT_SELECTING, REQUESTING). It always
// broadcasts at the link layer, matching the teacher's
// nclient4.BroadcastRawUDPConn.
type rawClientTransport struct {
	conn net.PacketConn
}

// NewRawClientTransport opens a raw packet socket on the named interface for
// a DHCP client that does not yet own an address.
func NewRawClientTransport(ifaceName string) (LinkTransport, error) {
	ifc, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", ifaceName, err)
	}

	conn, err := raw.ListenPacket(ifc, uint16(ethernet.EtherTypeIPv4), &raw.Config{LinuxSockDGRAM: true})
	if err != nil {
		return nil, fmt.Errorf("opening raw socket on %s: %w", ifaceName, err)
	}

	return &rawClientTransport{conn: conn}, nil
}

// SendRaw implements the LinkTransport interface for *rawClientTransport. The
// destination hardware address is always the Ethernet broadcast address,
// since an unconfigured client has no ARP entry for the server.
func (t *rawClientTransport) SendRaw(srcIP net.IP, srcPort int, dst Endpoint, payload []byte) error {
	seg, err := buildIPUDP(srcIP, dst.IP, srcPort, dst.Port, BroadcastTTL, payload)
	if err != nil {
		return errors.Annotate(err, "building segment: %w")
	}

	_, err = t.conn.WriteTo(seg, &raw.Addr{HardwareAddr: EtherBroadcast})
	return err
}

// SendUDP implements the LinkTransport interface for *rawClientTransport. Raw
// clients never cook a send; callers in INIT_SELECTING/REQUESTING always go
// through SendRaw.
func (t *rawClientTransport) SendUDP(_ *net.UDPAddr, _ []byte) error {
	return errors.Error("rawClientTransport does not support cooked sends")
}

// Recv implements the LinkTransport interface for *rawClientTransport.
func (t *rawClientTransport) Recv(ctx context.Context) (payload []byte, from net.Addr, err error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		n, _, rerr := t.conn.ReadFrom(buf)
		if rerr != nil {
			return nil, nil, rerr
		}

		body, srcIP, srcPort, dstPort, ok := parseIPUDP(buf[:n])
		if !ok || (dstPort != ServerPortNum && dstPort != ClientPortNum) {
			continue
		}

		return body, &net.UDPAddr{IP: srcIP, Port: srcPort}, nil
	}
}

// Close implements the LinkTransport interface for *rawClientTransport.
func (t *rawClientTransport) Close() error {
	return t.conn.Close()
}
