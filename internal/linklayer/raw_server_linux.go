//go:build linux

package linklayer

import (
	"context"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// rawServerTransport is the server's raw AF_PACKET path: it can unicast to a
// client hardware address that has no IP configured yet, and broadcast to
// the whole segment, since the kernel UDP stack can do neither.
type rawServerTransport struct {
	conn   net.PacketConn
	iface  *net.Interface
	srcMAC net.HardwareAddr
}

// NewRawServerTransport opens a raw packet socket on iface for building
// DHCP server replies by hand, mirroring the teacher's dhcpConn.rawConn.
func NewRawServerTransport(iface *net.Interface) (LinkTransport, error) {
	conn, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("opening raw packet socket on %s: %w", iface.Name, err)
	}

	return &rawServerTransport{conn: conn, iface: iface, srcMAC: iface.HardwareAddr}, nil
}

// SendRaw implements the LinkTransport interface for *rawServerTransport.
func (t *rawServerTransport) SendRaw(srcIP net.IP, srcPort int, dst Endpoint, payload []byte) (err error) {
	ttl := uint8(DefaultTTL)

	frame, err := buildFrame(t.srcMAC, dst.HWAddr, srcIP, dst.IP, srcPort, dst.Port, ttl, payload)
	if err != nil {
		return errors.Annotate(err, "building frame: %w")
	}

	_, err = t.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst.HWAddr})
	return err
}

// SendUDP implements the LinkTransport interface for *rawServerTransport. The
// server's raw path never uses it; relayed replies go through udpTransport
// instead.
func (t *rawServerTransport) SendUDP(_ *net.UDPAddr, _ []byte) error {
	return errors.Error("rawServerTransport does not support cooked sends")
}

// Recv implements the LinkTransport interface for *rawServerTransport.
func (t *rawServerTransport) Recv(ctx context.Context) (payload []byte, from net.Addr, err error) {
	return recvRaw(ctx, t.conn)
}

// Close implements the LinkTransport interface for *rawServerTransport.
func (t *rawServerTransport) Close() error {
	return t.conn.Close()
}

// recvRaw reads one frame from conn, parses and checksum-verifies it, and
// retries on any frame that fails validation, since such frames are dropped
// silently per the transport contract.
func recvRaw(ctx context.Context, conn net.PacketConn) (payload []byte, from net.Addr, err error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		n, _, rerr := conn.ReadFrom(buf)
		if rerr != nil {
			return nil, nil, rerr
		}

		body, srcIP, srcPort, dstPort, ok := parseFrame(buf[:n])
		if !ok || (dstPort != ServerPortNum && dstPort != ClientPortNum) {
			continue
		}

		return body, &net.UDPAddr{IP: srcIP, Port: srcPort}, nil
	}
}

