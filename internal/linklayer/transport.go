// Package linklayer implements the dual-socket transport a DHCP
// server and client share: a raw AF_PACKET path for hosts that have no IP
// address yet, and a kernel UDP path for hosts that do.  Both are exposed
// behind the LinkTransport interface so the protocol state machines can be
// exercised against an in-memory fake.
package linklayer

import (
	"context"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DefaultTTL is the Time To Live used for ordinary unicast/broadcast
// replies, as recommended by RFC 1700.
const DefaultTTL = 64

// BroadcastTTL is the TTL used for link-local DHCP broadcasts sent by a
// client that has not yet configured an address; matches the historical
// BOOTP/DHCP broadcast convention of a short TTL so such packets do not
// escape the local wire if accidentally forwarded.
const BroadcastTTL = 16

// EtherBroadcast is the Ethernet broadcast address.
var EtherBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Well-known DHCP ports, duplicated here (rather than imported from
// internal/dhcp4) to keep this package importable without the codec.
const (
	ServerPortNum = 67
	ClientPortNum = 68
)

// Endpoint names a destination for a raw-transport send: a hardware address
// paired with the IP address to put in the packet's destination field.
type Endpoint struct {
	HWAddr net.HardwareAddr
	IP     net.IP
	Port   int
}

// LinkTransport is the send/receive surface both the server and the client
// use.  rawServerTransport, rawClientTransport and udpTransport are its
// concrete implementations; tests substitute a fake.
type LinkTransport interface {
	// SendRaw builds an IPv4+UDP packet around payload and writes it to the
	// link layer, addressed per dst (rawServerTransport also builds the
	// Ethernet header; rawClientTransport leaves that to the kernel).
	SendRaw(srcIP net.IP, srcPort int, dst Endpoint, payload []byte) error

	// SendUDP writes payload to dst using the kernel's routed UDP stack.
	SendUDP(dst *net.UDPAddr, payload []byte) error

	// Recv blocks until a DHCP payload arrives (for the raw transports, a
	// UDP datagram to port 67 or 68 that passes the checksum checks), or
	// ctx is done.
	Recv(ctx context.Context) (payload []byte, from net.Addr, err error)

	// Close releases the underlying socket(s).
	Close() error
}

// buildFrame wraps payload in UDP, IPv4, and Ethernet layers and computes
// both checksums, mirroring the teacher's gopacket.SerializeLayers usage.
func buildFrame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort int, ttl uint8, payload []byte) ([]byte, error) {
	udpLayer := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}

	ipv4Layer := &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}

	_ = udpLayer.SetNetworkLayerForChecksum(ipv4Layer)

	ethLayer := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err := gopacket.SerializeLayers(buf, opts, ethLayer, ipv4Layer, udpLayer, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// parseFrame extracts the UDP payload and source/destination addressing from
// a raw Ethernet+IPv4+UDP frame, as delivered by an AF_PACKET/SOCK_RAW
// socket. It re-verifies the IP header checksum and, when present (non-zero),
// the UDP checksum, dropping anything that isn't IPv4/UDP or that fails
// either check.
func parseFrame(raw []byte) (payload []byte, srcIP net.IP, srcPort, dstPort int, ok bool) {
	const ethHdrLen = 14

	if len(raw) < ethHdrLen+20+8 {
		return nil, nil, 0, 0, false
	}

	etherType := uint16(raw[12])<<8 | uint16(raw[13])
	if etherType != 0x0800 {
		return nil, nil, 0, 0, false
	}

	return parseIPUDP(raw[ethHdrLen:])
}

// buildIPUDP wraps payload in IPv4 and UDP layers only, with no Ethernet
// header, for use over a SOCK_DGRAM raw socket where the kernel supplies the
// link-layer framing itself.
func buildIPUDP(srcIP, dstIP net.IP, srcPort, dstPort int, ttl uint8, payload []byte) ([]byte, error) {
	udpLayer := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}

	ipv4Layer := &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}

	_ = udpLayer.SetNetworkLayerForChecksum(ipv4Layer)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err := gopacket.SerializeLayers(buf, opts, ipv4Layer, udpLayer, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// parseIPUDP parses a bare IPv4+UDP segment (no Ethernet header), as
// delivered by a SOCK_DGRAM raw socket.
func parseIPUDP(ipHdr []byte) (payload []byte, srcIP net.IP, srcPort, dstPort int, ok bool) {
	if len(ipHdr) < 20 {
		return nil, nil, 0, 0, false
	}
	ihl := int(ipHdr[0]&0x0f) * 4
	if ihl < 20 || len(ipHdr) < ihl+8 {
		return nil, nil, 0, 0, false
	}
	if ipHdr[9] != 17 { // IPPROTO_UDP
		return nil, nil, 0, 0, false
	}
	if checksum(ipHdr[:ihl]) != 0 {
		return nil, nil, 0, 0, false
	}

	totalLen := int(ipHdr[2])<<8 | int(ipHdr[3])
	if totalLen > len(ipHdr) {
		totalLen = len(ipHdr)
	}

	var src4, dst4 [4]byte
	copy(src4[:], ipHdr[12:16])
	copy(dst4[:], ipHdr[16:20])

	udpSeg := ipHdr[ihl:totalLen]
	if len(udpSeg) < 8 {
		return nil, nil, 0, 0, false
	}

	srcPort = int(udpSeg[0])<<8 | int(udpSeg[1])
	dstPort = int(udpSeg[2])<<8 | int(udpSeg[3])
	udpLen := int(udpSeg[4])<<8 | int(udpSeg[5])
	wantChecksum := int(udpSeg[6])<<8 | int(udpSeg[7])

	if udpLen < 8 || udpLen > len(udpSeg) {
		return nil, nil, 0, 0, false
	}

	if wantChecksum != 0 && !verifyUDPChecksum(src4, dst4, udpSeg[:udpLen]) {
		return nil, nil, 0, 0, false
	}

	return append([]byte(nil), udpSeg[8:udpLen]...), net.IP(append([]byte(nil), src4[:]...)), srcPort, dstPort, true
}
