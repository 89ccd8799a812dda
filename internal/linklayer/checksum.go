package linklayer

import "encoding/binary"

// checksum computes the Internet checksum (RFC 1071) over b, treating an odd
// trailing byte as padded with a zero low byte.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum returns the one's-complement checksum of the IPv4
// pseudo-header (source IP, destination IP, zero, protocol 17, UDP length)
// concatenated with udpSegment, per RFC 768.
func pseudoHeaderSum(srcIP, dstIP [4]byte, udpSegment []byte) uint16 {
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = 17 // IPPROTO_UDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udpSegment)))

	combined := make([]byte, 0, len(pseudo)+len(udpSegment))
	combined = append(combined, pseudo...)
	combined = append(combined, udpSegment...)

	return checksum(combined)
}

// udpChecksum computes the UDP checksum to embed in an outgoing segment
// whose checksum field is still zero.
func udpChecksum(srcIP, dstIP [4]byte, udpSegment []byte) uint16 {
	sum := pseudoHeaderSum(srcIP, dstIP, udpSegment)
	if sum == 0 {
		// RFC 768: an all-zero computed checksum is transmitted as all-ones.
		return 0xffff
	}
	return sum
}

// verifyUDPChecksum reports whether udpSegment's own (non-zero) checksum
// field is consistent with its contents.
func verifyUDPChecksum(srcIP, dstIP [4]byte, udpSegment []byte) bool {
	return pseudoHeaderSum(srcIP, dstIP, udpSegment) == 0
}
