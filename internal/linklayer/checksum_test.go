package linklayer

import (
	"net"
	"testing"
)

func TestUDPChecksumRoundTrip(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{192, 168, 1, 100}

	seg := make([]byte, 8+4)
	seg[0], seg[1] = 0, 67
	seg[2], seg[3] = 0, 68
	seg[4], seg[5] = 0, 12
	copy(seg[8:], []byte{1, 2, 3, 4})

	sum := udpChecksum(src, dst, seg)
	seg[6] = byte(sum >> 8)
	seg[7] = byte(sum)

	if !verifyUDPChecksum(src, dst, seg) {
		t.Fatal("checksum should verify after embedding")
	}

	seg[9] ^= 0xff
	if verifyUDPChecksum(src, dst, seg) {
		t.Fatal("checksum should not verify after corruption")
	}
}

func TestBuildAndParseIPUDP(t *testing.T) {
	src := net.IPv4(192, 168, 1, 1)
	dst := net.IPv4(192, 168, 1, 100)
	payload := []byte("hello dhcp")

	seg, err := buildIPUDP(src, dst, ServerPortNum, ClientPortNum, DefaultTTL, payload)
	if err != nil {
		t.Fatalf("buildIPUDP: %v", err)
	}

	got, gotSrc, srcPort, dstPort, ok := parseIPUDP(seg)
	if !ok {
		t.Fatal("parseIPUDP rejected a well-formed segment")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
	if gotSrc.String() != "192.168.1.1" {
		t.Fatalf("src IP mismatch: %s", gotSrc)
	}
	if srcPort != ServerPortNum || dstPort != ClientPortNum {
		t.Fatalf("port mismatch: %d -> %d", srcPort, dstPort)
	}
}
