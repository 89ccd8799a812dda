// Package dhcp4 implements the DHCP (RFC 2131/2132) wire format: the fixed
// 236-byte message header, the magic cookie, and the variable-length option
// area, including the legacy sname/file overload convention.
package dhcp4

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
)

// Byte offsets and lengths of the fixed DHCP header, per RFC 2131 section 2.
const (
	headerLen = 236
	cookieLen = 4

	// MinMessageLen is the smallest buffer that can hold a valid message: the
	// fixed header plus the magic cookie.  There may be zero options.
	MinMessageLen = headerLen + cookieLen

	// MaxOptionsLen is the largest options area a message produced by this
	// package will ever contain, matching the original BOOTP option space.
	MaxOptionsLen = 308

	chaddrLen = 16
	snameLen  = 64
	fileLen   = 128
)

// Magic is the DHCP magic cookie that follows the fixed header.
var Magic = [cookieLen]byte{0x63, 0x82, 0x53, 0x63}

// Op values, RFC 2131 section 2.
const (
	BootRequest byte = 1
	BootReply   byte = 2
)

// HType/HLen for Ethernet, the only hardware type this implementation deals
// with.
const (
	HTypeEthernet byte = 1
	HLenEthernet  byte = 6
)

// BroadcastFlag is bit 15 of the flags field, RFC 2131 section 2.
const BroadcastFlag uint16 = 0x8000

// Well-known UDP ports, RFC 2131 section 4.1.
const (
	ServerPort = 67
	ClientPort = 68
)

// Message is the decoded form of a DHCP packet.
type Message struct {
	// ClientHWAddr is the chaddr field, trimmed to HLen significant bytes.
	ClientHWAddr net.HardwareAddr

	Options Options

	CIAddr net.IP
	YIAddr net.IP
	SIAddr net.IP
	GIAddr net.IP

	SName string
	File  string

	XID   uint32
	Secs  uint16
	Flags uint16

	Op    byte
	HType byte
	HLen  byte
	Hops  byte
}

// Broadcast reports whether the client requested a broadcast reply.
func (m *Message) Broadcast() bool { return m.Flags&BroadcastFlag != 0 }

// chaddrBytes renders ClientHWAddr as a zero-padded 16-byte array, left
// aligned, as the wire format requires.
func (m *Message) chaddrBytes() (out [chaddrLen]byte) {
	copy(out[:], m.ClientHWAddr)
	return out
}

// DecodeError is returned by Decode when the input is too short, carries the
// wrong magic cookie, or contains an option whose declared length runs past
// the end of its containing area.
type DecodeError struct {
	Reason string
}

// Error implements the error interface for *DecodeError.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding dhcp message: %s", e.Reason)
}

func decodeErr(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Decode parses a wire-format DHCP message out of b.  It validates the
// minimum length, the magic cookie, and that every option TLV fits within its
// declared area, honoring the sname/file overload convention (option 52) on
// read.
func Decode(b []byte) (m *Message, err error) {
	if len(b) < MinMessageLen {
		return nil, decodeErr("message is %d bytes, want at least %d", len(b), MinMessageLen)
	}

	var cookie [cookieLen]byte
	copy(cookie[:], b[headerLen:headerLen+cookieLen])
	if cookie != Magic {
		return nil, decodeErr("bad magic cookie %x", cookie)
	}

	m = &Message{
		Op:    b[0],
		HType: b[1],
		HLen:  b[2],
		Hops:  b[3],
		XID:   binary.BigEndian.Uint32(b[4:8]),
		Secs:  binary.BigEndian.Uint16(b[8:10]),
		Flags: binary.BigEndian.Uint16(b[10:12]),
	}

	m.CIAddr = ipv4At(b, 12)
	m.YIAddr = ipv4At(b, 16)
	m.SIAddr = ipv4At(b, 20)
	m.GIAddr = ipv4At(b, 24)

	hlen := int(m.HLen)
	if hlen == 0 || hlen > chaddrLen {
		hlen = chaddrLen
	}
	m.ClientHWAddr = net.HardwareAddr(append([]byte(nil), b[28:28+hlen]...))

	sname := trimZero(b[44 : 44+snameLen])
	file := trimZero(b[108 : 108+fileLen])

	opts, overload, err := decodeOptions(b[headerLen+cookieLen:])
	if err != nil {
		return nil, err
	}

	if overload != 0 {
		if overload&1 != 0 {
			fileOpts, _, ferr := decodeOptions(b[108 : 108+fileLen])
			if ferr != nil {
				return nil, ferr
			}
			opts = append(opts, fileOpts...)
			file = ""
		}
		if overload&2 != 0 {
			snameOpts, _, serr := decodeOptions(b[44 : 44+snameLen])
			if serr != nil {
				return nil, serr
			}
			opts = append(opts, snameOpts...)
			sname = ""
		}
	}

	m.SName = sname
	m.File = file
	m.Options = opts

	return m, nil
}

// ipv4At reads a 4-byte big-endian IPv4 address at offset off in b.
func ipv4At(b []byte, off int) net.IP {
	return net.IPv4(b[off], b[off+1], b[off+2], b[off+3]).To4()
}

// trimZero trims trailing NUL bytes from a fixed-size legacy BOOTP field.
func trimZero(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// Encode serializes m into wire format.  The sname/file overload convention
// is never produced on write; all options are written to the primary options
// area, and Encode returns an error if they do not fit (see MaxOptionsLen).
func Encode(m *Message) (b []byte, err error) {
	optBytes, err := m.Options.encode()
	if err != nil {
		return nil, errors.Annotate(err, "encoding options: %w")
	}

	b = make([]byte, headerLen+cookieLen+len(optBytes)+1)

	b[0] = m.Op
	b[1] = m.HType
	b[2] = m.HLen
	b[3] = m.Hops
	binary.BigEndian.PutUint32(b[4:8], m.XID)
	binary.BigEndian.PutUint16(b[8:10], m.Secs)
	binary.BigEndian.PutUint16(b[10:12], m.Flags)

	putIPv4(b, 12, m.CIAddr)
	putIPv4(b, 16, m.YIAddr)
	putIPv4(b, 20, m.SIAddr)
	putIPv4(b, 24, m.GIAddr)

	chaddr := m.chaddrBytes()
	copy(b[28:28+chaddrLen], chaddr[:])

	copy(b[44:44+snameLen], m.SName)
	copy(b[108:108+fileLen], m.File)

	copy(b[headerLen:headerLen+cookieLen], Magic[:])

	n := copy(b[headerLen+cookieLen:], optBytes)
	b[headerLen+cookieLen+n] = CodeEnd

	return b, nil
}

// putIPv4 writes a (possibly nil) IPv4 address as four zero bytes or its
// big-endian representation at offset off.
func putIPv4(b []byte, off int, ip net.IP) {
	if ip == nil {
		return
	}
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	copy(b[off:off+4], v4)
}
