package dhcp4

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
)

// Option codes this package knows how to interpret structurally.  Unknown
// codes are preserved verbatim as opaque byte strings.
const (
	CodePad           byte = 0
	CodeSubnet        byte = 1
	CodeTimeOffset    byte = 2
	CodeRouter        byte = 3
	CodeDNS           byte = 6
	CodeHostName      byte = 12
	CodeDomainName    byte = 15
	CodeBroadcast     byte = 28
	CodeRequestedIP   byte = 50
	CodeLeaseTime     byte = 51
	CodeOptionOverload byte = 52
	CodeMessageType   byte = 53
	CodeServerID      byte = 54
	CodeParamReqList  byte = 55
	CodeMessage       byte = 56
	CodeMaxSize       byte = 57
	CodeT1            byte = 58
	CodeT2            byte = 59
	CodeVendor        byte = 60
	CodeClientID      byte = 61
	CodeEnd           byte = 255
)

// MessageType is the value of option 53.
type MessageType byte

// DHCP message types, RFC 2131 section 3.
const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	ACK      MessageType = 5
	NAK      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

// String implements fmt.Stringer for MessageType.
func (t MessageType) String() string {
	switch t {
	case Discover:
		return "DISCOVER"
	case Offer:
		return "OFFER"
	case Request:
		return "REQUEST"
	case Decline:
		return "DECLINE"
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case Release:
		return "RELEASE"
	case Inform:
		return "INFORM"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// optKind describes how an option's payload is structured, per the static
// registry in the wire-format specification.
type optKind int

const (
	kindOpaque optKind = iota
	kindU8
	kindU16
	kindU32
	kindIPv4
	kindIPv4List
	kindString
	kindBoolean
)

// registry records the expected kind for a well-known option code.  It
// is informational only: the codec never rejects an option because its
// length disagrees with the registry, since unknown or vendor-extended
// options must still round-trip.
var registry = map[byte]optKind{
	CodeSubnet:         kindIPv4,
	CodeTimeOffset:     kindU32,
	CodeRouter:         kindIPv4List,
	CodeDNS:            kindIPv4List,
	CodeHostName:       kindString,
	CodeDomainName:     kindString,
	CodeBroadcast:      kindIPv4,
	CodeRequestedIP:    kindIPv4,
	CodeLeaseTime:      kindU32,
	CodeOptionOverload: kindU8,
	CodeMessageType:    kindU8,
	CodeServerID:       kindIPv4,
	CodeParamReqList:   kindOpaque,
	CodeMessage:        kindString,
	CodeMaxSize:        kindU16,
	CodeT1:             kindU32,
	CodeT2:             kindU32,
	CodeVendor:         kindString,
	CodeClientID:       kindOpaque,
}

// Option is a single decoded (code, value) TLV.  Value never includes the
// code or length bytes.
type Option struct {
	Code  byte
	Value []byte
}

// Options is an ordered list of decoded options.  Order is preserved from the
// wire so that Encode reproduces the same byte sequence given the same
// logical content.
type Options []Option

// Get returns the first occurrence of code, or false if absent.
func (o Options) Get(code byte) (val []byte, ok bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetType returns the DHCP message type carried by option 53, if present.
func (o Options) GetType() (t MessageType, ok bool) {
	v, ok := o.Get(CodeMessageType)
	if !ok || len(v) != 1 {
		return 0, false
	}
	return MessageType(v[0]), true
}

// GetIPv4 returns a single IPv4-valued option, such as SERVER_ID or
// REQUESTED_IP.
func (o Options) GetIPv4(code byte) (ip net.IP, ok bool) {
	v, ok := o.Get(code)
	if !ok || len(v) != 4 {
		return nil, false
	}
	return net.IP(v).To4(), true
}

// GetU32 returns a single uint32-valued option, such as LEASE_TIME.
func (o Options) GetU32(code byte) (v uint32, ok bool) {
	raw, ok := o.Get(code)
	if !ok || len(raw) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw), true
}

// GetString returns a string-valued option, such as HOST_NAME.
func (o Options) GetString(code byte) (s string, ok bool) {
	v, ok := o.Get(code)
	if !ok {
		return "", false
	}
	return string(v), true
}

// WithU32 returns a copy of o with a 4-byte big-endian option appended,
// replacing any existing occurrence of code.
func (o Options) WithU32(code byte, v uint32) Options {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return o.With(code, buf)
}

// WithIPv4 returns a copy of o with an IPv4-valued option appended, replacing
// any existing occurrence of code.
func (o Options) WithIPv4(code byte, ip net.IP) Options {
	v4 := ip.To4()
	if v4 == nil {
		v4 = make(net.IP, 4)
	}
	return o.With(code, append([]byte(nil), v4...))
}

// WithByte returns a copy of o with a 1-byte option appended, replacing any
// existing occurrence of code.
func (o Options) WithByte(code, v byte) Options {
	return o.With(code, []byte{v})
}

// WithString returns a copy of o with a string-valued option appended,
// replacing any existing occurrence of code.
func (o Options) WithString(code byte, s string) Options {
	return o.With(code, []byte(s))
}

// With returns a copy of o with the option for code set to value, replacing
// any existing occurrence and preserving the position of the first one found
// (or appending at the end if none existed).
func (o Options) With(code byte, value []byte) Options {
	out := make(Options, 0, len(o)+1)
	replaced := false
	for _, opt := range o {
		if opt.Code == code {
			if !replaced {
				out = append(out, Option{Code: code, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, opt)
	}
	if !replaced {
		out = append(out, Option{Code: code, Value: value})
	}
	return out
}

// Without returns a copy of o with every occurrence of code removed.
func (o Options) Without(code byte) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.Code != code {
			out = append(out, opt)
		}
	}
	return out
}

// decodeOptions parses a TLV option area, stopping at END or end-of-buffer.
// It returns the value of option 52 (OPTION_OVERLOAD) if present, so the
// caller can decide whether to reparse the file/sname fields.
func decodeOptions(b []byte) (opts Options, overload byte, err error) {
	i := 0
	for i < len(b) {
		code := b[i]
		if code == CodeEnd {
			return opts, overload, nil
		}
		if code == CodePad {
			i++
			continue
		}
		if i+1 >= len(b) {
			return nil, 0, decodeErr("option %d has no length byte", code)
		}
		length := int(b[i+1])
		start := i + 2
		end := start + length
		if end > len(b) {
			return nil, 0, decodeErr("option %d declares length %d past end of buffer", code, length)
		}

		value := append([]byte(nil), b[start:end]...)
		opts = append(opts, Option{Code: code, Value: value})
		if code == CodeOptionOverload && length == 1 {
			overload = value[0]
		}

		i = end
	}

	return opts, overload, nil
}

// encode renders the option list as a TLV byte sequence with no trailing
// END marker (Encode appends that once, after the options) and enforces the
// maximum options-area size.
func (o Options) encode() (b []byte, err error) {
	for _, opt := range o {
		if len(opt.Value) > 255 {
			return nil, errors.Error(fmt.Sprintf("option %d value too long: %d bytes", opt.Code, len(opt.Value)))
		}
		b = append(b, opt.Code, byte(len(opt.Value)))
		b = append(b, opt.Value...)
	}

	// The trailing END marker (one byte) must still fit.
	if len(b)+1 > MaxOptionsLen {
		return nil, errors.Error(fmt.Sprintf("options area is %d bytes, want at most %d", len(b)+1, MaxOptionsLen))
	}

	return b, nil
}
