package leasedb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/renameio/v2/maybe"
)

// recordLen is the size of one fixed binary lease record: chaddr[16],
// yiaddr:u32, expires:u32, per the persisted lease file format.
const recordLen = 16 + 4 + 4

// WriteSnapshot atomically writes leases to path in the fixed binary record
// format, using the donor's temp-file-plus-rename idiom so a crash mid-write
// never corrupts the previous snapshot. Static leases (which never expire)
// are skipped and so are not restored on restart.
func WriteSnapshot(path string, leases []*Lease) error {
	buf := &bytes.Buffer{}

	for _, l := range leases {
		if l.Static {
			continue
		}

		var rec [recordLen]byte
		copy(rec[:16], l.HWAddr)
		ip4 := l.IP.As4()
		copy(rec[16:20], ip4[:])
		binary.BigEndian.PutUint32(rec[20:24], uint32(l.Expires.Unix()))

		buf.Write(rec[:])
	}

	return maybe.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadSnapshot loads leases previously written by WriteSnapshot, discarding
// any record whose expiry is already in the past relative to now.
func ReadSnapshot(path string, now time.Time) ([]*Lease, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lease snapshot %s: %w", path, err)
	}

	if len(data)%recordLen != 0 {
		return nil, fmt.Errorf("lease snapshot %s: size %d is not a multiple of %d", path, len(data), recordLen)
	}

	leases := make([]*Lease, 0, len(data)/recordLen)
	for off := 0; off < len(data); off += recordLen {
		rec := data[off : off+recordLen]

		expires := time.Unix(int64(binary.BigEndian.Uint32(rec[20:24])), 0)
		if !expires.After(now) {
			continue
		}

		var ip4 [4]byte
		copy(ip4[:], rec[16:20])

		leases = append(leases, &Lease{
			HWAddr:  net.HardwareAddr(trimTrailingZero(rec[0:16])),
			IP:      netip.AddrFrom4(ip4),
			Expires: expires,
		})
	}

	return leases, nil
}

// trimTrailingZero trims the zero padding a chaddr field carries past its
// significant hardware-address bytes (6, for Ethernet).
func trimTrailingZero(b []byte) []byte {
	const ethLen = 6
	if len(b) < ethLen {
		return append([]byte(nil), b...)
	}
	return append([]byte(nil), b[:ethLen]...)
}
