package dhcp4_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
)

func discoverFixture(t *testing.T) *dhcp4.Message {
	t.Helper()

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	return &dhcp4.Message{
		Op:           dhcp4.BootRequest,
		HType:        dhcp4.HTypeEthernet,
		HLen:         dhcp4.HLenEthernet,
		XID:          0x12345678,
		ClientHWAddr: mac,
		CIAddr:       net.IPv4zero,
		YIAddr:       net.IPv4zero,
		SIAddr:       net.IPv4zero,
		GIAddr:       net.IPv4zero,
		Options: dhcp4.Options{}.
			WithByte(dhcp4.CodeMessageType, byte(dhcp4.Discover)).
			WithIPv4(dhcp4.CodeRequestedIP, net.IPv4(192, 168, 1, 100)),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := discoverFixture(t)

	b, err := dhcp4.Encode(m)
	require.NoError(t, err)

	got, err := dhcp4.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, m.XID, got.XID)
	assert.Equal(t, m.Op, got.Op)
	assert.Equal(t, m.ClientHWAddr.String(), got.ClientHWAddr.String())

	mt, ok := got.Options.GetType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.Discover, mt)

	reqIP, ok := got.Options.GetIPv4(dhcp4.CodeRequestedIP)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.100", reqIP.String())

	// Re-encoding the decoded message must reproduce the same bytes, up to
	// the point of the first END marker.
	again, err := dhcp4.Encode(got)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	_, err := dhcp4.Decode(make([]byte, 10))
	assert.Error(t, err)
}

func TestDecodeRejectsBadCookie(t *testing.T) {
	b := make([]byte, dhcp4.MinMessageLen)
	_, err := dhcp4.Decode(b)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedOption(t *testing.T) {
	b := make([]byte, dhcp4.MinMessageLen+2)
	copy(b[dhcp4.MinMessageLen-4:dhcp4.MinMessageLen], dhcp4.Magic[:])
	// Option code 1 declares a length of 10 bytes but none follow.
	b[dhcp4.MinMessageLen] = 1
	b[dhcp4.MinMessageLen+1] = 10

	_, err := dhcp4.Decode(b)
	assert.Error(t, err)
}

func TestOptionOverload(t *testing.T) {
	m := discoverFixture(t)
	// Simulate a message that carries an extra option in the file field, as
	// legacy servers may, by setting OPTION_OVERLOAD=1 and hand-writing the
	// hostname TLV into the file area.
	m.Options = dhcp4.Options{}.
		WithByte(dhcp4.CodeMessageType, byte(dhcp4.Discover)).
		WithByte(dhcp4.CodeOptionOverload, 1)

	b, err := dhcp4.Encode(m)
	require.NoError(t, err)

	host := "host"
	b[108] = dhcp4.CodeHostName
	b[109] = byte(len(host))
	copy(b[110:110+len(host)], host)

	got, err := dhcp4.Decode(b)
	require.NoError(t, err)

	gotHost, ok := got.Options.GetString(dhcp4.CodeHostName)
	require.True(t, ok)
	assert.Equal(t, host, gotHost)
}

func TestWithReplacesInPlace(t *testing.T) {
	opts := dhcp4.Options{}.WithU32(dhcp4.CodeLeaseTime, 3600)
	opts = opts.WithU32(dhcp4.CodeLeaseTime, 7200)

	v, ok := opts.GetU32(dhcp4.CodeLeaseTime)
	require.True(t, ok)
	assert.Equal(t, uint32(7200), v)
	assert.Len(t, opts, 1)
}

func TestWithoutRemoves(t *testing.T) {
	opts := dhcp4.Options{}.WithU32(dhcp4.CodeLeaseTime, 3600).WithByte(dhcp4.CodeMessageType, byte(dhcp4.Offer))
	opts = opts.Without(dhcp4.CodeLeaseTime)

	_, ok := opts.Get(dhcp4.CodeLeaseTime)
	assert.False(t, ok)
}
