package dhcpserver

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
)

// fakeClock is a settable leasedb.Clock, letting tests advance wall time
// without sleeping to exercise expiry-dependent paths.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func testConfig(t *testing.T) Config {
	t.Helper()

	return Config{
		Interface: "eth0",
		Start:     netip.MustParseAddr("192.168.1.100"),
		End:       netip.MustParseAddr("192.168.1.200"),
		ServerID:  netip.MustParseAddr("192.168.1.1"),
		Lease:     time.Hour,
		MaxLeases: 101,
	}
}

func newTestServer(t *testing.T) (*Server, *linklayer.Fake) {
	t.Helper()

	fake := linklayer.NewFake()
	s, err := New(testConfig(t), fake, nil)
	require.NoError(t, err)

	return s, fake
}

func discoverMsg(mac net.HardwareAddr, xid uint32) *dhcp4.Message {
	return &dhcp4.Message{
		Op:           dhcp4.BootRequest,
		HType:        dhcp4.HTypeEthernet,
		HLen:         dhcp4.HLenEthernet,
		XID:          xid,
		ClientHWAddr: mac,
		Options:      dhcp4.Options{}.WithByte(dhcp4.CodeMessageType, byte(dhcp4.Discover)),
	}
}

func requestMsg(mac net.HardwareAddr, xid uint32, serverID, reqIP netip.Addr, ciaddr net.IP) *dhcp4.Message {
	opts := dhcp4.Options{}.WithByte(dhcp4.CodeMessageType, byte(dhcp4.Request))
	if serverID.IsValid() {
		opts = opts.WithIPv4(dhcp4.CodeServerID, net.IP(serverID.AsSlice()))
	}
	if reqIP.IsValid() {
		opts = opts.WithIPv4(dhcp4.CodeRequestedIP, net.IP(reqIP.AsSlice()))
	}
	return &dhcp4.Message{
		Op:           dhcp4.BootRequest,
		HType:        dhcp4.HTypeEthernet,
		HLen:         dhcp4.HLenEthernet,
		XID:          xid,
		ClientHWAddr: mac,
		CIAddr:       ciaddr,
		Options:      opts,
	}
}

func lastReply(t *testing.T, fake *linklayer.Fake) *dhcp4.Message {
	t.Helper()
	require.NotEmpty(t, fake.Sent)

	raw := fake.Sent[len(fake.Sent)-1].Payload
	m, err := dhcp4.Decode(raw)
	require.NoError(t, err)
	return m
}

func TestDiscoverOffersFirstFreeAddress(t *testing.T) {
	s, fake := newTestServer(t)

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	b, err := dhcp4.Encode(discoverMsg(mac, 0x12345678))
	require.NoError(t, err)

	s.handlePacket(b)

	resp := lastReply(t, fake)
	mt, ok := resp.Options.GetType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.Offer, mt)
	assert.Equal(t, "192.168.1.100", net.IP(resp.YIAddr).String())

	leaseSecs, ok := resp.Options.GetU32(dhcp4.CodeLeaseTime)
	require.True(t, ok)
	assert.Equal(t, uint32(3600), leaseSecs)
}

func TestRequestSelectingCommitsLease(t *testing.T) {
	s, fake := newTestServer(t)

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	disc, err := dhcp4.Encode(discoverMsg(mac, 1))
	require.NoError(t, err)
	s.handlePacket(disc)

	req, err := dhcp4.Encode(requestMsg(mac, 2, s.conf.ServerID, netip.MustParseAddr("192.168.1.100"), nil))
	require.NoError(t, err)
	s.handlePacket(req)

	resp := lastReply(t, fake)
	mt, ok := resp.Options.GetType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.ACK, mt)
	assert.Equal(t, "192.168.1.100", net.IP(resp.YIAddr).String())

	l, ok := s.store.FindByMAC(mac)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.100", l.IP.String())
}

func TestRequestOutOfPoolNaks(t *testing.T) {
	s, fake := newTestServer(t)

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:02")
	require.NoError(t, err)

	req, err := dhcp4.Encode(requestMsg(mac, 3, netip.Addr{}, netip.MustParseAddr("10.0.0.1"), nil))
	require.NoError(t, err)
	s.handlePacket(req)

	resp := lastReply(t, fake)
	mt, ok := resp.Options.GetType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.NAK, mt)
}

func TestPoolExhaustionSendsNothing(t *testing.T) {
	fake := linklayer.NewFake()
	conf := testConfig(t)
	conf.End = netip.MustParseAddr("192.168.1.101")
	conf.MaxLeases = 2
	s, err := New(conf, fake, nil)
	require.NoError(t, err)

	mac1, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	mac2, _ := net.ParseMAC("aa:bb:cc:dd:ee:02")
	mac3, _ := net.ParseMAC("aa:bb:cc:dd:ee:03")

	for i, mac := range []net.HardwareAddr{mac1, mac2} {
		b, err := dhcp4.Encode(discoverMsg(mac, uint32(i)))
		require.NoError(t, err)
		s.handlePacket(b)

		offer := lastReply(t, fake)
		offeredIP, ok := netip.AddrFromSlice(offer.YIAddr)
		require.True(t, ok)

		req, err := dhcp4.Encode(requestMsg(mac, uint32(i), conf.ServerID, offeredIP.Unmap(), nil))
		require.NoError(t, err)
		s.handlePacket(req)
	}

	before := len(fake.Sent)
	b, err := dhcp4.Encode(discoverMsg(mac3, 99))
	require.NoError(t, err)
	s.handlePacket(b)

	assert.Len(t, fake.Sent, before)
}

func TestReleaseFreesAddress(t *testing.T) {
	s, fake := newTestServer(t)

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	disc, err := dhcp4.Encode(discoverMsg(mac, 1))
	require.NoError(t, err)
	s.handlePacket(disc)

	req, err := dhcp4.Encode(requestMsg(mac, 2, s.conf.ServerID, netip.MustParseAddr("192.168.1.100"), nil))
	require.NoError(t, err)
	s.handlePacket(req)

	release := &dhcp4.Message{
		Op:           dhcp4.BootRequest,
		HType:        dhcp4.HTypeEthernet,
		HLen:         dhcp4.HLenEthernet,
		XID:          3,
		ClientHWAddr: mac,
		CIAddr:       net.IPv4(192, 168, 1, 100),
		Options:      dhcp4.Options{}.WithByte(dhcp4.CodeMessageType, byte(dhcp4.Release)),
	}
	relBytes, err := dhcp4.Encode(release)
	require.NoError(t, err)
	s.handlePacket(relBytes)

	_, ok := s.store.FindByMAC(mac)
	assert.False(t, ok)

	mac3, _ := net.ParseMAC("aa:bb:cc:dd:ee:03")
	b, err := dhcp4.Encode(discoverMsg(mac3, 4))
	require.NoError(t, err)
	s.handlePacket(b)

	resp := lastReply(t, fake)
	assert.Equal(t, "192.168.1.100", net.IP(resp.YIAddr).String())
}

// TestRenewalRefreshesLease exercises scenario S2: a RENEWING-state REQUEST
// (ciaddr set, no server-id, no requested-ip) sent partway through the
// lease's lifetime must ACK with the same yiaddr and extend the lease,
// rather than being mistaken for an expired, up-for-grabs address.
func TestRenewalRefreshesLease(t *testing.T) {
	fake := linklayer.NewFake()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	conf := testConfig(t)
	conf.Clock = clock
	s, err := New(conf, fake, nil)
	require.NoError(t, err)

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	disc, err := dhcp4.Encode(discoverMsg(mac, 1))
	require.NoError(t, err)
	s.handlePacket(disc)

	req, err := dhcp4.Encode(requestMsg(mac, 2, s.conf.ServerID, netip.MustParseAddr("192.168.1.100"), nil))
	require.NoError(t, err)
	s.handlePacket(req)

	clock.now = clock.now.Add(1800 * time.Second)

	renew := requestMsg(mac, 3, netip.Addr{}, netip.Addr{}, net.IPv4(192, 168, 1, 100))
	renewBytes, err := dhcp4.Encode(renew)
	require.NoError(t, err)
	s.handlePacket(renewBytes)

	resp := lastReply(t, fake)
	mt, ok := resp.Options.GetType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.ACK, mt)
	assert.Equal(t, "192.168.1.100", net.IP(resp.YIAddr).String())

	l, ok := s.store.FindByMAC(mac)
	require.True(t, ok)
	assert.True(t, l.Expires.After(clock.now))
}

// TestInitRebootIgnoresExpiredConflict confirms that a stale, expired record
// for a different host no longer blocks an init-reboot REQUEST: spec §4.4
// NAKs only on conflict with a different host's *active* lease.
func TestInitRebootIgnoresExpiredConflict(t *testing.T) {
	fake := linklayer.NewFake()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	conf := testConfig(t)
	conf.Clock = clock
	conf.OfferTime = time.Second
	s, err := New(conf, fake, nil)
	require.NoError(t, err)

	mac1, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	mac2, err := net.ParseMAC("aa:bb:cc:dd:ee:02")
	require.NoError(t, err)

	_, err = s.store.AddLease(mac1, netip.MustParseAddr("192.168.1.100"), time.Second, "", false)
	require.NoError(t, err)

	clock.now = clock.now.Add(10 * time.Second)

	req, err := dhcp4.Encode(requestMsg(mac2, 1, netip.Addr{}, netip.MustParseAddr("192.168.1.100"), nil))
	require.NoError(t, err)
	s.handlePacket(req)

	resp := lastReply(t, fake)
	mt, ok := resp.Options.GetType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.ACK, mt)
	assert.Equal(t, "192.168.1.100", net.IP(resp.YIAddr).String())
}
