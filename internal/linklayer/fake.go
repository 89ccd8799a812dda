package linklayer

import (
	"context"
	"net"
	"sync"
)

// sentFrame records a single SendRaw or SendUDP call, for assertions in
// tests that exercise the server or client logic without a real socket.
type sentFrame struct {
	Dst     Endpoint
	UDPDst  *net.UDPAddr
	Payload []byte
	Raw     bool
}

// Fake is an in-memory LinkTransport, grounded in the teacher's
// EmptyNetworkDevice pattern: a test double that lets the protocol state
// machines run without privileges.
//
// Sent is safe to read directly from the goroutine driving the transport
// under test; a test that drives Run() in a background goroutine and
// inspects traffic concurrently must use Snapshot instead.
type Fake struct {
	Sent  []sentFrame
	Inbox chan inboundPacket

	mu sync.Mutex
}

// Snapshot returns a copy of Sent, safe to call concurrently with the
// goroutine sending on this transport.
func (f *Fake) Snapshot() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sentFrame(nil), f.Sent...)
}

type inboundPacket struct {
	payload []byte
	from    net.Addr
}

// NewFake returns a ready-to-use fake transport.
func NewFake() *Fake {
	return &Fake{Inbox: make(chan inboundPacket, 16)}
}

// Deliver queues a packet as if it had arrived from from.
func (f *Fake) Deliver(payload []byte, from net.Addr) {
	f.Inbox <- inboundPacket{payload: append([]byte(nil), payload...), from: from}
}

// SendRaw implements the LinkTransport interface for *Fake.
func (f *Fake) SendRaw(_ net.IP, _ int, dst Endpoint, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Sent = append(f.Sent, sentFrame{Dst: dst, Payload: append([]byte(nil), payload...), Raw: true})
	return nil
}

// SendUDP implements the LinkTransport interface for *Fake.
func (f *Fake) SendUDP(dst *net.UDPAddr, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Sent = append(f.Sent, sentFrame{UDPDst: dst, Payload: append([]byte(nil), payload...)})
	return nil
}

// Recv implements the LinkTransport interface for *Fake.
func (f *Fake) Recv(ctx context.Context) (payload []byte, from net.Addr, err error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case pkt := <-f.Inbox:
		return pkt.payload, pkt.from, nil
	}
}

// Close implements the LinkTransport interface for *Fake.
func (f *Fake) Close() error { return nil }

// type check
var _ LinkTransport = (*Fake)(nil)
