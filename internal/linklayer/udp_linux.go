//go:build linux

package linklayer

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// zeroTime clears a previously set read deadline.
var zeroTime time.Time

// udpTransport is the cooked path: a kernel UDP socket bound to a specific
// device with SO_REUSEADDR and SO_BROADCAST, matching the original
// listen_socket() in both servers and clients with a configured address.
type udpTransport struct {
	conn *net.UDPConn
}

// NewUDPTransport opens a UDP socket on port, bound to ifaceName via
// SO_BINDTODEVICE, with SO_REUSEADDR and SO_BROADCAST set.
func NewUDPTransport(ifaceName string, port int) (LinkTransport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) (err error) {
			var opErr error
			cerr := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				if opErr != nil {
					return
				}
				opErr = unix.BindToDevice(int(fd), ifaceName)
			})
			if cerr != nil {
				return cerr
			}
			return opErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding udp socket to %s:%d: %w", ifaceName, port, err)
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, errors.Error("listen config did not return a *net.UDPConn")
	}

	return &udpTransport{conn: udpConn}, nil
}

// SendRaw implements the LinkTransport interface for *udpTransport. The
// cooked path never builds its own frames; it lets the kernel route.
func (t *udpTransport) SendRaw(_ net.IP, _ int, _ Endpoint, _ []byte) error {
	return errors.Error("udpTransport does not support raw sends")
}

// SendUDP implements the LinkTransport interface for *udpTransport.
func (t *udpTransport) SendUDP(dst *net.UDPAddr, payload []byte) error {
	_, err := t.conn.WriteTo(payload, dst)
	return err
}

// Recv implements the LinkTransport interface for *udpTransport.
func (t *udpTransport) Recv(ctx context.Context) (payload []byte, from net.Addr, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(zeroTime)
	}

	buf := make([]byte, 1500)
	n, addr, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}

	return append([]byte(nil), buf[:n]...), addr, nil
}

// Close implements the LinkTransport interface for *udpTransport.
func (t *udpTransport) Close() error {
	return t.conn.Close()
}
