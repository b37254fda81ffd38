package main

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenReusePort binds a UDP socket with SO_REUSEPORT so several sockets can share one listen
// address, letting the kernel spread inbound packets across them instead of funnelling every packet
// through a single goroutine's recvfrom loop. Grounded on HydraDNS's udp_server.go: the only
// difference is we don't need the large socket buffer tuning it does, since our worker pool already
// bounds admission via the pending table rather than relying on kernel-side queuing.
func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, err
	}

	return pc.(*net.UDPConn), nil
}

// outboundConn wraps a *net.UDPConn as a handler.Socket. One is opened per configured outbound
// socket count; the load balancer's choice of upstream is independent of which outboundConn a given
// attempt uses, so any free one in the pool will do.
type outboundConn struct {
	conn *net.UDPConn
}

func newOutboundConn() (*outboundConn, error) {
	conn, err := listenReusePort(":0")
	if err != nil {
		return nil, err
	}

	return &outboundConn{conn: conn}, nil
}

func (o *outboundConn) SendTo(addr *net.UDPAddr, packet []byte) error {
	_, err := o.conn.WriteToUDP(packet, addr)

	return err
}

func (o *outboundConn) LocalPort() int {
	if a, ok := o.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}

	return 0
}

func (o *outboundConn) Close() error {
	return o.conn.Close()
}
