package ucp

import (
	"context"
	"net"

	"github.com/datawire/dlib/dlog"
)

// Endpoint is the datagram transport seam a Stream emits packets through and
// a Mux reads inbound datagrams from. It is the sole collaborator a Stream
// needs to exist; everything else (routing by peer address, accepting new
// streams) is the Mux's job.
type Endpoint interface {
	// SendTo emits one datagram. Loss is tolerated: a returned error is
	// logged by the caller and otherwise ignored, relying on the protocol's
	// own retransmission to recover.
	SendTo(ctx context.Context, buf []byte, remote net.Addr) error
	// RecvFrom blocks until one datagram arrives or the endpoint is closed.
	// Whether it also returns once ctx is done depends on the
	// implementation: UDPEndpoint does not watch ctx.
	RecvFrom(ctx context.Context, buf []byte) (n int, remote net.Addr, err error)
	LocalAddr() net.Addr
	Close() error
}

// UDPEndpoint is the production Endpoint: a bound *net.UDPConn.
type UDPEndpoint struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket at addr (e.g. ":9876" or "127.0.0.1:0").
func ListenUDP(addr string) (*UDPEndpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{conn: conn}, nil
}

func (e *UDPEndpoint) SendTo(ctx context.Context, buf []byte, remote net.Addr) error {
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		var err error
		udpAddr, err = net.ResolveUDPAddr("udp", remote.String())
		if err != nil {
			return err
		}
	}
	_, err := e.conn.WriteToUDP(buf, udpAddr)
	if err != nil {
		dlog.Debugf(ctx, "ucp: write to %s failed, treating as transient loss: %v", remote, err)
		return CategoryTransport.wrap(err)
	}
	return nil
}

func (e *UDPEndpoint) RecvFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	n, addr, err := e.conn.ReadFromUDP(buf)
	return n, addr, err
}

func (e *UDPEndpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *UDPEndpoint) Close() error {
	return e.conn.Close()
}
