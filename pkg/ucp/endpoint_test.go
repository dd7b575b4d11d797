package ucp

import (
	"context"
	"fmt"
	"net"
)

// memAddr is a fake net.Addr identifying one side of an in-memory endpoint
// pair, so memEndpoint can be routed through Mux exactly like a UDPEndpoint.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	buf    []byte
	remote net.Addr
}

// memEndpoint is a channel-backed Endpoint connecting exactly two peers,
// grounding tests that would otherwise require real sockets. Build a
// connected pair with newMemEndpointPair.
type memEndpoint struct {
	local net.Addr
	out   chan<- memDatagram
	in    <-chan memDatagram
}

func newMemEndpointPair(addrA, addrB string) (*memEndpoint, *memEndpoint) {
	ab := make(chan memDatagram, 64)
	ba := make(chan memDatagram, 64)
	a := &memEndpoint{local: memAddr(addrA), out: ab, in: ba}
	b := &memEndpoint{local: memAddr(addrB), out: ba, in: ab}
	return a, b
}

func (e *memEndpoint) SendTo(ctx context.Context, buf []byte, remote net.Addr) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case e.out <- memDatagram{buf: cp, remote: e.local}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *memEndpoint) RecvFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	select {
	case dg := <-e.in:
		n := copy(buf, dg.buf)
		return n, dg.remote, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (e *memEndpoint) LocalAddr() net.Addr { return e.local }

func (e *memEndpoint) Close() error { return nil }

var _ Endpoint = (*memEndpoint)(nil)
var _ fmt.Stringer = memAddr("")
