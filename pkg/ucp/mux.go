package ucp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
)

// driverTick is the minimum spacing between Update calls across every stream
// the Mux drives, matching the protocol's 10ms tick floor.
const driverTick = 10 * time.Millisecond

// Handler is the application's hook into a stream's lifecycle: it is called
// once, synchronously, for every accepted or dialed stream, right after the
// stream's handshake has been started. The stream is already registered by
// then, so the driver loop may tick it before the Handler returns.
type Handler func(ctx context.Context, s *Stream)

// Mux owns one Endpoint and every Stream multiplexed over it: it routes
// inbound datagrams to the stream matching their peer address, spins up a
// new Stream on an unrecognized SYN, and drives every stream's Update on a
// shared ticker. This is the seam the reference corpus's connection pool
// (map[ConnID]Handler guarded by a mutex) generalizes to a UDP peer-address
// key instead of a 5-tuple ConnID.
type Mux struct {
	endpoint Endpoint
	metrics  *Metrics
	handler  Handler
	window   uint32

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

// NewMux adopts endpoint and begins routing inbound datagrams to streams
// keyed by peer address. handler is invoked for every stream this Mux
// creates, whether accepted from a SYN or produced by Dial. Call Run to
// start the inbound-datagram loop and the driver loop; Run returns when ctx
// is done or the Mux is closed.
func NewMux(endpoint Endpoint, localWindow uint32, metrics *Metrics, handler Handler) *Mux {
	return &Mux{
		endpoint: endpoint,
		metrics:  metrics,
		handler:  handler,
		window:   localWindow,
		streams:  make(map[string]*Stream),
	}
}

// Dial creates a client-side stream to remote and starts its handshake. The
// returned stream is already registered with the Mux and will be driven by
// Run; the caller's Handler (if any) has already been invoked on it.
func (m *Mux) Dial(ctx context.Context, remote net.Addr) (*Stream, error) {
	key := remote.String()

	m.mu.Lock()
	if _, exists := m.streams[key]; exists {
		m.mu.Unlock()
		return nil, CategoryProtocol.newf("ucp: already dialing or connected to %s", remote)
	}
	s := NewStream(m.endpoint, remote, m.window, m.metrics)
	m.streams[key] = s
	m.mu.Unlock()
	m.metrics.streamAdded()

	s.Connecting(ctx)
	if m.handler != nil {
		m.handler(ctx, s)
	}
	return s, nil
}

// Run blocks until ctx is done or the Mux is closed, draining inbound
// datagrams on a goroutine of its own while ticking every live stream on the
// driver ticker. It is meant to be the sole reader of the Mux's Endpoint;
// Dial and application Send/Recv calls are safe to issue concurrently from
// other goroutines.
func (m *Mux) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.recvLoop(ctx)
	}()

	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Mux) recvLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A fresh Packet per datagram: a DATA packet may be handed off to
		// processDataLocked and kept alive in a stream's recvQueue well
		// past this iteration, so it cannot share a buffer with the next
		// inbound read.
		pkt := NewPacket(CmdData)
		n, remote, err := m.endpoint.RecvFrom(ctx, pkt.WireBuffer())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return err
			}
			dlog.Debugf(ctx, "ucp: %v recv failed: %v", CategoryTransport, err)
			continue
		}
		pkt.SetSize(n)
		if !pkt.Parse() {
			dlog.Debugf(ctx, "ucp: %v dropping illegal packet from %s", CategoryProtocol, remote)
			continue
		}
		m.route(ctx, pkt, remote)
	}
}

func (m *Mux) route(ctx context.Context, pkt *Packet, remote net.Addr) {
	key := remote.String()

	m.mu.Lock()
	s, ok := m.streams[key]
	if !ok {
		if pkt.Cmd != CmdSyn {
			m.mu.Unlock()
			dlog.Debugf(ctx, "ucp: %v dropping %s from unknown peer %s", CategoryProtocol, pkt.Cmd, remote)
			return
		}
		s = NewStream(m.endpoint, remote, m.window, m.metrics)
		m.streams[key] = s
		m.mu.Unlock()

		dlog.Debugf(ctx, "ucp: accepted new peer %s, correlation %s", remote, uuid.NewString())
		s.Accepting(ctx, pkt)
		if m.handler != nil {
			m.handler(ctx, s)
		}
		m.metrics.streamAdded()
		return
	}
	m.mu.Unlock()

	s.ProcessPacket(ctx, pkt, remote)
}

// tick drives Update on every live stream, removing any that report
// themselves broken.
func (m *Mux) tick(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	streams := make([]*Stream, 0, len(m.streams))
	keys := make([]string, 0, len(m.streams))
	for k, s := range m.streams {
		streams = append(streams, s)
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for i, s := range streams {
		if !s.Update(ctx) {
			m.mu.Lock()
			delete(m.streams, keys[i])
			m.mu.Unlock()
			m.metrics.streamRemoved()
		}
	}
}

// CloseAll tears down the Mux: marks it closed so a racing tick is a no-op,
// then closes the underlying Endpoint, which unblocks recvLoop.
func (m *Mux) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()
	return m.endpoint.Close()
}

// StreamCount reports how many streams the Mux currently tracks, for tests
// and diagnostics.
func (m *Mux) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
