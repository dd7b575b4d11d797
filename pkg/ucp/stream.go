package ucp

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// State is a stream's position in the handshake/established/gone lifecycle.
type State int32

const (
	StateNone State = iota
	StateAccepting
	StateConnecting
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateAccepting:
		return "ACCEPTING"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultWindow       = 512
	defaultRTO          = uint32(100)
	heartbeatInterval   = 2500 * time.Millisecond
	brokenThreshold     = 20000 * time.Millisecond
	skipResendThreshold = uint32(2)
)

type ackEntry struct {
	seq       uint32
	timestamp uint32
}

// Stream is the per-connection UCP protocol engine: handshake state machine,
// chunked send path with window-gated emission and retransmit, reassembling
// receive path with cumulative-plus-selective ACK, and the periodic tick that
// drives heartbeats, ACK flushing, and retransmission.
//
// A Stream is safe for concurrent use: one goroutine may call ProcessPacket
// for inbound datagrams while another drives Update on a timer, and the
// application may call Send/Recv from yet another. All four take the same
// lock for their entire body (see SPEC_FULL.md §5 for why this module doesn't
// narrow that critical section the way its teacher does).
type Stream struct {
	mu sync.Mutex

	endpoint   Endpoint
	remoteAddr net.Addr
	metrics    *Metrics
	rnd        *rand.Rand

	initialTime   time.Time
	aliveTime     time.Time
	lastHeartbeat time.Time
	state         State

	sessionID uint32
	seq       uint32
	una       uint32

	localWindow  uint32
	remoteWindow uint32
	rto          uint32

	sendBuffer []*Packet
	sendQueue  []*Packet
	recvQueue  []*Packet
	ackList    []ackEntry

	onUpdate func(*Stream) bool
	onBroken func(*Stream)
}

// NewStream creates a stream in State NONE, bound to remote over endpoint.
// Use Connecting to initiate a handshake as a client, or Accepting to adopt
// an inbound SYN as a server (the Mux does the latter automatically).
func NewStream(endpoint Endpoint, remote net.Addr, localWindow uint32, metrics *Metrics) *Stream {
	if localWindow == 0 {
		localWindow = defaultWindow
	}
	now := time.Now()
	return &Stream{
		endpoint:      endpoint,
		remoteAddr:    remote,
		metrics:       metrics,
		rnd:           rand.New(rand.NewSource(now.UnixNano())),
		initialTime:   now,
		aliveTime:     now,
		lastHeartbeat: now,
		state:         StateNone,
		localWindow:   localWindow,
		remoteWindow:  defaultWindow,
		rto:           defaultRTO,
	}
}

func (s *Stream) RemoteAddr() net.Addr { return s.remoteAddr }

func (s *Stream) SessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) SetOnUpdate(fn func(*Stream) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

func (s *Stream) SetOnBroken(fn func(*Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBroken = fn
}

// IsSendBufferOverflow is an advisory backpressure signal for the application:
// true once at least remoteWindow packets are staged and not yet emitted.
func (s *Stream) IsSendBufferOverflow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.sendBuffer)) >= s.remoteWindow
}

// timestampNow returns milliseconds since the stream's own epoch. Never
// compare this value against a timestamp sampled by another stream/peer.
func (s *Stream) timestampNow() uint32 {
	return uint32(time.Since(s.initialTime).Milliseconds())
}

// nextSeq assigns a fresh sequence number. Sequence 0 is reserved for
// control packets built via newNoSeqPacket, so the first assigned DATA/SYN
// sequence is 1.
func (s *Stream) nextSeq() uint32 {
	s.seq++
	return s.seq
}

func (s *Stream) newPacket(cmd Command) *Packet {
	p := NewPacket(cmd)
	p.SessionID = s.sessionID
	p.Timestamp = s.timestampNow()
	p.Window = s.localWindow
	p.Una = s.una
	p.Seq = s.nextSeq()
	return p
}

func (s *Stream) newNoSeqPacket(cmd Command) *Packet {
	p := NewPacket(cmd)
	p.SessionID = s.sessionID
	p.Timestamp = s.timestampNow()
	p.Window = s.localWindow
	p.Una = s.una
	return p
}

// Connecting starts the client side of the handshake: picks a random session
// ID, transitions to CONNECTING, and stages a SYN for emission on the next
// tick.
func (s *Stream) Connecting(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnecting
	s.sessionID = s.rnd.Uint32()
	syn := s.newPacket(CmdSyn)
	s.sendBuffer = append(s.sendBuffer, syn)
	dlog.Debugf(ctx, "ucp: connecting to %s, session %d", s.remoteAddr, s.sessionID)
}

// Accepting starts the server side of the handshake from an inbound SYN:
// adopts the peer's session ID, sets una past the SYN's sequence, and stages
// a SYN_ACK that echoes the SYN's (seq, timestamp) so the peer can sample RTT.
func (s *Stream) Accepting(ctx context.Context, syn *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptingLocked(ctx, syn)
}

// Send appends application bytes to the outbound byte stream: topping off the
// tail DATA packet's spare capacity before minting fresh DATA packets for the
// remainder. Each new packet is assigned its sequence at creation time, not
// at emission.
func (s *Stream) Send(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := 0
	if n := len(s.sendBuffer); n > 0 && s.sendBuffer[n-1].Cmd == CmdData {
		tail := s.sendBuffer[n-1]
		remain := tail.RemainingCapacity()
		if remain > len(buf) {
			remain = len(buf)
		}
		if remain > 0 {
			tail.WriteSlice(buf[:remain])
		}
		pos = remain
	}

	for pos < len(buf) {
		pkt := s.newPacket(CmdData)
		n := pkt.RemainingCapacity()
		if rem := len(buf) - pos; n > rem {
			n = rem
		}
		pkt.WriteSlice(buf[pos : pos+n])
		s.sendBuffer = append(s.sendBuffer, pkt)
		pos += n
	}
}

// Recv drains bytes from the front of the reassembled receive queue into buf,
// stopping at the first packet not yet authorized for delivery (its sequence
// sits at or past una) or once buf is full. Returns the number of bytes
// copied; 0 when nothing is deliverable.
func (s *Stream) Recv(buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := 0
	for size < len(buf) && len(s.recvQueue) > 0 {
		p := s.recvQueue[0]
		if !seqLess(p.Seq, s.una) {
			break
		}
		size += p.ReadSlice(buf[size:])
		if p.ReadRemaining() == 0 {
			s.recvQueue = s.recvQueue[1:]
		}
	}
	return size
}

// ProcessPacket is the sole inbound entry point: address and (for non-NONE
// states) session checks, then state dispatch. Never returns an error; every
// rejected condition is logged and dropped per the protocol's disposition
// table.
func (s *Stream) ProcessPacket(ctx context.Context, pkt *Packet, remote net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remoteAddr.String() != remote.String() {
		dlog.Debugf(ctx, "ucp: %v dropping packet from unexpected address %s, expected %s", CategoryProtocol, remote, s.remoteAddr)
		return
	}

	switch s.state {
	case StateNone:
		if pkt.Cmd == CmdSyn {
			s.acceptingLocked(ctx, pkt)
		}
	default:
		s.processingLocked(ctx, pkt)
	}
}

func (s *Stream) acceptingLocked(ctx context.Context, syn *Packet) {
	s.state = StateAccepting
	s.sessionID = syn.SessionID
	s.una = syn.Seq + 1
	s.remoteWindow = syn.Window

	synAck := s.newPacket(CmdSynAck)
	synAck.WriteU32(syn.Seq)
	synAck.WriteU32(syn.Timestamp)
	s.sendBuffer = append(s.sendBuffer, synAck)
	dlog.Debugf(ctx, "ucp: accepting %s, session %d", s.remoteAddr, s.sessionID)
}

func (s *Stream) processingLocked(ctx context.Context, pkt *Packet) {
	if s.sessionID != pkt.SessionID {
		dlog.Debugf(ctx, "ucp: %v session mismatch from %s: got %d, want %d", CategoryProtocol, s.remoteAddr, pkt.SessionID, s.sessionID)
		return
	}

	s.aliveTime = time.Now()
	s.remoteWindow = pkt.Window

	switch s.state {
	case StateAccepting:
		s.processStateAcceptingLocked(ctx, pkt)
	case StateConnecting:
		s.processSynAckLocked(ctx, pkt)
	case StateEstablished:
		s.processStateEstablishedLocked(ctx, pkt)
	}
}

// processStateAcceptingLocked completes the server side of the handshake: an
// ACK of our SYN_ACK (payload exactly 8 bytes: the seq/timestamp we sent)
// moves the stream to ESTABLISHED.
func (s *Stream) processStateAcceptingLocked(ctx context.Context, pkt *Packet) {
	if pkt.Cmd == CmdAck && pkt.PayloadLen() == 8 {
		seq := pkt.ReadU32()
		ts := pkt.ReadU32()
		if s.processAnAckLocked(seq, ts) {
			s.state = StateEstablished
			dlog.Debugf(ctx, "ucp: %s established, session %d", s.remoteAddr, s.sessionID)
		}
	}
}

func (s *Stream) processStateEstablishedLocked(ctx context.Context, pkt *Packet) {
	s.processUnaLocked(pkt.Una)

	switch pkt.Cmd {
	case CmdAck:
		s.processAckLocked(pkt)
	case CmdData:
		s.processDataLocked(pkt)
	case CmdSynAck:
		s.processSynAckLocked(ctx, pkt)
	case CmdHeartbeat:
		s.processHeartbeatLocked(ctx)
	case CmdHeartbeatAck:
		// alive_time was already refreshed above.
	}
}

// processUnaLocked drops every send-queue entry whose sequence now precedes
// una: cumulative ACK cleanup that runs before any per-packet ACK handling.
func (s *Stream) processUnaLocked(una uint32) {
	i := 0
	for i < len(s.sendQueue) && seqLess(s.sendQueue[i].Seq, una) {
		i++
	}
	if i > 0 {
		s.sendQueue = s.sendQueue[i:]
	}
}

func (s *Stream) processAckLocked(pkt *Packet) {
	if pkt.Cmd != CmdAck || pkt.PayloadLen()%8 != 0 {
		return
	}
	for pkt.ReadRemaining() > 0 {
		seq := pkt.ReadU32()
		ts := pkt.ReadU32()
		s.processAnAckLocked(seq, ts)
	}
}

// processDataLocked records the (seq, timestamp) pair for later ACK
// reflection, drops already-delivered or duplicate segments, otherwise
// inserts in ascending-sequence order and advances una over any resulting
// contiguous run.
func (s *Stream) processDataLocked(pkt *Packet) {
	s.ackList = append(s.ackList, ackEntry{seq: pkt.Seq, timestamp: pkt.Timestamp})

	if seqLess(pkt.Seq, s.una) {
		return
	}

	pos := 0
	for pos < len(s.recvQueue) {
		d := seqDiff(pkt.Seq, s.recvQueue[pos].Seq)
		if d == 0 {
			return
		}
		if d < 0 {
			break
		}
		pos++
	}

	s.recvQueue = append(s.recvQueue, nil)
	copy(s.recvQueue[pos+1:], s.recvQueue[pos:])
	s.recvQueue[pos] = pkt

	for i := pos; i < len(s.recvQueue); i++ {
		if s.recvQueue[i].Seq == s.una {
			s.una++
		} else {
			break
		}
	}
}

// processSynAckLocked handles the client side of the handshake (a SYN_ACK of
// payload exactly 8: the peer's echo of our SYN's seq/timestamp). It always
// replies with a standalone ACK echoing the SYN_ACK's own (seq, timestamp)
// so the peer can complete its side, then - only while CONNECTING -
// transitions to ESTABLISHED once that echoed seq matches our in-flight SYN.
func (s *Stream) processSynAckLocked(ctx context.Context, pkt *Packet) {
	if pkt.Cmd != CmdSynAck || pkt.PayloadLen() != 8 {
		return
	}
	seq := pkt.ReadU32()
	ts := pkt.ReadU32()

	ack := s.newNoSeqPacket(CmdAck)
	ack.WriteU32(pkt.Seq)
	ack.WriteU32(pkt.Timestamp)
	s.sendPacketDirectlyLocked(ctx, ack)

	if s.state == StateConnecting {
		if s.processAnAckLocked(seq, ts) {
			s.state = StateEstablished
			s.una = pkt.Seq + 1
			dlog.Debugf(ctx, "ucp: %s established, session %d", s.remoteAddr, s.sessionID)
		}
	}
}

func (s *Stream) processHeartbeatLocked(ctx context.Context) {
	ack := s.newNoSeqPacket(CmdHeartbeatAck)
	s.sendPacketDirectlyLocked(ctx, ack)
}

// processAnAckLocked samples RTT from (seq's original send timestamp, now),
// EWMA-updates rto, and removes the matching send-queue entry if present.
// Every entry scanned before a match (or all entries, if there is no match)
// whose own timestamp is no later than ts has its fast-retransmit SkipTimes
// bumped, since the peer has evidently received something sent after it.
func (s *Stream) processAnAckLocked(seq, ts uint32) bool {
	now := s.timestampNow()
	rtt := now - ts
	s.rto = (s.rto + rtt) / 2

	for i, p := range s.sendQueue {
		if p.Seq == seq {
			s.sendQueue = append(s.sendQueue[:i], s.sendQueue[i+1:]...)
			return true
		}
		if p.Timestamp <= ts {
			p.SkipTimes++
		}
	}
	return false
}

func (s *Stream) sendPacketDirectlyLocked(ctx context.Context, pkt *Packet) {
	pkt.Pack()
	s.metrics.sent(pkt.Cmd)
	if err := s.endpoint.SendTo(ctx, pkt.PackedBytes(), s.remoteAddr); err != nil {
		dlog.Debugf(ctx, "ucp: %v send to %s failed, relying on retransmission: %v", CategoryTransport, s.remoteAddr, err)
	}
}

// Update runs the periodic tick: liveness check, heartbeat, ACK flush,
// retransmit scan, pending-send emission, then the user hook - in that
// contractual order. The driver must call this no more often than every
// 10ms. A false return means the stream is done and the caller should discard
// it: either the liveness check failed (onBroken has already fired) or the
// onUpdate hook returned false (onBroken is not called).
func (s *Stream) Update(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.checkAliveLocked(ctx) {
		return false
	}

	s.doHeartbeatLocked(ctx)
	s.flushAckListLocked(ctx)
	s.timeoutResendLocked(ctx)
	s.sendPendingPacketsLocked(ctx)

	s.metrics.sample(fmt.Sprintf("%d", s.sessionID), int(s.rto), len(s.sendQueue), len(s.recvQueue))

	if s.onUpdate != nil {
		return s.onUpdate(s)
	}
	return true
}

func (s *Stream) checkAliveLocked(ctx context.Context) bool {
	if time.Since(s.aliveTime) < brokenThreshold {
		return true
	}
	dlog.Errorf(ctx, "ucp: %v liveness timeout, remote %s, session %d", CategoryTimeout, s.remoteAddr, s.sessionID)
	if s.onBroken != nil {
		s.onBroken(s)
	}
	return false
}

func (s *Stream) doHeartbeatLocked(ctx context.Context) {
	if time.Since(s.lastHeartbeat) < heartbeatInterval {
		return
	}
	hb := s.newNoSeqPacket(CmdHeartbeat)
	s.sendPacketDirectlyLocked(ctx, hb)
	s.lastHeartbeat = time.Now()
}

func (s *Stream) flushAckListLocked(ctx context.Context) {
	if len(s.ackList) == 0 {
		return
	}
	pkt := s.newNoSeqPacket(CmdAck)
	for _, e := range s.ackList {
		if pkt.RemainingCapacity() < 8 {
			s.sendPacketDirectlyLocked(ctx, pkt)
			pkt = s.newNoSeqPacket(CmdAck)
		}
		pkt.WriteU32(e.seq)
		pkt.WriteU32(e.timestamp)
	}
	s.sendPacketDirectlyLocked(ctx, pkt)
	s.ackList = s.ackList[:0]
}

// timeoutResendLocked retransmits any in-flight packet whose RTO has elapsed,
// or whose SkipTimes has hit the fast-retransmit threshold from out-of-order
// ACK observations.
func (s *Stream) timeoutResendLocked(ctx context.Context) {
	now := s.timestampNow()
	for _, p := range s.sendQueue {
		skipResend := p.SkipTimes >= skipResendThreshold
		if now-p.Timestamp >= s.rto || skipResend {
			trigger := "rto"
			if skipResend && now-p.Timestamp < s.rto {
				trigger = "fast-retransmit"
			}
			p.SkipTimes = 0
			p.Window = s.localWindow
			p.Una = s.una
			p.Timestamp = now
			p.Xmit++
			s.metrics.retransmitted(trigger)
			s.sendPacketDirectlyLocked(ctx, p)
		}
	}
}

// sendPendingPacketsLocked moves packets from send_buffer onto the wire
// subject to the remote window: at most remoteWindow packets unacknowledged
// at once, and the candidate's sequence distance from the oldest in-flight
// packet must stay under remoteWindow too (the sliding-window check).
func (s *Stream) sendPendingPacketsLocked(ctx context.Context) {
	now := s.timestampNow()
	for uint32(len(s.sendQueue)) < s.remoteWindow {
		if len(s.sendQueue) > 0 && len(s.sendBuffer) > 0 {
			oldest := s.sendQueue[0]
			candidate := s.sendBuffer[0]
			if seqDiff(candidate.Seq, oldest.Seq) >= int32(s.remoteWindow) {
				break
			}
		}
		if len(s.sendBuffer) == 0 {
			break
		}
		pkt := s.sendBuffer[0]
		s.sendBuffer = s.sendBuffer[1:]
		pkt.Window = s.localWindow
		pkt.Una = s.una
		pkt.Timestamp = now
		s.sendPacketDirectlyLocked(ctx, pkt)
		s.sendQueue = append(s.sendQueue, pkt)
	}
}
