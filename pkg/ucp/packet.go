package ucp

import (
	"encoding/binary"
	"hash/crc32"
)

// Command identifies the role a packet plays in the handshake/transfer/keepalive protocol.
type Command uint8

const (
	CmdSyn          Command = 128
	CmdSynAck       Command = 129
	CmdAck          Command = 130
	CmdData         Command = 131
	CmdHeartbeat    Command = 132
	CmdHeartbeatAck Command = 133
)

func (c Command) valid() bool {
	return c >= CmdSyn && c <= CmdHeartbeatAck
}

func (c Command) String() string {
	switch c {
	case CmdSyn:
		return "SYN"
	case CmdSynAck:
		return "SYN_ACK"
	case CmdAck:
		return "ACK"
	case CmdData:
		return "DATA"
	case CmdHeartbeat:
		return "HEARTBEAT"
	case CmdHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "UNKNOWN"
	}
}

const (
	// MTU is the fixed capacity of the wire buffer backing every Packet.
	MTU = 1400
	// HeaderLen is the fixed size, in bytes, of the packet header.
	HeaderLen = 29
	// MaxPayload is the largest payload a single Packet can carry.
	MaxPayload = MTU - HeaderLen
)

// Packet is a fixed-capacity framed buffer: a 29-byte header followed by 0-1371
// bytes of payload. It doubles as a write cursor (Send side, building outbound
// packets) and a read cursor (Recv side, draining payload into application buffers).
//
// Header layout, big-endian, starting at offset 0:
//
//	0  : 4  crc32/IEEE over bytes [4:size]
//	4  : 4  session ID
//	8  : 4  sender timestamp (ms since the sender's stream epoch)
//	12 : 4  sender's advertised receive window, in packets
//	16 : 4  transmission count (0 on first send, +1 per retransmit)
//	20 : 4  sender's una (lowest unacknowledged expected seq from peer)
//	24 : 4  sequence number (0 for packets that carry no sequence)
//	28 : 1  command
type Packet struct {
	buf     [MTU]byte
	size    int
	readPos int

	SessionID uint32
	Timestamp uint32
	Window    uint32
	Xmit      uint32
	Una       uint32
	Seq       uint32
	Cmd       Command

	// SkipTimes counts out-of-order ACK observations that suggest this
	// (still in-flight) packet was lost. Only meaningful for packets
	// sitting in a stream's send queue.
	SkipTimes uint32
}

// NewPacket builds an empty packet ready to have its payload appended via
// WriteSlice/WriteU32, then Pack()ed for transmission.
func NewPacket(cmd Command) *Packet {
	return &Packet{size: HeaderLen, Cmd: cmd}
}

// PayloadLen returns the number of payload bytes currently staged for write,
// or available for read once the packet has been Parse()d.
func (p *Packet) PayloadLen() int {
	return p.size - HeaderLen
}

// RemainingCapacity returns how many more payload bytes can be written before
// the packet hits MTU.
func (p *Packet) RemainingCapacity() int {
	return MTU - p.size
}

// WriteU32 appends a big-endian uint32 to the payload. It fails (returns false)
// rather than overflow the buffer.
func (p *Packet) WriteU32(v uint32) bool {
	if p.RemainingCapacity() < 4 {
		return false
	}
	binary.BigEndian.PutUint32(p.buf[p.size:], v)
	p.size += 4
	return true
}

// WriteSlice appends buf to the payload. It fails (returns false) rather than
// overflow the buffer.
func (p *Packet) WriteSlice(buf []byte) bool {
	if p.RemainingCapacity() < len(buf) {
		return false
	}
	n := copy(p.buf[p.size:], buf)
	p.size += n
	return true
}

// ReadRemaining returns how many unread payload bytes remain.
func (p *Packet) ReadRemaining() int {
	return p.size - p.readPos
}

// ReadU32 consumes a big-endian uint32 from the payload read cursor. Callers
// must ensure ReadRemaining() >= 4; this mirrors the original's panic-on-overrun
// contract since every call site in this package checks payload length first.
func (p *Packet) ReadU32() uint32 {
	if p.readPos+4 > p.size {
		panic("ucp: payload read past end of packet")
	}
	v := binary.BigEndian.Uint32(p.buf[p.readPos:])
	p.readPos += 4
	return v
}

// ReadSlice drains up to len(buf) unread payload bytes into buf and returns
// the number of bytes copied. Partial reads are permitted: it copies
// min(ReadRemaining(), len(buf)) bytes.
func (p *Packet) ReadSlice(buf []byte) int {
	n := p.ReadRemaining()
	if n > len(buf) {
		n = len(buf)
	}
	if n > 0 {
		copy(buf, p.buf[p.readPos:p.readPos+n])
		p.readPos += n
	}
	return n
}

// Pack serializes the header fields into the wire buffer and computes the
// CRC-32/IEEE checksum over bytes [4:size], writing it into bytes [0:4].
// Call this immediately before handing the packet to an Endpoint.
func (p *Packet) Pack() {
	binary.BigEndian.PutUint32(p.buf[4:], p.SessionID)
	binary.BigEndian.PutUint32(p.buf[8:], p.Timestamp)
	binary.BigEndian.PutUint32(p.buf[12:], p.Window)
	binary.BigEndian.PutUint32(p.buf[16:], p.Xmit)
	binary.BigEndian.PutUint32(p.buf[20:], p.Una)
	binary.BigEndian.PutUint32(p.buf[24:], p.Seq)
	p.buf[28] = byte(p.Cmd)

	digest := crc32.ChecksumIEEE(p.buf[4:p.size])
	binary.BigEndian.PutUint32(p.buf[0:], digest)
}

// PackedBytes returns the serialized wire representation. Pack must have been
// called first.
func (p *Packet) PackedBytes() []byte {
	return p.buf[:p.size]
}

// WireBuffer exposes the raw backing array so an Endpoint can read directly
// into it without an intermediate copy.
func (p *Packet) WireBuffer() []byte {
	return p.buf[:]
}

// SetSize records how many bytes an Endpoint placed into WireBuffer, prior to
// calling Parse.
func (p *Packet) SetSize(n int) {
	p.size = n
}

// isLegal reports whether the packet is large enough to contain a header and
// its CRC-32 checksum matches.
func (p *Packet) isLegal() bool {
	return p.size >= HeaderLen && p.crcOK()
}

func (p *Packet) crcOK() bool {
	if p.size < HeaderLen {
		return false
	}
	digest := binary.BigEndian.Uint32(p.buf[0:])
	return crc32.ChecksumIEEE(p.buf[4:p.size]) == digest
}

// Parse verifies CRC and legality, deserializes the header, and positions the
// read cursor at the start of the payload. It returns false (and leaves the
// packet otherwise unusable) for a short buffer, a bad checksum, or an
// out-of-range command.
func (p *Packet) Parse() bool {
	if !p.isLegal() {
		return false
	}

	p.SessionID = binary.BigEndian.Uint32(p.buf[4:])
	p.Timestamp = binary.BigEndian.Uint32(p.buf[8:])
	p.Window = binary.BigEndian.Uint32(p.buf[12:])
	p.Xmit = binary.BigEndian.Uint32(p.buf[16:])
	p.Una = binary.BigEndian.Uint32(p.buf[20:])
	p.Seq = binary.BigEndian.Uint32(p.buf[24:])
	p.Cmd = Command(p.buf[28])
	p.readPos = HeaderLen

	return p.Cmd.valid()
}
