package ucp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := NewPacket(CmdData)
	p.SessionID = 42
	p.Timestamp = 1000
	p.Window = 512
	p.Xmit = 1
	p.Una = 7
	p.Seq = 9
	require.True(t, p.WriteSlice([]byte("hello world")))
	p.Pack()

	wire := make([]byte, len(p.PackedBytes()))
	copy(wire, p.PackedBytes())

	out := NewPacket(CmdData)
	copy(out.WireBuffer(), wire)
	out.SetSize(len(wire))
	require.True(t, out.Parse())

	assert.Equal(t, uint32(42), out.SessionID)
	assert.Equal(t, uint32(1000), out.Timestamp)
	assert.Equal(t, uint32(512), out.Window)
	assert.Equal(t, uint32(1), out.Xmit)
	assert.Equal(t, uint32(7), out.Una)
	assert.Equal(t, uint32(9), out.Seq)
	assert.Equal(t, CmdData, out.Cmd)

	payload := make([]byte, out.ReadRemaining())
	n := out.ReadSlice(payload)
	assert.Equal(t, "hello world", string(payload[:n]))
}

func TestPacketCorruptionRejected(t *testing.T) {
	p := NewPacket(CmdHeartbeat)
	p.Pack()
	wire := p.PackedBytes()
	wire[10] ^= 0xFF // flip a byte inside the checksummed region

	out := NewPacket(CmdHeartbeat)
	copy(out.WireBuffer(), wire)
	out.SetSize(len(wire))
	assert.False(t, out.Parse())
}

func TestPacketTooShortRejected(t *testing.T) {
	out := NewPacket(CmdAck)
	out.SetSize(HeaderLen - 1)
	assert.False(t, out.Parse())
}

func TestPacketMaxPayloadBoundary(t *testing.T) {
	p := NewPacket(CmdData)
	full := make([]byte, MaxPayload)
	require.True(t, p.WriteSlice(full))
	assert.Equal(t, 0, p.RemainingCapacity())
	assert.False(t, p.WriteSlice([]byte{0}))
	assert.False(t, p.WriteU32(1))
}

func TestPacketUnknownCommandRejected(t *testing.T) {
	p := NewPacket(Command(200)) // out of the 128-133 command range
	p.Pack()                    // CRC covers whatever Cmd was set to, valid or not

	out := NewPacket(CmdData)
	copy(out.WireBuffer(), p.PackedBytes())
	out.SetSize(len(p.PackedBytes()))
	assert.False(t, out.Parse())
}

func TestSeqWrap(t *testing.T) {
	var max uint32 = 1<<32 - 1
	assert.True(t, seqLess(max, 0))
	assert.False(t, seqLess(0, max))
	assert.True(t, seqLessEq(max, max))
	assert.Equal(t, int32(1), seqDiff(0, max))
}
