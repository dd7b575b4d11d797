package ucp

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuxAcceptsAndRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	epClient, epServer := newMemEndpointPair("client", "server")
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	var accepted *Stream
	serverMux := NewMux(epServer, 0, metrics, func(ctx context.Context, s *Stream) {
		accepted = s
	})
	clientMux := NewMux(epClient, 0, nil, nil)

	go serverMux.Run(ctx)
	go clientMux.Run(ctx)

	stream, err := clientMux.Dial(ctx, memAddr("server"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return stream.State() == StateEstablished
	}, time.Second, 2*time.Millisecond)

	require.NotNil(t, accepted)
	assert.Equal(t, StateEstablished, accepted.State())
	assert.Equal(t, 1, serverMux.StreamCount())
	assert.Equal(t, 1, clientMux.StreamCount())
}

func TestMuxDriverRemovesBrokenStream(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	epClient, epServer := newMemEndpointPair("client", "server")
	clientMux := NewMux(epClient, 0, nil, nil)
	serverMux := NewMux(epServer, 0, nil, nil)
	go serverMux.Run(ctx)

	stream, err := clientMux.Dial(ctx, memAddr("server"))
	require.NoError(t, err)
	go clientMux.Run(ctx)

	require.Eventually(t, func() bool {
		return stream.State() == StateEstablished
	}, time.Second, 2*time.Millisecond)

	stream.mu.Lock()
	stream.aliveTime = time.Now().Add(-brokenThreshold - time.Second)
	stream.mu.Unlock()

	require.Eventually(t, func() bool {
		return clientMux.StreamCount() == 0
	}, time.Second, 2*time.Millisecond)
}

func TestMuxIgnoresNonSynFromUnknownPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	epA, epB := newMemEndpointPair("a", "b")
	muxA := NewMux(epA, 0, nil, nil)
	go muxA.Run(ctx)

	ack := NewPacket(CmdAck)
	ack.Pack()
	require.NoError(t, epB.SendTo(ctx, ack.PackedBytes(), memAddr("b")))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, muxA.StreamCount())
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.streamAdded()
		m.streamRemoved()
		m.sent(CmdData)
		m.retransmitted("rto")
		m.sample("1", 100, 0, 0)
	})
}
