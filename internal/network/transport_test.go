package network

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore-project/relaycore/internal/protocol"
)

type received struct {
	env  protocol.Envelope
	from netip.AddrPort
}

func listenLoopback(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen(context.Background(), TransportConfig{Host: "127.0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func serve(t *testing.T, tr *Transport) (<-chan received, context.CancelFunc, <-chan error) {
	t.Helper()
	ch := make(chan received, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Serve(ctx, func(env protocol.Envelope, from netip.AddrPort, _ time.Time) {
			ch <- received{env: env, from: from}
		})
	}()
	t.Cleanup(cancel)
	return ch, cancel, done
}

func TestTransport_SendAndReceive(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)
	inbox, _, _ := serve(t, b)

	env := protocol.NewRequest("m1", "CREATEGAME", "alice", "Dungeon1")
	line, err := a.Codec().Encode(env)
	require.NoError(t, err)
	require.NoError(t, a.SendRaw([]byte(line), b.LocalAddr()))

	select {
	case got := <-inbox:
		assert.Equal(t, env, got.env)
		assert.Equal(t, a.LocalAddr(), got.from)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
	assert.Equal(t, uint64(1), a.Stats().Sent)
}

func TestTransport_MalformedDatagramDoesNotStopLoop(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)
	inbox, _, _ := serve(t, b)

	require.NoError(t, a.SendRaw([]byte("not an envelope"), b.LocalAddr()))
	require.NoError(t, a.SendRaw([]byte(`CHAT|||[]|["still here"]`), b.LocalAddr()))

	select {
	case got := <-inbox:
		assert.Equal(t, "still here", got.env.Params[0])
	case <-time.After(2 * time.Second):
		t.Fatal("valid datagram after malformed one not received")
	}
	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Malformed)
}

func TestTransport_SendRawRejectsOversized(t *testing.T) {
	a := listenLoopback(t)

	err := a.SendRaw([]byte(strings.Repeat("x", protocol.DefaultMaxDatagramSize+1)), a.LocalAddr())
	require.ErrorIs(t, err, protocol.ErrOversized)
	assert.Equal(t, uint64(1), a.Stats().SendFails)
}

func TestTransport_ServeStopsOnCancel(t *testing.T) {
	a := listenLoopback(t)
	_, cancel, done := serve(t, a)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
