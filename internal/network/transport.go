// Package network owns the UDP socket: the receive loop that decodes
// datagrams into envelopes and the raw send used by the reliable sender.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/protocol"
	"github.com/relaycore-project/relaycore/internal/util"
)

const (
	// DefaultPort is the well-known server port.
	DefaultPort = 7777

	// DefaultWriteTimeout bounds a single datagram write.
	DefaultWriteTimeout = 250 * time.Millisecond

	// readBufferSize is large enough for any UDP payload, so oversized
	// datagrams reach the codec and are rejected there.
	readBufferSize = 64 * 1024
)

// InboundFunc receives every decoded envelope. It runs on the receive
// goroutine and must not block.
type InboundFunc func(env protocol.Envelope, from netip.AddrPort, receivedAt time.Time)

// TransportConfig configures the UDP endpoint.
type TransportConfig struct {
	// Host is the bind address. Empty binds every interface.
	Host string
	// Port 0 binds an ephemeral port, which is what clients use.
	Port         int
	MaxDatagram  int
	WriteTimeout time.Duration
}

// TransportStats are cumulative counters since the socket was opened.
type TransportStats struct {
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Malformed uint64 `json:"malformed"`
	SendFails uint64 `json:"send_failures"`
}

// Transport is one bound UDP socket.
type Transport struct {
	conn         *net.UDPConn
	codec        protocol.Codec
	writeTimeout time.Duration
	logger       zerolog.Logger

	received  atomic.Uint64
	sent      atomic.Uint64
	malformed atomic.Uint64
	sendFails atomic.Uint64
}

// Listen binds the UDP socket described by cfg.
func Listen(ctx context.Context, cfg TransportConfig) (*Transport, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP %s: %w", addr, err)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	t := &Transport{
		conn:         pc.(*net.UDPConn),
		codec:        protocol.NewCodec(cfg.MaxDatagram),
		writeTimeout: writeTimeout,
		logger:       util.ComponentLogger("transport"),
	}

	t.logger.Info().
		Str("addr", t.LocalAddr().String()).
		Int("max_datagram", t.codec.MaxSize()).
		Msg("UDP transport bound")

	return t, nil
}

// Codec returns the codec enforcing this socket's datagram limit.
func (t *Transport) Codec() protocol.Codec {
	return t.codec
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
// Malformed datagrams are logged and dropped; the loop keeps going.
func (t *Transport) Serve(ctx context.Context, handle InboundFunc) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				t.logger.Info().Msg("UDP receive loop stopping")
				return nil
			}
			t.logger.Error().Err(err).Msg("UDP read error")
			continue
		}
		receivedAt := time.Now()
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		t.received.Add(1)

		env, err := t.codec.Decode(string(buf[:n]))
		if err != nil {
			t.malformed.Add(1)
			t.logger.Warn().
				Err(err).
				Str("remote", from.String()).
				Int("size", n).
				Msg("dropping malformed datagram")
			continue
		}

		t.logger.Trace().
			Str("remote", from.String()).
			Str("category", env.Category).
			Str("id", env.ID).
			Msg("datagram received")

		handle(env, from, receivedAt)
	}
}

// SendRaw writes one datagram to the given address. It never retries.
func (t *Transport) SendRaw(payload []byte, to netip.AddrPort) error {
	if len(payload) > t.codec.MaxSize() {
		t.sendFails.Add(1)
		return fmt.Errorf("%w: %d bytes (max %d)", protocol.ErrOversized, len(payload), t.codec.MaxSize())
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		t.sendFails.Add(1)
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := t.conn.WriteToUDPAddrPort(payload, to); err != nil {
		t.sendFails.Add(1)
		return fmt.Errorf("write to %s: %w", to, err)
	}
	t.sent.Add(1)
	return nil
}

// Stats returns the cumulative counters.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Received:  t.received.Load(),
		Sent:      t.sent.Load(),
		Malformed: t.malformed.Load(),
		SendFails: t.sendFails.Load(),
	}
}

// Close closes the socket, which also ends Serve.
func (t *Transport) Close() error {
	return t.conn.Close()
}
