// Package core wires the transport, the reliability layer and the dispatch
// registries into a Node: one process endpoint, server or client.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore-project/relaycore/internal/dispatch"
	"github.com/relaycore-project/relaycore/internal/events"
	"github.com/relaycore-project/relaycore/internal/lobby"
	"github.com/relaycore-project/relaycore/internal/network"
	"github.com/relaycore-project/relaycore/internal/protocol"
	"github.com/relaycore-project/relaycore/internal/reliable"
	"github.com/relaycore-project/relaycore/internal/util"
)

// Role selects which built-in handlers a node registers.
type Role string

const (
	// RoleServer owns the lobby state and handles CHAT, GAME and REQUEST.
	RoleServer Role = "server"
	// RoleClient only handles ACKs; everything else is up to the caller.
	RoleClient Role = "client"
)

// Config configures a Node.
type Config struct {
	Role          Role
	Transport     network.TransportConfig
	Ledger        reliable.LedgerConfig
	RetryInterval time.Duration
	Workers       int
	QueueSize     int
}

// DefaultConfig returns a server configuration on the well-known port.
func DefaultConfig() Config {
	return Config{
		Role: RoleServer,
		Transport: network.TransportConfig{
			Port:         network.DefaultPort,
			MaxDatagram:  protocol.DefaultMaxDatagramSize,
			WriteTimeout: network.DefaultWriteTimeout,
		},
		Ledger:        reliable.DefaultLedgerConfig(),
		RetryInterval: reliable.DefaultRetryInterval,
		Workers:       dispatch.DefaultWorkers,
		QueueSize:     dispatch.DefaultQueueSize,
	}
}

// Option customizes a Node.
type Option func(*Node)

// WithEventBus publishes lobby and delivery events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(n *Node) { n.bus = bus }
}

// WithGameConsumer hands GAME envelopes to c instead of the event bus.
func WithGameConsumer(c dispatch.GameConsumer) Option {
	return func(n *Node) { n.consumer = c }
}

// NodeStats is a point-in-time view of the node counters.
type NodeStats struct {
	Role      Role                   `json:"role"`
	Address   string                 `json:"address"`
	Transport network.TransportStats `json:"transport"`
	Pool      dispatch.PoolStats     `json:"pool"`
	Pending   int                    `json:"pending"`
	Users     int                    `json:"users"`
	Games     int                    `json:"games"`
	StartedAt time.Time              `json:"started_at"`
}

// Node is one endpoint: a bound socket, its ack ledger and sender, and the
// handler registries.
type Node struct {
	role      Role
	transport *network.Transport
	ledger    *reliable.Ledger
	sender    *reliable.Sender
	registry  *dispatch.Registry
	commands  *dispatch.CommandRegistry
	pool      *dispatch.WorkerPool
	directory *lobby.Directory
	games     *lobby.GameStore

	bus      *events.EventBus
	consumer dispatch.GameConsumer

	logger    zerolog.Logger
	startedAt time.Time
	sealOnce  sync.Once
}

// NewNode binds the socket and registers the built-in handlers for the
// configured role. Further handlers may be added with HandleCategory and
// HandleCommand until Run is called.
func NewNode(ctx context.Context, cfg Config, opts ...Option) (*Node, error) {
	if cfg.Role == "" {
		cfg.Role = RoleServer
	}

	transport, err := network.Listen(ctx, cfg.Transport)
	if err != nil {
		return nil, err
	}

	n := &Node{
		role:      cfg.Role,
		transport: transport,
		ledger:    reliable.NewLedger(cfg.Ledger),
		registry:  dispatch.NewRegistry(),
		commands:  dispatch.NewCommandRegistry(),
		pool:      dispatch.NewWorkerPool(cfg.Workers, cfg.QueueSize),
		directory: lobby.NewDirectory(),
		games:     lobby.NewGameStore(),
		logger:    util.ComponentLogger("node").With().Str("role", string(cfg.Role)).Logger(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.sender = reliable.NewSender(n.ledger, transport, transport.Codec(), cfg.RetryInterval,
		reliable.ReporterFunc(n.deliveryFailed))

	builtins := &dispatch.Builtins{
		Directory: n.directory,
		Games:     n.games,
		Acks:      n.sender,
		Out:       n,
		Commands:  n.commands,
		Codec:     transport.Codec(),
	}
	if n.bus != nil {
		builtins.Events = n.bus
	}
	builtins.Consumer = n.consumer
	if builtins.Consumer == nil {
		builtins.Consumer = dispatch.EventConsumer{Events: builtins.Events}
	}

	switch cfg.Role {
	case RoleServer:
		builtins.Register(n.registry)
	case RoleClient:
		builtins.RegisterClient(n.registry)
	default:
		transport.Close()
		return nil, fmt.Errorf("unknown node role %q", cfg.Role)
	}

	return n, nil
}

// HandleCategory registers a category handler. It panics once the node runs.
func (n *Node) HandleCategory(category string, handler dispatch.HandlerFunc) {
	n.registry.Register(category, handler)
}

// HandleCommand registers a REQUEST command handler. It panics once the node
// runs. Commands are only reached on nodes that handle REQUEST.
func (n *Node) HandleCommand(command string, handler dispatch.HandlerFunc) {
	n.commands.Register(command, handler)
}

func (n *Node) seal() {
	n.sealOnce.Do(func() {
		n.registry.Seal()
		n.commands.Seal()
	})
}

// Run serves until ctx is cancelled: the receive loop, the retry loop and
// the dispatch workers. It returns after all three have stopped.
func (n *Node) Run(ctx context.Context) error {
	n.seal()
	n.logger.Info().
		Str("addr", n.LocalAddr().String()).
		Strs("categories", n.registry.Categories()).
		Strs("commands", n.commands.Commands()).
		Msg("node running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.pool.Run(ctx) })
	g.Go(func() error { return n.sender.Run(ctx) })
	g.Go(func() error { return n.transport.Serve(ctx, n.receive) })

	err := g.Wait()
	n.logger.Info().Msg("node stopped")
	return err
}

// receive runs on the socket goroutine and must stay non-blocking.
func (n *Node) receive(env protocol.Envelope, from netip.AddrPort, receivedAt time.Time) {
	in := dispatch.NewInbound(env, from, receivedAt)
	if !n.pool.Submit(func(ctx context.Context) { n.process(ctx, in) }) {
		n.logger.Warn().
			Str("remote", from.String()).
			Str("category", env.Category).
			Str("id", env.ID).
			Msg("dispatch queue full, dropping datagram")
	}
}

func (n *Node) process(ctx context.Context, in *dispatch.Inbound) {
	env := in.Envelope

	// Every physical delivery is acknowledged, duplicates included, since
	// the peer may have lost an earlier ACK.
	if env.Reliable() && env.NormalizedCategory() != protocol.CategoryAck {
		if err := n.SendBestEffort(ctx, protocol.NewAck(env.ID), in.From); err != nil {
			n.logger.Warn().Err(err).Str("remote", in.From.String()).Str("id", env.ID).Msg("failed to send ack")
		}
	}

	if !n.ledger.ShouldProcess(in.From, env.ID) {
		n.logger.Debug().Str("remote", in.From.String()).Str("id", env.ID).Msg("duplicate suppressed")
		return
	}

	err := n.registry.Dispatch(ctx, in)
	if err == nil {
		return
	}

	var (
		dispatchErr *dispatch.DispatchError
		fault       *dispatch.HandlerFault
	)
	switch {
	case errors.As(err, &fault):
		n.logger.Error().
			Str("remote", in.From.String()).
			Str("category", fault.Category).
			Str("command", fault.Command).
			Interface("panic", fault.Panic).
			Bytes("stack", fault.Stack).
			Msg("handler panicked")
	case errors.As(err, &dispatchErr):
		n.logger.Warn().Err(err).Str("remote", in.From.String()).Msg("no handler, dropping envelope")
	default:
		n.logger.Warn().Err(err).Str("remote", in.From.String()).Str("envelope", env.String()).Msg("handler failed")
	}
}

// SendReliable sends env to dest and retransmits it until acknowledged. An
// empty id is replaced with a fresh one.
func (n *Node) SendReliable(ctx context.Context, env protocol.Envelope, dest netip.AddrPort) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	return n.sender.Send(ctx, env, dest)
}

// SendBestEffort sends env once without an id.
func (n *Node) SendBestEffort(ctx context.Context, env protocol.Envelope, dest netip.AddrPort) error {
	return n.sender.Send(ctx, env.WithID(""), dest)
}

// Broadcast sends env to every directory address except exclude. A reliable
// env is sent reliably with its own id per peer. Per-peer failures are
// logged and skipped. It returns the number of peers sent to.
func (n *Node) Broadcast(ctx context.Context, env protocol.Envelope, exclude netip.AddrPort) int {
	reliableSend := env.Reliable()
	sent := 0
	for _, addr := range n.directory.Addresses(exclude) {
		var err error
		if reliableSend {
			err = n.SendReliable(ctx, env.WithID(""), addr)
		} else {
			err = n.SendBestEffort(ctx, env, addr)
		}
		if err != nil {
			n.logger.Warn().Err(err).Str("remote", addr.String()).Str("category", env.Category).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

func (n *Node) deliveryFailed(ctx context.Context, failure *reliable.DeliveryFailure) {
	if n.bus == nil {
		return
	}
	d := failure.Delivery
	n.bus.Emit(ctx, events.Event{
		Type:   events.EventDeliveryFailed,
		Source: "reliable",
		Payload: events.DeliveryFailedPayload{
			Destination: d.Destination.String(),
			MessageID:   d.MessageID,
			Category:    d.Category,
			Attempts:    d.Attempts,
			Reason:      failure.Err.Error(),
			FirstSentAt: d.CreatedAt,
		},
	})
}

// LocalAddr returns the bound socket address.
func (n *Node) LocalAddr() netip.AddrPort { return n.transport.LocalAddr() }

// Role returns the node role.
func (n *Node) Role() Role { return n.role }

// Directory returns the session directory.
func (n *Node) Directory() *lobby.Directory { return n.directory }

// Games returns the game session store.
func (n *Node) Games() *lobby.GameStore { return n.games }

// Ledger returns the ack ledger.
func (n *Node) Ledger() *reliable.Ledger { return n.ledger }

// Stats snapshots the node counters.
func (n *Node) Stats() NodeStats {
	return NodeStats{
		Role:      n.role,
		Address:   n.LocalAddr().String(),
		Transport: n.transport.Stats(),
		Pool:      n.pool.Stats(),
		Pending:   n.ledger.Len(),
		Users:     n.directory.Len(),
		Games:     n.games.Len(),
		StartedAt: n.startedAt,
	}
}

// Close releases the socket of a node that was never run.
func (n *Node) Close() error {
	return n.transport.Close()
}
