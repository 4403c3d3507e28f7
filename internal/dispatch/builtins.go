package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/events"
	"github.com/relaycore-project/relaycore/internal/lobby"
	"github.com/relaycore-project/relaycore/internal/protocol"
	"github.com/relaycore-project/relaycore/internal/util"
)

// Built-in REQUEST commands.
const (
	CommandCreateGame   = "CREATEGAME"
	CommandJoinGame     = "JOINGAME"
	CommandCreateObject = "CREATEGO"
	CommandStartGame    = "STARTGAME"
	CommandPing         = "PING"
	CommandListGames    = "LISTGAMES"

	// Commands of RESPONSE envelopes sent back by the built-ins.
	ResponsePong        = "PONG"
	ResponseGames       = "GAMES"
	ResponseGameCreated = "CREATEGAME"
)

// ErrInvalidParams is wrapped by CommandError when a command's parameters
// are missing or of the wrong shape.
var ErrInvalidParams = errors.New("invalid parameters")

// CommandError reports a command that could not be applied.
type CommandError struct {
	Command string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Command, e.Reason, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func invalid(command, format string, args ...any) *CommandError {
	return &CommandError{Command: command, Reason: fmt.Sprintf(format, args...), Err: ErrInvalidParams}
}

// Outbound is the send side the handlers reply and forward through.
type Outbound interface {
	SendReliable(ctx context.Context, env protocol.Envelope, dest netip.AddrPort) error
	SendBestEffort(ctx context.Context, env protocol.Envelope, dest netip.AddrPort) error
	Broadcast(ctx context.Context, env protocol.Envelope, exclude netip.AddrPort) int
}

// AckSink retires acknowledged deliveries.
type AckSink interface {
	HandleAck(from netip.AddrPort, id string) bool
}

// GameConsumer receives every GAME envelope before it is rebroadcast.
type GameConsumer interface {
	ConsumeGame(ctx context.Context, in *Inbound) error
}

// Emitter publishes lobby events.
type Emitter interface {
	Emit(ctx context.Context, event events.Event)
}

// EventConsumer is the default GameConsumer: it publishes each update on
// the event bus and keeps no state.
type EventConsumer struct {
	Events Emitter
}

func (c EventConsumer) ConsumeGame(ctx context.Context, in *Inbound) error {
	if c.Events == nil {
		return nil
	}
	c.Events.Emit(ctx, events.Event{
		Type:   events.EventGameUpdate,
		Source: "dispatch",
		Payload: events.GameUpdatePayload{
			From:     in.From.String(),
			Username: in.Username,
			Params:   in.Envelope.Params,
		},
	})
	return nil
}

// Builtins holds the collaborators of the built-in category and command
// handlers.
type Builtins struct {
	Directory *lobby.Directory
	Games     *lobby.GameStore
	Acks      AckSink
	Out       Outbound
	Consumer  GameConsumer
	Events    Emitter
	Commands  *CommandRegistry

	// Codec bounds reply sizes. The zero value uses the default datagram
	// size.
	Codec protocol.Codec

	logger zerolog.Logger
}

// Register installs the server categories on reg and the built-in
// commands on b.Commands. Neither registry is sealed here.
func (b *Builtins) Register(reg *Registry) {
	b.RegisterClient(reg)

	reg.Register(protocol.CategoryChat, b.handleChat)
	reg.Register(protocol.CategoryGame, b.handleGame)
	reg.Register(protocol.CategoryRequest, b.handleRequest)

	b.Commands.Register(CommandCreateGame, b.createGame)
	b.Commands.Register(CommandJoinGame, b.joinGame)
	b.Commands.Register(CommandCreateObject, b.createObject)
	b.Commands.Register(CommandStartGame, b.startGame)
	b.Commands.Register(CommandPing, b.ping)
	b.Commands.Register(CommandListGames, b.listGames)
}

// RegisterClient installs only ACK handling. Clients register their own
// CHAT, GAME and RESPONSE handlers.
func (b *Builtins) RegisterClient(reg *Registry) {
	b.logger = util.ComponentLogger("dispatch")
	reg.Register(protocol.CategoryAck, b.handleAck)
}

func (b *Builtins) emit(ctx context.Context, typ events.EventType, payload any) {
	if b.Events == nil {
		return
	}
	b.Events.Emit(ctx, events.Event{Type: typ, Source: "dispatch", Payload: payload})
}

func (b *Builtins) handleAck(ctx context.Context, in *Inbound) error {
	id, ok := in.Envelope.StringParam(0)
	if !ok || id == "" {
		return invalid(protocol.CategoryAck, "missing acknowledged id")
	}
	b.Acks.HandleAck(in.From, id)
	return nil
}

// handleChat forwards to everyone but the sender. Reliable chat is forwarded
// reliably, each peer getting its own id.
func (b *Builtins) handleChat(ctx context.Context, in *Inbound) error {
	sent := b.Out.Broadcast(ctx, in.Envelope, in.From)
	b.logger.Debug().
		Str("remote", in.From.String()).
		Int("peers", sent).
		Bool("reliable", in.Envelope.Reliable()).
		Msg("chat forwarded")
	return nil
}

func (b *Builtins) handleGame(ctx context.Context, in *Inbound) error {
	if b.Consumer != nil {
		if err := b.Consumer.ConsumeGame(ctx, in); err != nil {
			b.logger.Warn().Err(err).Str("remote", in.From.String()).Msg("game consumer failed")
		}
	}
	b.Out.Broadcast(ctx, in.Envelope.WithID(""), in.From)
	return nil
}

func (b *Builtins) handleRequest(ctx context.Context, in *Inbound) error {
	if in.Username != "" {
		entry, created := b.Directory.Bind(in.Username, in.From)
		if created {
			b.logger.Info().
				Str("user", entry.Username).
				Str("remote", entry.Address.String()).
				Msg("user bound")
			b.emit(ctx, events.EventUserBound, events.UserBoundPayload{
				Username: entry.Username,
				Address:  entry.Address.String(),
			})
		}
	}
	return b.Commands.Dispatch(ctx, in.Envelope.NormalizedCommand(), in)
}

func (b *Builtins) resolveGame(command string, in *Inbound, i int) (*lobby.GameSession, error) {
	ref, ok := in.Envelope.StringParam(i)
	if !ok || ref == "" {
		return nil, invalid(command, "missing game reference")
	}
	game, err := b.Games.Resolve(ref)
	if err != nil {
		return nil, &CommandError{Command: command, Reason: fmt.Sprintf("game %q", ref), Err: err}
	}
	return game, nil
}

// createGame: CREATEGAME(name). Creating an existing name returns the
// existing session.
func (b *Builtins) createGame(ctx context.Context, in *Inbound) error {
	name, ok := in.Envelope.StringParam(0)
	if !ok {
		return invalid(CommandCreateGame, "missing game name")
	}
	game, created, err := b.Games.Create(name)
	if err != nil {
		return &CommandError{Command: CommandCreateGame, Reason: "create", Err: err}
	}

	if created {
		b.logger.Info().Str("game", game.ID()).Str("name", game.Name()).Str("user", in.Username).Msg("game created")
		b.emit(ctx, events.EventGameCreated, events.GamePayload{
			GameID:   game.ID(),
			GameName: game.Name(),
			Username: in.Username,
		})
	}

	reply := protocol.Envelope{
		Category: protocol.CategoryResponse,
		Command:  ResponseGameCreated,
		Params:   protocol.Params(game.ID(), game.Name(), created),
	}
	return b.reply(ctx, reply, in.From)
}

// joinGame: JOINGAME(gameRef, username, currentGameRef). The username falls
// back to the envelope sender.
func (b *Builtins) joinGame(ctx context.Context, in *Inbound) error {
	game, err := b.resolveGame(CommandJoinGame, in, 0)
	if err != nil {
		return err
	}
	username, _ := in.Envelope.StringParam(1)
	if username == "" {
		username = in.Username
	}
	if username == "" {
		return invalid(CommandJoinGame, "missing username")
	}

	if game.Join(username) {
		current, _ := in.Envelope.StringParam(2)
		b.logger.Info().Str("game", game.ID()).Str("user", username).Str("previous", current).Msg("player joined")
		b.emit(ctx, events.EventPlayerJoined, events.GamePayload{
			GameID:   game.ID(),
			GameName: game.Name(),
			Username: username,
			Detail:   current,
		})
	}
	return nil
}

// createObject: CREATEGO(sessionRef, kind, name, x, y, w, h, ownerRef).
func (b *Builtins) createObject(ctx context.Context, in *Inbound) error {
	game, err := b.resolveGame(CommandCreateObject, in, 0)
	if err != nil {
		return err
	}
	env := in.Envelope
	kind, _ := env.StringParam(1)
	name, ok := env.StringParam(2)
	if !ok || name == "" {
		return invalid(CommandCreateObject, "missing object name")
	}

	var geom [4]float64
	for i := range geom {
		v, err := env.FloatParam(3 + i)
		if err != nil {
			return &CommandError{Command: CommandCreateObject, Reason: "geometry", Err: fmt.Errorf("%w: %v", ErrInvalidParams, err)}
		}
		geom[i] = v
	}
	owner, _ := env.StringParam(7)

	replaced := game.PutObject(lobby.GameObject{
		Kind:  kind,
		Name:  name,
		X:     geom[0],
		Y:     geom[1],
		W:     geom[2],
		H:     geom[3],
		Owner: owner,
	})

	b.emit(ctx, events.EventObjectCreated, events.GamePayload{
		GameID:   game.ID(),
		GameName: game.Name(),
		Username: in.Username,
		Object:   name,
		Detail:   kind,
	})
	b.logger.Debug().Str("game", game.ID()).Str("object", name).Bool("replaced", replaced).Msg("game object recorded")
	return nil
}

// startGame: STARTGAME(gameRef). Starting a started game is a no-op.
func (b *Builtins) startGame(ctx context.Context, in *Inbound) error {
	game, err := b.resolveGame(CommandStartGame, in, 0)
	if err != nil {
		return err
	}
	if game.Start() {
		b.logger.Info().Str("game", game.ID()).Str("user", in.Username).Msg("game started")
		b.emit(ctx, events.EventGameStarted, events.GamePayload{
			GameID:   game.ID(),
			GameName: game.Name(),
			Username: in.Username,
		})
	}
	return nil
}

func (b *Builtins) ping(ctx context.Context, in *Inbound) error {
	reply := protocol.Envelope{
		Category: protocol.CategoryResponse,
		Command:  ResponsePong,
		Params:   in.Envelope.Params,
	}
	return b.reply(ctx, reply, in.From)
}

// listGames: LISTGAMES(offset). The reply carries [id, name, started,
// members] for as many games as fit in one datagram, starting at offset.
// Clients page by asking again from offset plus the tuples received.
func (b *Builtins) listGames(ctx context.Context, in *Inbound) error {
	offset := 0
	if in.Envelope.Param(0) != nil {
		n, err := in.Envelope.IntParam(0)
		if err != nil || n < 0 {
			return invalid(CommandListGames, "bad offset")
		}
		offset = int(min(n, int64(b.Games.Len())))
	}

	games := b.Games.List()
	reply := protocol.Envelope{
		Category: protocol.CategoryResponse,
		Command:  ResponseGames,
	}
	for _, g := range games[min(offset, len(games)):] {
		candidate := append(reply.Params[:len(reply.Params):len(reply.Params)],
			protocol.Params(g.ID, g.Name, g.Started, len(g.Members))...)
		next := reply
		next.Params = candidate
		if _, err := b.Codec.Encode(next); err != nil {
			break
		}
		reply = next
	}
	if shown := len(reply.Params) / 4; offset+shown < len(games) {
		b.logger.Debug().Int("offset", offset).Int("shown", shown).Int("total", len(games)).Msg("game list truncated to one datagram")
	}
	return b.reply(ctx, reply, in.From)
}

func (b *Builtins) reply(ctx context.Context, env protocol.Envelope, to netip.AddrPort) error {
	if err := b.Out.SendBestEffort(ctx, env, to); err != nil {
		return fmt.Errorf("reply %s/%s to %s: %w", env.Category, env.Command, to, err)
	}
	return nil
}
