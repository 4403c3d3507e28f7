package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore-project/relaycore/internal/events"
	"github.com/relaycore-project/relaycore/internal/lobby"
	"github.com/relaycore-project/relaycore/internal/protocol"
)

type sent struct {
	env      protocol.Envelope
	dest     netip.AddrPort
	reliable bool
}

type fakeOut struct {
	mu         sync.Mutex
	sent       []sent
	broadcasts []protocol.Envelope
	excluded   []netip.AddrPort
}

func (f *fakeOut) SendReliable(_ context.Context, env protocol.Envelope, dest netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{env: env, dest: dest, reliable: true})
	return nil
}

func (f *fakeOut) SendBestEffort(_ context.Context, env protocol.Envelope, dest netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{env: env, dest: dest})
	return nil
}

func (f *fakeOut) Broadcast(_ context.Context, env protocol.Envelope, exclude netip.AddrPort) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, env)
	f.excluded = append(f.excluded, exclude)
	return 2
}

type fakeAcks struct {
	acked []string
}

func (f *fakeAcks) HandleAck(_ netip.AddrPort, id string) bool {
	f.acked = append(f.acked, id)
	return true
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	reg     *Registry
	out     *fakeOut
	acks    *fakeAcks
	emitter *recordingEmitter
	dir     *lobby.Directory
	games   *lobby.GameStore
}

var clientA = netip.MustParseAddrPort("127.0.0.1:40001")

func newFixture() *fixture {
	f := &fixture{
		reg:     NewRegistry(),
		out:     &fakeOut{},
		acks:    &fakeAcks{},
		emitter: &recordingEmitter{},
		dir:     lobby.NewDirectory(),
		games:   lobby.NewGameStore(),
	}
	b := &Builtins{
		Directory: f.dir,
		Games:     f.games,
		Acks:      f.acks,
		Out:       f.out,
		Events:    f.emitter,
		Commands:  NewCommandRegistry(),
	}
	b.Consumer = EventConsumer{Events: f.emitter}
	b.Register(f.reg)
	b.Commands.Seal()
	f.reg.Seal()
	return f
}

func (f *fixture) dispatch(t *testing.T, env protocol.Envelope) error {
	t.Helper()
	return f.reg.Dispatch(context.Background(), NewInbound(env, clientA, time.Now()))
}

func TestRegistry_UnknownCategory(t *testing.T) {
	f := newFixture()

	err := f.dispatch(t, protocol.Envelope{Category: "WHATEVER"})
	var dErr *DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.Equal(t, "WHATEVER", dErr.Category)
}

func TestRegistry_CategoryIsNormalized(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.dispatch(t, protocol.Envelope{Category: " ack ", Params: []any{"m1"}}))
	assert.Equal(t, []string{"m1"}, f.acks.acked)
}

func TestRegistry_RegistrationRules(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, *Inbound) error { return nil }

	reg.Register("chat", noop)
	assert.Panics(t, func() { reg.Register("CHAT", noop) }, "duplicate")
	assert.Panics(t, func() { reg.Register(" ", noop) }, "empty name")

	reg.Seal()
	assert.Panics(t, func() { reg.Register("GAME", noop) }, "after seal")
	assert.Equal(t, []string{"CHAT"}, reg.Categories())
}

func TestRegistry_PanicBecomesHandlerFault(t *testing.T) {
	reg := NewRegistry()
	reg.Register("BOOM", func(context.Context, *Inbound) error { panic("kaboom") })
	reg.Seal()

	err := reg.Dispatch(context.Background(), NewInbound(protocol.Envelope{Category: "BOOM"}, clientA, time.Now()))
	var fault *HandlerFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "kaboom", fault.Panic)
	assert.NotEmpty(t, fault.Stack)
}

func TestRequest_UnknownCommand(t *testing.T) {
	f := newFixture()

	err := f.dispatch(t, protocol.NewRequest("", "DANCE", "alice"))
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Empty(t, f.out.sent, "unknown commands get no reply")

	_, ok := f.dir.Lookup("alice")
	assert.True(t, ok, "sender is bound before command lookup")
}

func TestRequest_CreateJoinStart(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.dispatch(t, protocol.NewRequest("u1", " creategame ", "alice", "Dungeon1")))
	game, err := f.games.Resolve("Dungeon1")
	require.NoError(t, err)
	snap := game.Snapshot()
	assert.False(t, snap.Started)
	assert.Empty(t, snap.Members)

	require.Len(t, f.out.sent, 1)
	reply := f.out.sent[0]
	assert.False(t, reply.reliable)
	assert.Equal(t, clientA, reply.dest)
	assert.Equal(t, []any{game.ID(), "Dungeon1", int64(1)}, reply.env.Params)

	require.NoError(t, f.dispatch(t, protocol.NewRequest("u2", "CREATEGAME", "alice", "Dungeon1")))
	assert.Equal(t, 1, f.games.Len())

	require.NoError(t, f.dispatch(t, protocol.NewRequest("u3", "JOINGAME", "alice", "Dungeon1", "alice", "default")))
	require.NoError(t, f.dispatch(t, protocol.NewRequest("u4", "JOINGAME", "alice", game.ID(), "alice", "default")))
	assert.Equal(t, []string{"alice"}, game.Snapshot().Members)

	addr, ok := f.dir.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, clientA, addr)

	require.NoError(t, f.dispatch(t, protocol.NewRequest("u5", "STARTGAME", "alice", game.ID())))
	require.NoError(t, f.dispatch(t, protocol.NewRequest("u6", "STARTGAME", "alice", game.ID())))
	assert.True(t, game.Started())

	assert.Equal(t, []events.EventType{
		events.EventUserBound,
		events.EventGameCreated,
		events.EventPlayerJoined,
		events.EventGameStarted,
	}, f.emitter.types())
}

func TestRequest_JoinFallsBackToSender(t *testing.T) {
	f := newFixture()
	game, _, err := f.games.Create("Arena")
	require.NoError(t, err)

	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "JOINGAME", "bob", "Arena")))
	assert.True(t, game.IsMember("bob"))

	err = f.dispatch(t, protocol.NewRequest("", "JOINGAME", "", "Arena"))
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRequest_CreateObject(t *testing.T) {
	f := newFixture()
	game, _, err := f.games.Create("Keep")
	require.NoError(t, err)

	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "CREATEGO", "alice",
		game.ID(), "door", "door-1", 1, 2, 3.5, "4", game.ID())))

	obj, ok := game.Object("door-1")
	require.True(t, ok)
	assert.Equal(t, lobby.GameObject{Kind: "door", Name: "door-1", X: 1, Y: 2, W: 3.5, H: 4, Owner: game.ID()}, obj)

	err = f.dispatch(t, protocol.NewRequest("", "CREATEGO", "alice", game.ID(), "door", "door-2", "wide"))
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, CommandCreateObject, cmdErr.Command)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRequest_MalformedInputIsTotal(t *testing.T) {
	f := newFixture()
	game, _, err := f.games.Create("g")
	require.NoError(t, err)

	tests := []struct {
		name string
		env  protocol.Envelope
		want error
	}{
		{"create without name", protocol.NewRequest("", "CREATEGAME", "a"), ErrInvalidParams},
		{"create blank name", protocol.NewRequest("", "CREATEGAME", "a", "  "), lobby.ErrEmptyGameName},
		{"join without game", protocol.NewRequest("", "JOINGAME", "a"), ErrInvalidParams},
		{"join unknown game", protocol.NewRequest("", "JOINGAME", "a", "nope"), lobby.ErrGameNotFound},
		{"start unknown game", protocol.NewRequest("", "STARTGAME", "a", "nope"), lobby.ErrGameNotFound},
		{"object unknown game", protocol.NewRequest("", "CREATEGO", "a", "nope"), lobby.ErrGameNotFound},
		{"ack without id", protocol.Envelope{Category: protocol.CategoryAck}, ErrInvalidParams},
		{"object NaN geometry", protocol.NewRequest("", "CREATEGO", "a", "g", "door", "d1", "NaN", 1, 1, 1, "a"), ErrInvalidParams},
		{"object infinite geometry", protocol.NewRequest("", "CREATEGO", "a", "g", "door", "d2", 1, "Inf", 1, 1, "a"), ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.ErrorIs(t, f.dispatch(t, tt.env), tt.want)
			})
		})
	}

	assert.Empty(t, game.Snapshot().Objects, "rejected objects are not stored")
	_, err = json.Marshal(f.games.List())
	assert.NoError(t, err)
}

func TestRequest_PingAndListGames(t *testing.T) {
	f := newFixture()
	_, _, err := f.games.Create("One")
	require.NoError(t, err)

	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "PING", "a", "hello", 7)))
	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "LISTGAMES", "a")))

	require.Len(t, f.out.sent, 2)
	pong := f.out.sent[0].env
	assert.Equal(t, ResponsePong, pong.Command)
	assert.Equal(t, []any{"hello", int64(7)}, pong.Params)

	games := f.out.sent[1].env
	assert.Equal(t, ResponseGames, games.Command)
	require.Len(t, games.Params, 4)
	assert.Equal(t, "One", games.Params[1])
	assert.Equal(t, int64(0), games.Params[2])
	assert.Equal(t, int64(0), games.Params[3])
}

func TestRequest_ListGamesPagesToOneDatagram(t *testing.T) {
	f := newFixture()
	for i := 0; i < 60; i++ {
		_, _, err := f.games.Create(fmt.Sprintf("Dungeon-%02d", i))
		require.NoError(t, err)
	}
	all := f.games.List()

	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "LISTGAMES", "a")))
	first := f.out.sent[0].env
	line, err := protocol.Encode(first)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(line), protocol.DefaultMaxDatagramSize)

	shown := len(first.Params) / 4
	require.Positive(t, shown)
	require.Less(t, shown, len(all))
	assert.Equal(t, all[0].ID, first.Params[0])

	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "LISTGAMES", "a", shown)))
	second := f.out.sent[1].env
	require.NotEmpty(t, second.Params)
	assert.Equal(t, all[shown].ID, second.Params[0])

	require.NoError(t, f.dispatch(t, protocol.NewRequest("", "LISTGAMES", "a", 1000)))
	assert.Empty(t, f.out.sent[2].env.Params, "offset past the end yields an empty list")

	assert.ErrorIs(t, f.dispatch(t, protocol.NewRequest("", "LISTGAMES", "a", -1)), ErrInvalidParams)
}

func TestChat_BroadcastExcludesSender(t *testing.T) {
	f := newFixture()

	chat := protocol.Envelope{Category: protocol.CategoryChat, Params: []any{"hi"}}
	require.NoError(t, f.dispatch(t, chat))

	require.Len(t, f.out.broadcasts, 1)
	assert.Equal(t, chat, f.out.broadcasts[0])
	assert.Equal(t, clientA, f.out.excluded[0])
}

func TestGame_ConsumedThenBroadcastBestEffort(t *testing.T) {
	f := newFixture()

	env := protocol.Envelope{ID: "g1", Category: protocol.CategoryGame, Params: []any{"move", 1.5}, Sender: "alice"}
	require.NoError(t, f.dispatch(t, env))

	require.Len(t, f.out.broadcasts, 1)
	assert.Empty(t, f.out.broadcasts[0].ID)
	assert.Equal(t, []events.EventType{events.EventGameUpdate}, f.emitter.types())
}

func TestWorkerPool_RunsAndRecovers(t *testing.T) {
	pool := NewWorkerPool(2, 16)
	pool.Start(context.Background())

	var done atomic.Int32
	require.True(t, pool.Submit(func(context.Context) { panic("bad message") }))
	for i := 0; i < 10; i++ {
		require.True(t, pool.Submit(func(context.Context) { done.Add(1) }))
	}
	pool.Stop()

	assert.Equal(t, int32(10), done.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(11), stats.Completed)
	assert.Equal(t, uint64(1), stats.Panics)
	assert.False(t, pool.Submit(func(context.Context) {}), "stopped pool rejects work")
}

func TestWorkerPool_FullQueueDrops(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	pool.Start(context.Background())

	require.True(t, pool.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.True(t, pool.Submit(func(context.Context) {}))
	assert.False(t, pool.Submit(func(context.Context) {}))
	assert.Equal(t, uint64(1), pool.Stats().Dropped)

	close(release)
	pool.Stop()
}

func TestWorkerPool_RunStopsOnCancel(t *testing.T) {
	pool := NewWorkerPool(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
