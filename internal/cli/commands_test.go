package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore-project/relaycore/internal/core"
	"github.com/relaycore-project/relaycore/internal/db"
	"github.com/relaycore-project/relaycore/internal/lobby"
	"github.com/relaycore-project/relaycore/internal/reliable"
)

type fakeNode struct {
	directory *lobby.Directory
	games     *lobby.GameStore
	ledger    *reliable.Ledger
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		directory: lobby.NewDirectory(),
		games:     lobby.NewGameStore(),
		ledger:    reliable.NewLedger(reliable.DefaultLedgerConfig()),
	}
}

func (f *fakeNode) Stats() core.NodeStats {
	return core.NodeStats{
		Role:      core.RoleServer,
		Address:   "0.0.0.0:7777",
		Users:     f.directory.Len(),
		Games:     f.games.Len(),
		Pending:   f.ledger.Len(),
		StartedAt: time.Now(),
	}
}
func (f *fakeNode) Directory() *lobby.Directory { return f.directory }
func (f *fakeNode) Games() *lobby.GameStore     { return f.games }
func (f *fakeNode) Ledger() *reliable.Ledger    { return f.ledger }

type fakeFailures struct {
	records []db.FailureRecord
	err     error
	limit   int
}

func (f *fakeFailures) RecentFailures(_ context.Context, limit int) ([]db.FailureRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func run(t *testing.T, node NodeView, journal FailureSource, input string) (string, bool) {
	t.Helper()
	var out bytes.Buffer
	quit := false
	c := NewCLI(strings.NewReader(input), &out, node, journal, func() { quit = true })
	c.Start(context.Background())
	return out.String(), quit
}

func TestCLI_ListsLobbyState(t *testing.T) {
	node := newFakeNode()
	node.directory.Bind("alice", netip.MustParseAddrPort("127.0.0.1:5000"))
	game, _, err := node.games.Create("Dungeon1")
	require.NoError(t, err)
	game.Join("alice")
	node.ledger.RegisterPending(netip.MustParseAddrPort("127.0.0.1:5000"), "u1", "CHAT", []byte("x"))

	out, _ := run(t, node, nil, "users\ngames\npending\n")

	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "127.0.0.1:5000")
	assert.Contains(t, out, "Dungeon1")
	assert.Contains(t, out, game.ID())
	assert.Contains(t, out, "u1")
	assert.Contains(t, out, "CHAT")
}

func TestCLI_GameDetail(t *testing.T) {
	node := newFakeNode()
	game, _, err := node.games.Create("Dungeon1")
	require.NoError(t, err)
	game.Join("bob")
	game.PutObject(lobby.GameObject{Kind: "Player", Name: "hero", X: 1, Y: 2, W: 3, H: 4, Owner: "bob"})

	out, _ := run(t, node, nil, "game Dungeon1\ngame missing\ngame\n")

	assert.Contains(t, out, "Game ID:      "+game.ID())
	assert.Contains(t, out, "- bob")
	assert.Contains(t, out, "Player hero at (1, 2) size 3x4 owner bob")
	assert.Contains(t, out, "Error: "+lobby.ErrGameNotFound.Error())
	assert.Contains(t, out, "usage: game <id|name>")
}

func TestCLI_Status(t *testing.T) {
	out, _ := run(t, newFakeNode(), nil, "status\n")

	assert.Contains(t, out, "Role:         server")
	assert.Contains(t, out, "Address:      0.0.0.0:7777")
}

func TestCLI_Failures(t *testing.T) {
	journal := &fakeFailures{records: []db.FailureRecord{{
		MessageID:   "m1",
		Destination: "127.0.0.1:9000",
		Category:    "CHAT",
		Attempts:    6,
		Reason:      "retries exhausted",
		RecordedAt:  time.Now(),
	}}}

	out, _ := run(t, newFakeNode(), journal, "failures 5\n")
	assert.Equal(t, 5, journal.limit)
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "retries exhausted")

	out, _ = run(t, newFakeNode(), journal, "failures zero\n")
	assert.Contains(t, out, "invalid count")

	out, _ = run(t, newFakeNode(), &fakeFailures{err: errors.New("db locked")}, "failures\n")
	assert.Contains(t, out, "Error: db locked")

	out, _ = run(t, newFakeNode(), nil, "failures\n")
	assert.Contains(t, out, "journal is disabled")
}

func TestCLI_QuitStopsLoop(t *testing.T) {
	node := newFakeNode()
	node.directory.Bind("carol", netip.MustParseAddrPort("127.0.0.1:5001"))

	out, quit := run(t, node, nil, "HELP\nbogus\nquit\nusers\n")

	assert.True(t, quit)
	assert.Contains(t, out, "failures [n]")
	assert.Contains(t, out, "Unknown command: 'bogus'")
	assert.NotContains(t, out, "carol", "commands after quit are not run")
}

func TestCLI_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		NewCLI(pr, &out, newFakeNode(), nil, nil).Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console did not stop on cancel")
	}
}
