package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore-project/relaycore/internal/config"
	"github.com/relaycore-project/relaycore/internal/core"
	"github.com/relaycore-project/relaycore/internal/db"
	"github.com/relaycore-project/relaycore/internal/events"
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
		Address:   "127.0.0.1:7777",
		Pending:   f.ledger.Len(),
		Users:     f.directory.Len(),
		Games:     f.games.Len(),
		StartedAt: time.Now().Add(-time.Minute),
	}
}
func (f *fakeNode) Directory() *lobby.Directory { return f.directory }
func (f *fakeNode) Games() *lobby.GameStore     { return f.games }
func (f *fakeNode) Ledger() *reliable.Ledger    { return f.ledger }

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg config.APIConfig, journal JournalView) (*Server, *fakeNode) {
	t.Helper()
	node := newFakeNode()
	s := NewServer(cfg, "test", node, journal, false)
	return s, node
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rec, body := get(t, s, "/api/public/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestInfo(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rec, body := get(t, s, "/api/public/info")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "server", body["role"])
	assert.Equal(t, "127.0.0.1:7777", body["address"])
	assert.NotEmpty(t, body["go_version"])
}

func TestLobbyRoutes(t *testing.T) {
	s, node := newTestServer(t, config.APIConfig{}, nil)

	node.directory.Bind("alice", netip.MustParseAddrPort("127.0.0.1:5000"))
	game, _, err := node.games.Create("Dungeon1")
	require.NoError(t, err)
	game.Join("alice")

	rec, body := get(t, s, "/api/lobby/users")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	users := body["users"].([]any)
	assert.Equal(t, "127.0.0.1:5000", users[0].(map[string]any)["address"])

	rec, body = get(t, s, "/api/lobby/games")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, body = get(t, s, "/api/lobby/games/Dungeon1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, game.ID(), body["id"])
	assert.Equal(t, []any{"alice"}, body["members"])

	rec, body = get(t, s, "/api/lobby/games/"+game.ID())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dungeon1", body["name"])

	rec, _ = get(t, s, "/api/lobby/games/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyListsAreArrays(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	for _, path := range []string{"/api/lobby/users", "/api/lobby/games", "/api/transport/pending"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotContains(t, rec.Body.String(), "null", path)
	}
}

func TestPending(t *testing.T) {
	s, node := newTestServer(t, config.APIConfig{}, nil)
	dest := netip.MustParseAddrPort("127.0.0.1:6000")
	node.ledger.RegisterPending(dest, "u1", "CHAT", []byte("secret"))

	rec, body := get(t, s, "/api/transport/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	pending := body["pending"].([]any)[0].(map[string]any)
	assert.Equal(t, "u1", pending["message_id"])
	assert.Equal(t, "127.0.0.1:6000", pending["destination"])
	assert.NotContains(t, pending, "payload")

	rec, body = get(t, s, "/api/transport/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["pending"])
}

func TestFailures(t *testing.T) {
	journal, err := db.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer journal.Close()

	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, journal.RecordFailure(ctx, events.DeliveryFailedPayload{MessageID: id, Attempts: 6}, time.Now()))
	}
	require.NoError(t, journal.RecordGameEvent(ctx, events.EventGameCreated, events.GamePayload{GameID: "g1"}, time.Now()))

	s, _ := newTestServer(t, config.APIConfig{}, journal)

	rec, body := get(t, s, "/api/journal/failures?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["total"])

	rec, _ = get(t, s, "/api/journal/failures?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = get(t, s, "/api/journal/games/g1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
}

func TestFailures_JournalDisabled(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rec, _ := get(t, s, "/api/journal/failures")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownAPIRoute(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rec, body := get(t, s, "/api/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{RateLimitRPS: 1}, nil)

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		rec, _ := get(t, s, "/api/public/ping")
		codes[i] = rec.Code
		last = rec
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "1", last.Header().Get("Retry-After"))
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()

	allowed := func(ip string, at time.Time) bool {
		ok, _ := rl.allow(ip, at)
		return ok
	}

	assert.True(t, allowed("a", now))
	assert.True(t, allowed("a", now))

	ok, wait := rl.allow("a", now)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	assert.True(t, allowed("b", now), "buckets are per client")
	assert.True(t, allowed("a", now.Add(time.Second)))
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10)
	now := time.Now()

	rl.allow("a", now)
	rl.allow("b", now)
	assert.Equal(t, 2, rl.tracked())

	rl.allow("c", now.Add(2*sweepInterval))
	assert.Equal(t, 1, rl.tracked(), "only the active client remains")
}

func TestCORS_AllowedOrigin(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{AllowedOrigins: []string{"http://admin.test"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/public/ping", nil)
	req.Header.Set("Origin", "http://admin.test")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://admin.test", rec.Header().Get("Access-Control-Allow-Origin"))
}
