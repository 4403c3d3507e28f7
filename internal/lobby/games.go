package lobby

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrGameNotFound is returned when a game reference matches no session.
	ErrGameNotFound = errors.New("game not found")

	// ErrEmptyGameName is returned when creating a game without a name.
	ErrEmptyGameName = errors.New("game name is required")
)

// GameObject is a created game object recorded by CREATEGO. The core keeps
// only the generic tuple; object semantics belong to the game clients.
type GameObject struct {
	Kind  string  `json:"kind"`
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Owner string  `json:"owner"`
}

// GameSession is one game in the store. The started flag only moves from
// false to true and the member set only grows.
type GameSession struct {
	id        string
	name      string
	createdAt time.Time

	mu      sync.Mutex
	started bool
	members map[string]struct{}
	objects map[string]GameObject
}

func newGameSession(name string) *GameSession {
	return &GameSession{
		id:        uuid.NewString(),
		name:      name,
		createdAt: time.Now(),
		members:   make(map[string]struct{}),
		objects:   make(map[string]GameObject),
	}
}

// ID returns the session id.
func (g *GameSession) ID() string { return g.id }

// Name returns the display name.
func (g *GameSession) Name() string { return g.name }

// Join adds username to the member set. It returns false if the user was
// already a member.
func (g *GameSession) Join(username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[username]; ok {
		return false
	}
	g.members[username] = struct{}{}
	return true
}

// IsMember reports whether username has joined.
func (g *GameSession) IsMember(username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[username]
	return ok
}

// Start flips started to true. It returns false when the game had already
// started.
func (g *GameSession) Start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return false
	}
	g.started = true
	return true
}

// Started reports whether the game has started.
func (g *GameSession) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// PutObject records obj under its name, replacing any earlier object of the
// same name. It reports whether an object was replaced.
func (g *GameSession) PutObject(obj GameObject) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, replaced := g.objects[obj.Name]
	g.objects[obj.Name] = obj
	return replaced
}

// Object returns the object recorded under name.
func (g *GameSession) Object(name string) (GameObject, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[name]
	return obj, ok
}

// GameSnapshot is a copy of a session's state safe to hand out.
type GameSnapshot struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Started   bool                  `json:"started"`
	Members   []string              `json:"members"`
	Objects   map[string]GameObject `json:"objects"`
	CreatedAt time.Time             `json:"created_at"`
}

// Snapshot copies the session state.
func (g *GameSession) Snapshot() GameSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)

	objects := make(map[string]GameObject, len(g.objects))
	for k, v := range g.objects {
		objects[k] = v
	}

	return GameSnapshot{
		ID:        g.id,
		Name:      g.name,
		Started:   g.started,
		Members:   members,
		Objects:   objects,
		CreatedAt: g.createdAt,
	}
}

// GameStore maps game id -> session, with a unique name index. Sessions are
// never removed.
type GameStore struct {
	byID   sync.Map // string -> *GameSession
	byName sync.Map // string -> *GameSession
}

// NewGameStore creates an empty store.
func NewGameStore() *GameStore {
	return &GameStore{}
}

// Create inserts a new session named name unless one already exists. It
// returns the live session and whether this call created it.
func (s *GameStore) Create(name string) (*GameSession, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, ErrEmptyGameName
	}

	candidate := newGameSession(name)
	actual, loaded := s.byName.LoadOrStore(name, candidate)
	session := actual.(*GameSession)
	if loaded {
		return session, false, nil
	}

	s.byID.Store(session.id, session)
	return session, true, nil
}

// Get returns the session with the given id.
func (s *GameStore) Get(id string) (*GameSession, bool) {
	v, ok := s.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*GameSession), true
}

// Resolve finds a session by id first and then by display name.
func (s *GameStore) Resolve(ref string) (*GameSession, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrGameNotFound
	}
	if g, ok := s.Get(ref); ok {
		return g, nil
	}
	if v, ok := s.byName.Load(ref); ok {
		return v.(*GameSession), nil
	}
	return nil, ErrGameNotFound
}

// List snapshots every session ordered by creation time.
func (s *GameStore) List() []GameSnapshot {
	var out []GameSnapshot
	s.byName.Range(func(_, v any) bool {
		out = append(out, v.(*GameSession).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of sessions.
func (s *GameStore) Len() int {
	n := 0
	s.byName.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
