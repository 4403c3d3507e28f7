// Package events defines the event types published through the relaycore
// event bus.
package events

import "time"

// EventType names a kind of event emitted through the EventBus.
type EventType string

const (
	// Lobby events
	EventUserBound     EventType = "user.bound"
	EventGameCreated   EventType = "game.created"
	EventPlayerJoined  EventType = "game.joined"
	EventGameStarted   EventType = "game.started"
	EventObjectCreated EventType = "game.object_created"
	EventGameUpdate    EventType = "game.update"

	// Transport events
	EventDeliveryFailed EventType = "delivery.failed"

	// System events
	EventShutdown EventType = "shutdown"
)

// LobbyEventTypes lists every game lifecycle event, in the order a game
// normally goes through them.
var LobbyEventTypes = []EventType{
	EventGameCreated,
	EventPlayerJoined,
	EventObjectCreated,
	EventGameStarted,
}

// Event is a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// UserBoundPayload is emitted when a username is first bound to an address.
type UserBoundPayload struct {
	Username string `json:"username"`
	Address  string `json:"address"`
}

// GamePayload describes a game lifecycle change.
type GamePayload struct {
	GameID   string `json:"game_id"`
	GameName string `json:"game_name"`
	Username string `json:"username,omitempty"`
	Object   string `json:"object,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// GameUpdatePayload carries a GAME envelope handed to the game-state consumer.
type GameUpdatePayload struct {
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Params   []any  `json:"params"`
}

// DeliveryFailedPayload is emitted when a reliable delivery is abandoned.
type DeliveryFailedPayload struct {
	Destination string    `json:"destination"`
	MessageID   string    `json:"message_id"`
	Category    string    `json:"category"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	FirstSentAt time.Time `json:"first_sent_at"`
}
