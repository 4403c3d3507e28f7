package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaycore-project/relaycore/internal/events"
)

// DefaultFailureLimit caps RecentFailures when the caller passes no limit.
const DefaultFailureLimit = 50

// Journal persists delivery failures and game lifecycle events.
type Journal struct {
	db *Database
}

// FailureRecord is one abandoned reliable delivery.
type FailureRecord struct {
	ID          int64     `json:"id"`
	Destination string    `json:"destination"`
	MessageID   string    `json:"message_id"`
	Category    string    `json:"category"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	FirstSentAt time.Time `json:"first_sent_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// GameEventRecord is one lobby event. User binds are recorded with an empty
// game id.
type GameEventRecord struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	GameID     string    `json:"game_id,omitempty"`
	GameName   string    `json:"game_name,omitempty"`
	Username   string    `json:"username,omitempty"`
	Object     string    `json:"object,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OpenJournal opens the journal database at path and migrates its schema.
func OpenJournal(path string) (*Journal, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database}
	if err := j.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS delivery_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			destination TEXT NOT NULL,
			message_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			first_sent_at INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS game_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			game_id TEXT NOT NULL DEFAULT '',
			game_name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			object TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_failures_recorded_at ON delivery_failures(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_game_events_game_id ON game_events(game_id);
		CREATE INDEX IF NOT EXISTS idx_game_events_recorded_at ON game_events(recorded_at);
	`

	if _, err := j.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	j.db.logger.Debug().Msg("journal schema migrated")
	return nil
}

// RecordFailure stores an abandoned delivery.
func (j *Journal) RecordFailure(ctx context.Context, f events.DeliveryFailedPayload, at time.Time) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO delivery_failures
			(destination, message_id, category, attempts, reason, first_sent_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Destination, f.MessageID, f.Category, f.Attempts, f.Reason,
		f.FirstSentAt.UnixMilli(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return nil
}

// RecordGameEvent stores a lobby event of the given kind.
func (j *Journal) RecordGameEvent(ctx context.Context, kind events.EventType, g events.GamePayload, at time.Time) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO game_events
			(kind, game_id, game_name, username, object, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(kind), g.GameID, g.GameName, g.Username, g.Object, g.Detail, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}

// RecentFailures returns the newest failures first. A non-positive limit
// selects DefaultFailureLimit.
func (j *Journal) RecentFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = DefaultFailureLimit
	}

	rows, err := j.db.Query(ctx,
		`SELECT id, destination, message_id, category, attempts, reason, first_sent_at, recorded_at
		FROM delivery_failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query delivery failures: %w", err)
	}
	defer rows.Close()

	out := []FailureRecord{}
	for rows.Next() {
		var (
			r                 FailureRecord
			firstSent, record int64
		)
		if err := rows.Scan(&r.ID, &r.Destination, &r.MessageID, &r.Category,
			&r.Attempts, &r.Reason, &firstSent, &record); err != nil {
			return nil, fmt.Errorf("scan delivery failure: %w", err)
		}
		r.FirstSentAt = time.UnixMilli(firstSent)
		r.RecordedAt = time.UnixMilli(record)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GameHistory returns the events of one game, oldest first.
func (j *Journal) GameHistory(ctx context.Context, gameID string) ([]GameEventRecord, error) {
	rows, err := j.db.Query(ctx,
		`SELECT id, kind, game_id, game_name, username, object, detail, recorded_at
		FROM game_events WHERE game_id = ? ORDER BY id ASC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query game history: %w", err)
	}
	defer rows.Close()
	return scanGameEvents(rows)
}

// RecentGameEvents returns the newest lobby events of any kind first.
func (j *Journal) RecentGameEvents(ctx context.Context, limit int) ([]GameEventRecord, error) {
	if limit <= 0 {
		limit = DefaultFailureLimit
	}
	rows, err := j.db.Query(ctx,
		`SELECT id, kind, game_id, game_name, username, object, detail, recorded_at
		FROM game_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query game events: %w", err)
	}
	defer rows.Close()
	return scanGameEvents(rows)
}

func scanGameEvents(rows *sql.Rows) ([]GameEventRecord, error) {
	out := []GameEventRecord{}
	for rows.Next() {
		var (
			r      GameEventRecord
			record int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.GameID, &r.GameName,
			&r.Username, &r.Object, &r.Detail, &record); err != nil {
			return nil, fmt.Errorf("scan game event: %w", err)
		}
		r.RecordedAt = time.UnixMilli(record)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes every record older than age and returns how many
// rows were removed.
func (j *Journal) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	var removed int64
	err := j.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"delivery_failures", "game_events"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE recorded_at < ?", cutoff)
			if err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	j.db.logger.Info().Int64("removed", removed).Dur("age", age).Msg("journal pruned")
	return removed, nil
}

// Subscribe records lobby and delivery failure events published on bus.
func (j *Journal) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventDeliveryFailed, "journal", j.onDeliveryFailed)
	bus.Subscribe(events.EventUserBound, "journal", j.onUserBound)
	for _, typ := range events.LobbyEventTypes {
		bus.Subscribe(typ, "journal", j.onGameEvent)
	}
}

func (j *Journal) onDeliveryFailed(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.DeliveryFailedPayload)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	return j.RecordFailure(ctx, p, e.Time)
}

func (j *Journal) onUserBound(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.UserBoundPayload)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	return j.RecordGameEvent(ctx, e.Type, events.GamePayload{Username: p.Username, Detail: p.Address}, e.Time)
}

func (j *Journal) onGameEvent(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.GamePayload)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Type, e.Payload)
	}
	return j.RecordGameEvent(ctx, e.Type, p, e.Time)
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
