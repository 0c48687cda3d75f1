package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/triframe/triframe/internal/events"
	"github.com/triframe/triframe/internal/persistence"
)

type eventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventsRepo creates the Postgres event log repository.
func NewEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.EventsRepo {
	return &eventsRepo{db: db, timeout: timeout}
}

const insertEventQuery = `
	INSERT INTO events (id, event_type, topic, user_id, user_broker_id,
		symbol, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *eventsRepo) InsertEvent(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for event %s: %w", ev.ID, err)
	}

	_, err = r.db.ExecContext(ctx, insertEventQuery,
		ev.ID, ev.Type, ev.Topic, ev.UserID, ev.UserBrokerID, ev.Symbol,
		payload, ev.At)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// InsertEvents writes one batch atomically. The async writer flushes its
// queue through here.
func (r *eventsRepo) InsertEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventQuery)
	if err != nil {
		return fmt.Errorf("insert event batch: %w", err)
	}
	defer stmt.Close()

	for _, ev := range evs {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for event %s: %w", ev.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			ev.ID, ev.Type, ev.Topic, ev.UserID, ev.UserBrokerID, ev.Symbol,
			payload, ev.At)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert event batch: %w", err)
	}
	return nil
}
