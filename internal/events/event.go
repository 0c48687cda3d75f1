package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic scopes event delivery.
type Topic string

const (
	// TopicGlobal carries market-wide events: signals, candle closes and
	// opt-in ticks.
	TopicGlobal Topic = "GLOBAL"
	// TopicUser carries portfolio-scope events for one user.
	TopicUser Topic = "USER"
	// TopicUserBroker carries per-account events: intents, orders, trade
	// status changes.
	TopicUserBroker Topic = "USER_BROKER"
)

// EventType identifies the lifecycle boundary an event was emitted at.
type EventType string

const (
	EventTick            EventType = "TICK"
	EventCandleClosed    EventType = "CANDLE_CLOSED"
	EventSignalPublished EventType = "SIGNAL_PUBLISHED"
	EventIntentApproved  EventType = "INTENT_APPROVED"
	EventIntentRejected  EventType = "INTENT_REJECTED"
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventOrderRejected   EventType = "ORDER_REJECTED"
	EventOrderTimeout    EventType = "ORDER_TIMEOUT"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventExitTriggered   EventType = "EXIT_TRIGGERED"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
)

// Persistable reports whether events of this type are written to the event
// log before emission. Ticks and candle closes are ephemeral; ticks can be
// opted in via configuration, which the bus handles separately.
func (t EventType) Persistable() bool {
	switch t {
	case EventTick, EventCandleClosed:
		return false
	default:
		return true
	}
}

// HighRate reports whether this type arrives fast enough that synchronous
// persistence would stall the producer. High-rate persistable events must go
// through the async writer.
func (t EventType) HighRate() bool {
	return t == EventTick
}

// Event is the envelope delivered to subscribers and written to the event
// log. Scope IDs are carried by value; events never hold object references.
type Event struct {
	ID           string      `json:"id" db:"id"`
	Type         EventType   `json:"type" db:"event_type"`
	Topic        Topic       `json:"topic" db:"topic"`
	UserID       int64       `json:"userId,omitempty" db:"user_id"`
	UserBrokerID int64       `json:"userBrokerId,omitempty" db:"user_broker_id"`
	Symbol       string      `json:"symbol,omitempty" db:"symbol"`
	Payload      interface{} `json:"payload,omitempty" db:"-"`
	At           time.Time   `json:"at" db:"created_at"`
}

// New builds an event envelope with a fresh ID and the given scope.
func New(typ EventType, topic Topic, payload interface{}) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Topic:   topic,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// ForUserBroker returns a copy scoped to one account.
func (e Event) ForUserBroker(userID, userBrokerID int64) Event {
	e.Topic = TopicUserBroker
	e.UserID = userID
	e.UserBrokerID = userBrokerID
	return e
}

// ForSymbol returns a copy tagged with a symbol.
func (e Event) ForSymbol(symbol string) Event {
	e.Symbol = symbol
	return e
}
