package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventUserRegistered       EventType = "USER_REGISTERED"
	EventUserVerified         EventType = "USER_VERIFIED"
	EventUserLogin            EventType = "USER_LOGIN"
	EventUserLogout           EventType = "USER_LOGOUT"
	EventUserDeleted          EventType = "USER_DELETED"
	EventSubscriptionExtended EventType = "SUBSCRIPTION_EXTENDED"
	EventSubscriptionGranted  EventType = "SUBSCRIPTION_GRANTED"
	EventSubscriptionRevoked  EventType = "SUBSCRIPTION_REVOKED"
	EventSubscriptionExpired  EventType = "SUBSCRIPTION_EXPIRED"
	EventSubscriptionSynced   EventType = "SUBSCRIPTION_SYNCED"
	EventPaymentReceived      EventType = "PAYMENT_RECEIVED"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventSignalGenerated      EventType = "SIGNAL_GENERATED"
	EventPriceUpdate          EventType = "PRICE_UPDATE"
	EventBotStateChanged      EventType = "BOT_STATE_CHANGED"
	EventError                EventType = "ERROR"
)

// Event represents a system event. UserID is empty for system-wide events.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is implemented by anything that accepts domain events
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers without blocking the caller
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishForUser publishes an event scoped to one user
func (eb *EventBus) PublishForUser(eventType EventType, userID string, data map[string]interface{}) {
	eb.Publish(Event{
		Type:   eventType,
		UserID: userID,
		Data:   data,
	})
}
