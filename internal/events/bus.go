package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventLoopStarted     EventType = "LOOP_STARTED"
	EventLoopStopped     EventType = "LOOP_STOPPED"
	EventLoopError       EventType = "LOOP_ERROR"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventTradeBlocked    EventType = "TRADE_BLOCKED"
	EventCloseAllStarted EventType = "CLOSE_ALL_STARTED"
	EventSymbolClosed    EventType = "SYMBOL_CLOSED"
	EventCloseAllDone    EventType = "CLOSE_ALL_DONE"
	EventRecoveryRun     EventType = "RECOVERY_RUN"
	EventSessionUpdate   EventType = "SESSION_UPDATE"
	EventPositionUpdate  EventType = "POSITION_UPDATE"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

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

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishLoopStarted publishes a loop started event
func (eb *EventBus) PublishLoopStarted(jobKey, symbol, interval string) {
	eb.Publish(Event{
		Type: EventLoopStarted,
		Data: map[string]interface{}{
			"job_key":  jobKey,
			"symbol":   symbol,
			"interval": interval,
		},
	})
}

// PublishLoopStopped publishes a loop stopped event
func (eb *EventBus) PublishLoopStopped(jobKey string, graceful bool) {
	eb.Publish(Event{
		Type: EventLoopStopped,
		Data: map[string]interface{}{
			"job_key":  jobKey,
			"graceful": graceful,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(symbol, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeBlocked publishes a trade blocked event with the guard's reason
func (eb *EventBus) PublishTradeBlocked(symbol, side, reason string) {
	eb.Publish(Event{
		Type: EventTradeBlocked,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"reason": reason,
		},
	})
}

// PublishSymbolClosed publishes a symbol closed event during close-all
func (eb *EventBus) PublishSymbolClosed(symbol, positionSide string, quantity float64, pass int) {
	eb.Publish(Event{
		Type: EventSymbolClosed,
		Data: map[string]interface{}{
			"symbol":        symbol,
			"position_side": positionSide,
			"quantity":      quantity,
			"pass":          pass,
		},
	})
}

// PublishCloseAllDone publishes a close-all completion summary
func (eb *EventBus) PublishCloseAllDone(reason string, closed, failed, skipped, passes int) {
	eb.Publish(Event{
		Type: EventCloseAllDone,
		Data: map[string]interface{}{
			"reason":  reason,
			"closed":  closed,
			"failed":  failed,
			"skipped": skipped,
			"passes":  passes,
		},
	})
}

// PublishRecoveryRun publishes a crash-recovery result
func (eb *EventBus) PublishRecoveryRun(reason string, triggered bool, detail string) {
	eb.Publish(Event{
		Type: EventRecoveryRun,
		Data: map[string]interface{}{
			"reason":    reason,
			"triggered": triggered,
			"detail":    detail,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}
