package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened         EventType = "TRADE_OPENED"
	EventTradeClosed         EventType = "TRADE_CLOSED"
	EventConditionsSet       EventType = "CONDITIONS_SET"
	EventConditionExpired    EventType = "CONDITION_EXPIRED"
	EventEntryRejected       EventType = "ENTRY_REJECTED"
	EventAdaptationApplied   EventType = "ADAPTATION_APPLIED"
	EventRollbackExecuted    EventType = "ROLLBACK_EXECUTED"
	EventReflectionCompleted EventType = "REFLECTION_COMPLETED"
	EventCoinStatusChanged   EventType = "COIN_STATUS_CHANGED"
	EventPatternDeactivated  EventType = "PATTERN_DEACTIVATED"
	EventCircuitOpen         EventType = "CIRCUIT_OPEN"
	EventCircuitReset        EventType = "CIRCUIT_RESET"
	EventFeedStatus          EventType = "FEED_STATUS"
	EventEnginePaused        EventType = "ENGINE_PAUSED"
	EventEngineResumed       EventType = "ENGINE_RESUMED"
	EventError               EventType = "ERROR"
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

// Publish sends an event to all subscribers. Each subscriber runs on its own
// goroutine so a slow consumer cannot stall the publisher (the matcher
// publishes from its hot path).
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
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

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(coin string, entryPrice, sizeUSD float64, conditionID string) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"coin":         coin,
			"entry_price":  entryPrice,
			"size_usd":     sizeUSD,
			"condition_id": conditionID,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(coin string, entryPrice, exitPrice, pnlUSD, pnlPct float64, reason string) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"coin":        coin,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl_usd":     pnlUSD,
			"pnl_pct":     pnlPct,
			"exit_reason": reason,
		},
	})
}

// PublishConditionsSet publishes a new active condition set
func (eb *EventBus) PublishConditionsSet(count int, assessment string) {
	eb.Publish(Event{
		Type: EventConditionsSet,
		Data: map[string]interface{}{
			"count":             count,
			"market_assessment": assessment,
		},
	})
}

// PublishCoinStatusChanged publishes a coin status transition
func (eb *EventBus) PublishCoinStatusChanged(coin, oldStatus, newStatus, reason string) {
	eb.Publish(Event{
		Type: EventCoinStatusChanged,
		Data: map[string]interface{}{
			"coin":       coin,
			"old_status": oldStatus,
			"new_status": newStatus,
			"reason":     reason,
		},
	})
}

// PublishFeedStatus publishes a feed status change
func (eb *EventBus) PublishFeedStatus(status string) {
	eb.Publish(Event{
		Type: EventFeedStatus,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(component, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"component": component,
			"message":   message,
		},
	})
}
