package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	bus.Subscribe(EventTradeClosed, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishTradeOpened("BTC", 42000, 100, "c-1") // different type, must not arrive
	bus.PublishTradeClosed("BTC", 42000, 42630, 1.5, 1.5, "take_profit")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTradeClosed {
		t.Errorf("expected TRADE_CLOSED, got %s", received[0].Type)
	}
	if received[0].Data["exit_reason"] != "take_profit" {
		t.Errorf("expected exit_reason take_profit, got %v", received[0].Data["exit_reason"])
	}
	if received[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped on publish")
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{}, 3)

	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishFeedStatus("connected")
	bus.PublishCoinStatusChanged("DOGE", "NORMAL", "BLACKLISTED", "win rate 0.20 over 5 trades")
	bus.PublishError("strategist", "llm unavailable")

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 events, got %d", count)
	}
}
