// Package feed delivers real-time price ticks from the exchange WebSocket
// stream to the rest of the engine.
package feed

import (
	"context"
	"time"
)

// Feed status values reported through status callbacks.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusStale        = "feed_stale"
)

// PriceTick is one price observation for one coin. Ticks are immutable and
// dropped after dispatch.
type PriceTick struct {
	Coin      string    `json:"coin"`
	Price     float64   `json:"price"`
	Ts        time.Time `json:"ts"`
	Vol24h    float64   `json:"vol_24h"`
	Change24h float64   `json:"change_24h"`
}

// TickHandler receives ticks. Handlers run synchronously on the read loop,
// so they must not block; per-coin arrival order is preserved.
type TickHandler func(PriceTick)

// StatusHandler receives feed status transitions.
type StatusHandler func(status string)

// PriceSource is the contract the engine consumes. The strategist and the
// journal post-capture read prices through GetPrice; the matcher receives
// ticks through Subscribe.
type PriceSource interface {
	Subscribe(fn TickHandler)
	SubscribeStatus(fn StatusHandler)
	Connect(ctx context.Context) error
	GetPrice(coin string) (float64, bool)
	GetTick(coin string) (PriceTick, bool)
	Prices() map[string]PriceTick
	Close() error
}
