// Package circuit halts new entries after loss streaks so one bad market
// regime cannot drain the paper account between strategist cycles.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"paper-trading-bot/config"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // New entries halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Breaker trips on consecutive losses or on hourly portfolio loss. While
// open, the matcher's risk gate rejects entries; exits are never blocked.
type Breaker struct {
	mu sync.RWMutex

	enabled              bool
	maxConsecutiveLosses int
	maxLossPerHourPct    float64
	cooldown             time.Duration

	state             BreakerState
	consecutiveLosses int
	hourlyLossPct     float64
	hourlyResetTime   time.Time
	lastTripTime      time.Time
	tripReason        string
	tripCount         int

	onTrip  func(reason string)
	onReset func()
}

// NewBreaker creates a breaker from configuration.
func NewBreaker(cfg config.CircuitConfig) *Breaker {
	return &Breaker{
		enabled:              cfg.Enabled,
		maxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		maxLossPerHourPct:    cfg.MaxLossPerHourPct,
		cooldown:             time.Duration(cfg.CooldownMinutes) * time.Minute,
		state:                StateClosed,
		hourlyResetTime:      time.Now().Add(time.Hour),
	}
}

// OnTrip sets the callback invoked when the breaker opens.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether new entries may open. When the cooldown has elapsed
// the breaker moves to half-open: one winning trade closes it, one losing
// trade re-trips it.
func (b *Breaker) Allow() (bool, string) {
	if !b.enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetCountersIfNeeded()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		if elapsed < b.cooldown {
			remaining := b.cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
	}

	return true, ""
}

// RecordTrade records a closed trade's portfolio impact, where pnlPct is the
// trade P&L as a percentage of account equity.
func (b *Breaker) RecordTrade(pnlPct float64) {
	if !b.enabled {
		return
	}
	if math.IsNaN(pnlPct) || math.IsInf(pnlPct, 0) {
		return
	}

	b.mu.Lock()

	b.resetCountersIfNeeded()

	var recovered bool
	if pnlPct < 0 {
		b.consecutiveLosses++
		b.hourlyLossPct += -pnlPct
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			recovered = true
		}
	}

	var tripped bool
	var reason string
	if b.state != StateOpen {
		if b.consecutiveLosses >= b.maxConsecutiveLosses {
			reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
		} else if b.hourlyLossPct >= b.maxLossPerHourPct {
			reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLossPct)
		}
		if reason != "" {
			b.state = StateOpen
			b.lastTripTime = time.Now()
			b.tripReason = reason
			b.tripCount++
			tripped = true
		}
	}

	onTrip := b.onTrip
	onReset := b.onReset
	b.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
	if tripped && onTrip != nil {
		go onTrip(reason)
	}
}

// Reset manually closes the breaker and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.state == StateOpen
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.hourlyLossPct = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if wasOpen && onReset != nil {
		go onReset()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetStatus returns breaker state for the dashboard.
func (b *Breaker) GetStatus() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := map[string]interface{}{
		"enabled":            b.enabled,
		"state":              string(b.state),
		"consecutive_losses": b.consecutiveLosses,
		"hourly_loss_pct":    b.hourlyLossPct,
		"trip_count":         b.tripCount,
	}
	if b.state == StateOpen {
		status["trip_reason"] = b.tripReason
		status["tripped_at"] = b.lastTripTime
		status["cooldown_until"] = b.lastTripTime.Add(b.cooldown)
	}
	return status
}

func (b *Breaker) resetCountersIfNeeded() {
	now := time.Now()
	if now.After(b.hourlyResetTime) {
		b.hourlyLossPct = 0
		b.hourlyResetTime = now.Add(time.Hour)
	}
}
