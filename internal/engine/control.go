package engine

import (
	"context"
	"fmt"

	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/api"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/sniper"
)

var _ api.EngineControl = (*Engine)(nil)

// ClosePositionAtMarket exits an open position at the current feed price.
func (e *Engine) ClosePositionAtMarket(coin string) (*sniper.ClosedTrade, error) {
	price, ok := e.stream.GetPrice(coin)
	if !ok {
		return nil, fmt.Errorf("%w: no live price for %s", sniper.ErrInvalidPrice, coin)
	}
	return e.matcher.ClosePosition(coin, price, sniper.ExitManual)
}

// TriggerReflection runs one reflection round outside the schedule. The
// scheduled loop lets an unavailable model consume the round quietly, but an
// operator asking by hand gets told.
func (e *Engine) TriggerReflection(ctx context.Context) (*learning.Reflection, error) {
	if !e.gateway.Available() {
		return nil, llm.ErrUnavailable
	}
	return e.runReflection(ctx)
}

// RollbackAdaptation reverses an applied adaptation by id.
func (e *Engine) RollbackAdaptation(ctx context.Context, adaptationID string) (*learning.Adaptation, error) {
	return e.adapter.Rollback(ctx, adaptationID)
}

// LLMAvailable reports whether the LLM gateway is configured and up.
func (e *Engine) LLMAvailable() bool {
	return e.gateway.Available()
}
