package strategist

import (
	"fmt"
	"sort"
	"strings"

	"paper-trading-bot/internal/feed"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/performance"
	"paper-trading-bot/internal/sniper"
)

const strategistSystemPrompt = `You are the strategist for an automated spot crypto paper-trading system.
You propose precise, machine-checkable entry conditions that a fast matcher executes without further judgement.
Respond with a single JSON object and nothing else:
{"conditions": [{"coin": "BTC", "direction": "LONG", "trigger_price": 0.0, "trigger_condition": "ABOVE|BELOW", "stop_loss_pct": 0.0, "take_profit_pct": 0.0, "position_size_usd": 0.0, "reasoning": "...", "strategy_id": "...", "pattern_id": ""}], "market_assessment": "...", "no_trade_reason": ""}
If nothing is worth trading, return an empty conditions array and explain in no_trade_reason.`

// marketState is the per-cycle snapshot of the feed for the tradeable set.
type marketState struct {
	ticks        map[string]feed.PriceTick
	btcChange24h float64
	avgChange24h float64
}

func (s *Strategist) marketState() marketState {
	all := s.prices.Prices()
	ms := marketState{ticks: make(map[string]feed.PriceTick, len(s.coins))}

	var sum float64
	for _, coin := range s.coins {
		tick, ok := all[coin]
		if !ok {
			continue
		}
		ms.ticks[coin] = tick
		sum += tick.Change24h
		if coin == "BTC" {
			ms.btcChange24h = tick.Change24h
		}
	}
	if len(ms.ticks) > 0 {
		ms.avgChange24h = sum / float64(len(ms.ticks))
	}
	return ms
}

func buildStrategistPrompt(mkt marketState, kctx knowledge.StrategistContext, status sniper.Status, perf24 performance.ProfitSnapshot, maxConditions int) string {
	var b strings.Builder

	b.WriteString("MARKET (current price, 24h change):\n")
	coins := make([]string, 0, len(mkt.ticks))
	for coin := range mkt.ticks {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	for _, coin := range coins {
		tick := mkt.ticks[coin]
		fmt.Fprintf(&b, "  %s: $%.4f (%+.2f%%)\n", coin, tick.Price, tick.Change24h)
	}

	fmt.Fprintf(&b, "\nACCOUNT:\n")
	fmt.Fprintf(&b, "  balance $%.2f, equity $%.2f, open positions %d, total pnl $%.2f\n",
		status.AvailableBalance, status.Equity, status.OpenPositions, status.TotalPnL)
	fmt.Fprintf(&b, "  all time: %d trades, %.0f%% win rate\n", status.ClosedTrades, status.WinRate*100)
	if perf24.TradeCount > 0 {
		fmt.Fprintf(&b, "  last 24h: %d trades, %.0f%% win rate, $%.2f\n",
			perf24.TradeCount, perf24.WinRate*100, perf24.TotalPnL)
	} else {
		b.WriteString("  last 24h: no closed trades\n")
	}

	b.WriteString("\nKNOWLEDGE:\n")
	if len(kctx.GoodCoins) > 0 {
		fmt.Fprintf(&b, "  favored coins: %s\n", strings.Join(kctx.GoodCoins, ", "))
	}
	if len(kctx.AvoidCoins) > 0 {
		fmt.Fprintf(&b, "  avoid (never propose): %s\n", strings.Join(kctx.AvoidCoins, ", "))
	}
	for _, rule := range kctx.ActiveRules {
		fmt.Fprintf(&b, "  rule [%s]: %s\n", rule.Action, rule.Description)
	}
	for _, p := range kctx.WinningPatterns {
		fmt.Fprintf(&b, "  winning pattern %s: %s (confidence %.2f)\n", p.PatternID, p.Description, p.Confidence)
	}
	for _, line := range kctx.TopCoinSummaries {
		fmt.Fprintf(&b, "  %s\n", line)
	}

	b.WriteString("\nHARD RULES, conditions violating any are discarded:\n")
	fmt.Fprintf(&b, "  1. At most %d conditions.\n", maxConditions)
	b.WriteString("  2. LONG only; this is a spot market.\n")
	b.WriteString("  3. position_size_usd between 20 and 100 inclusive.\n")
	b.WriteString("  4. stop_loss_pct and take_profit_pct each between 0.5 and 5.\n")
	b.WriteString("  5. trigger_price within 0.1-0.3% of the current price.\n")
	b.WriteString("  6. Never propose coins on the avoid list.\n")
	b.WriteString("  7. Every condition needs concrete reasoning.\n")

	b.WriteString("\nPropose conditions for the current market as the JSON object described in the system prompt.\n")
	return b.String()
}
