package strategist

import (
	"paper-trading-bot/internal/knowledge"
)

// matchNoTradeRule finds the first active NO_TRADE rule whose condition map
// matches the market state. Rules without a machine condition (created from
// free-text insights) only steer the prompt and never gate a cycle here.
func matchNoTradeRule(rules []knowledge.RegimeRule, mkt marketState) (knowledge.RegimeRule, bool) {
	for _, r := range rules {
		if !r.IsActive || r.Action != knowledge.RuleNoTrade {
			continue
		}
		if ruleMatches(r.Condition, mkt) {
			return r, true
		}
	}
	return knowledge.RegimeRule{}, false
}

// ruleMatches evaluates a predicate map against the market state. All keys
// must hold; an unknown key fails the whole rule so a malformed predicate
// can never halt trading.
func ruleMatches(cond map[string]interface{}, mkt marketState) bool {
	if len(cond) == 0 {
		return false
	}
	for key, raw := range cond {
		v, ok := toFloat(raw)
		if !ok {
			return false
		}
		switch key {
		case "btc_change_24h_below":
			if !(mkt.btcChange24h < v) {
				return false
			}
		case "btc_change_24h_above":
			if !(mkt.btcChange24h > v) {
				return false
			}
		case "avg_change_24h_below":
			if !(mkt.avgChange24h < v) {
				return false
			}
		case "avg_change_24h_above":
			if !(mkt.avgChange24h > v) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
