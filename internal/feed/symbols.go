package feed

import "strings"

// Coin-to-stream symbol mapping lives in this one table. Coins trade against
// USDT on the spot stream; the stream symbol is the lowercase pair.
var streamSuffix = "usdt"

// StreamSymbol returns the exchange stream symbol for a coin ("BTC" -> "btcusdt").
func StreamSymbol(coin string) string {
	return strings.ToLower(coin) + streamSuffix
}

// CoinFromSymbol reverses the mapping ("BTCUSDT" -> "BTC"). Returns "" when
// the symbol is not a USDT pair.
func CoinFromSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	suffix := strings.ToUpper(streamSuffix)
	if !strings.HasSuffix(s, suffix) || len(s) == len(suffix) {
		return ""
	}
	return strings.TrimSuffix(s, suffix)
}
