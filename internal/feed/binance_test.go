package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

func testStream() *BinanceStream {
	cfg := config.FeedConfig{
		Exchange:         "binance",
		StaleAfter:       5 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
	}
	return NewBinanceStream(cfg, []string{"BTC", "ETH"}, zerolog.Nop())
}

func TestStreamSymbolMapping(t *testing.T) {
	testCases := []struct {
		coin   string
		symbol string
	}{
		{"BTC", "btcusdt"},
		{"ETH", "ethusdt"},
		{"DOGE", "dogeusdt"},
	}

	for _, tc := range testCases {
		if got := StreamSymbol(tc.coin); got != tc.symbol {
			t.Errorf("StreamSymbol(%s) = %s, expected %s", tc.coin, got, tc.symbol)
		}
		if got := CoinFromSymbol(tc.symbol); got != tc.coin {
			t.Errorf("CoinFromSymbol(%s) = %s, expected %s", tc.symbol, got, tc.coin)
		}
	}

	if got := CoinFromSymbol("BTCBUSD"); got != "" {
		t.Errorf("non-USDT symbol should map to empty, got %s", got)
	}
	if got := CoinFromSymbol("USDT"); got != "" {
		t.Errorf("bare quote symbol should map to empty, got %s", got)
	}
}

func TestStreamURLCombinesCoins(t *testing.T) {
	s := testStream()
	url := s.streamURL()
	expected := "wss://stream.binance.com:9443/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker"
	if url != expected {
		t.Errorf("streamURL = %s, expected %s", url, expected)
	}
}

func TestHandleMessageDispatchesTick(t *testing.T) {
	s := testStream()

	var mu sync.Mutex
	var ticks []PriceTick
	s.Subscribe(func(tick PriceTick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})

	frame := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"42001.50","o":"41000.00","h":"42500.00","l":"40900.00","v":"12345.6","q":"510000000.25"}}`)
	s.handleMessage(frame)

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(ticks))
	}

	tick := ticks[0]
	if tick.Coin != "BTC" {
		t.Errorf("expected coin BTC, got %s", tick.Coin)
	}
	if !floatEquals(tick.Price, 42001.50, 1e-9) {
		t.Errorf("expected price 42001.50, got %f", tick.Price)
	}
	if !floatEquals(tick.Vol24h, 510000000.25, 1e-6) {
		t.Errorf("expected quote volume 510000000.25, got %f", tick.Vol24h)
	}
	expectedChange := (42001.50 - 41000.00) / 41000.00 * 100
	if !floatEquals(tick.Change24h, expectedChange, 1e-9) {
		t.Errorf("expected change %.4f, got %.4f", expectedChange, tick.Change24h)
	}

	price, ok := s.GetPrice("BTC")
	if !ok || !floatEquals(price, 42001.50, 1e-9) {
		t.Errorf("GetPrice should return the dispatched price, got %f ok=%v", price, ok)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	s := testStream()

	called := false
	s.Subscribe(func(tick PriceTick) { called = true })

	testCases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"stream":"btcusdt@miniTicker"}`),
		[]byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT"}}`),
		[]byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"0","o":"0"}}`),
		[]byte(`{"stream":"btcbusd@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCBUSD","c":"42000","o":"41000"}}`),
	}

	for i, frame := range testCases {
		s.handleMessage(frame)
		if called {
			t.Errorf("case %d: handler called for a frame that should be ignored", i)
		}
	}
}

func TestPerCoinOrderPreserved(t *testing.T) {
	s := testStream()

	var mu sync.Mutex
	var prices []float64
	s.Subscribe(func(tick PriceTick) {
		if tick.Coin == "BTC" {
			mu.Lock()
			prices = append(prices, tick.Price)
			mu.Unlock()
		}
	})

	sequence := []string{"41999.00", "42001.00", "42631.00"}
	for _, p := range sequence {
		frame := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"` + p + `","o":"41000","q":"1"}}`)
		s.handleMessage(frame)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(prices) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(prices))
	}
	expected := []float64{41999, 42001, 42631}
	for i, p := range expected {
		if !floatEquals(prices[i], p, 1e-9) {
			t.Errorf("tick %d: expected %.2f, got %.2f", i, p, prices[i])
		}
	}
}

func TestPricesSnapshotIsCopy(t *testing.T) {
	s := testStream()
	s.handleMessage([]byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"42000","o":"41000","q":"1"}}`))

	snap := s.Prices()
	snap["BTC"] = PriceTick{Coin: "BTC", Price: 1}

	price, _ := s.GetPrice("BTC")
	if !floatEquals(price, 42000, 1e-9) {
		t.Errorf("mutating the snapshot must not affect the stream state, got %f", price)
	}
}

func floatEquals(a, b, tolerance float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
