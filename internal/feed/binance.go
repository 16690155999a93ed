package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

// Stream endpoints. The primary is the main Binance spot stream; the
// fallback is Binance's market-data-only mirror, which serves the same
// payloads without account endpoints.
const (
	binanceStreamURL     = "wss://stream.binance.com:9443"
	binanceDataStreamURL = "wss://data-stream.binance.vision"
)

// BinanceStream is a PriceSource backed by Binance combined miniTicker
// streams. One read loop dispatches ticks synchronously, which preserves
// per-coin ordering.
type BinanceStream struct {
	mu sync.RWMutex

	coins     []string
	baseURL   string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	tickHandlers   []TickHandler
	statusHandlers []StatusHandler

	lastTicks map[string]PriceTick
	lastFrame time.Time
	status    string

	staleAfter       time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration

	logger zerolog.Logger
}

// miniTickerEvent is the 24hrMiniTicker payload inside a combined stream frame.
type miniTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	BaseVol   string `json:"v"`
	QuoteVol  string `json:"q"`
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// NewBinanceStream creates the stream client for the configured coins.
func NewBinanceStream(cfg config.FeedConfig, coins []string, logger zerolog.Logger) *BinanceStream {
	baseURL := binanceStreamURL
	if cfg.Exchange == "binance-data" {
		baseURL = binanceDataStreamURL
	}

	return &BinanceStream{
		coins:            coins,
		baseURL:          baseURL,
		stopChan:         make(chan struct{}),
		lastTicks:        make(map[string]PriceTick),
		status:           StatusDisconnected,
		staleAfter:       cfg.StaleAfter,
		reconnectInitial: cfg.ReconnectInitial,
		reconnectMax:     cfg.ReconnectMax,
		logger:           logger.With().Str("component", "PriceFeed").Logger(),
	}
}

// Subscribe registers a tick handler. Register before Connect.
func (s *BinanceStream) Subscribe(fn TickHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickHandlers = append(s.tickHandlers, fn)
}

// SubscribeStatus registers a status handler. Register before Connect.
func (s *BinanceStream) SubscribeStatus(fn StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandlers = append(s.statusHandlers, fn)
}

// Connect dials the combined stream and returns once the connection is
// healthy. Dial failures during boot retry with backoff until ctx expires;
// a dead ctx is the fatal case the orchestrator aborts on.
func (s *BinanceStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	url := s.streamURL()
	backoff := s.reconnectInitial

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			s.mu.Lock()
			s.wsConn = conn
			s.lastFrame = time.Now()
			s.mu.Unlock()
			s.setStatus(StatusConnected)

			s.wg.Add(2)
			go s.readLoop()
			go s.staleWatchdog()

			s.logger.Info().Str("url", s.baseURL).Int("coins", len(s.coins)).Msg("price stream connected")
			return nil
		}

		s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("price stream dial failed")

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			return fmt.Errorf("price stream connect: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.reconnectMax {
			backoff = s.reconnectMax
		}
	}
}

// Close stops the read loop and closes the connection.
func (s *BinanceStream) Close() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	close(s.stopChan)
	conn := s.wsConn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("price stream closed")
	return nil
}

// GetPrice returns the last observed price for a coin.
func (s *BinanceStream) GetPrice(coin string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.lastTicks[coin]
	if !ok {
		return 0, false
	}
	return tick.Price, true
}

// GetTick returns the last full tick for a coin.
func (s *BinanceStream) GetTick(coin string) (PriceTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.lastTicks[coin]
	return tick, ok
}

// Prices returns a snapshot copy of the latest tick per coin.
func (s *BinanceStream) Prices() map[string]PriceTick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PriceTick, len(s.lastTicks))
	for k, v := range s.lastTicks {
		out[k] = v
	}
	return out
}

// Status returns the current feed status.
func (s *BinanceStream) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastFrameAge reports time since the last received frame, for health checks.
func (s *BinanceStream) LastFrameAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastFrame.IsZero() {
		return 0
	}
	return time.Since(s.lastFrame)
}

func (s *BinanceStream) streamURL() string {
	streams := make([]string, 0, len(s.coins))
	for _, c := range s.coins {
		streams = append(streams, StreamSymbol(c)+"@miniTicker")
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

func (s *BinanceStream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		conn := s.wsConn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("price stream read failed")
			s.setStatus(StatusDisconnected)
			if !s.reconnect() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.lastFrame = time.Now()
		s.mu.Unlock()

		s.handleMessage(message)
	}
}

// handleMessage parses one combined-stream frame and dispatches the tick.
func (s *BinanceStream) handleMessage(message []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Debug().Err(err).Msg("unparseable stream frame")
		return
	}
	if len(frame.Data) == 0 {
		return
	}

	var ev miniTickerEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		s.logger.Debug().Err(err).Msg("unparseable miniTicker payload")
		return
	}
	if ev.EventType != "24hrMiniTicker" {
		return
	}

	coin := CoinFromSymbol(ev.Symbol)
	if coin == "" {
		return
	}

	price := parseFloat(ev.Close)
	if price <= 0 {
		return
	}
	open := parseFloat(ev.Open)
	change := 0.0
	if open > 0 {
		change = (price - open) / open * 100
	}

	tick := PriceTick{
		Coin:      coin,
		Price:     price,
		Ts:        time.Now(),
		Vol24h:    parseFloat(ev.QuoteVol),
		Change24h: change,
	}

	s.mu.Lock()
	s.lastTicks[coin] = tick
	wasStale := s.status == StatusStale
	handlers := s.tickHandlers
	s.mu.Unlock()

	if wasStale {
		s.setStatus(StatusConnected)
	}

	for _, fn := range handlers {
		fn(tick)
	}
}

// reconnect re-dials with exponential backoff. Returns false when the stream
// was stopped while waiting.
func (s *BinanceStream) reconnect() bool {
	url := s.streamURL()
	backoff := s.reconnectInitial

	for {
		select {
		case <-s.stopChan:
			return false
		case <-time.After(backoff):
		}

		s.logger.Info().Dur("backoff", backoff).Msg("reconnecting price stream")

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			s.mu.Lock()
			if s.wsConn != nil {
				s.wsConn.Close()
			}
			s.wsConn = conn
			s.lastFrame = time.Now()
			s.mu.Unlock()
			s.setStatus(StatusConnected)
			s.logger.Info().Msg("price stream reconnected")
			return true
		}

		s.logger.Warn().Err(err).Msg("price stream reconnect failed")
		backoff *= 2
		if backoff > s.reconnectMax {
			backoff = s.reconnectMax
		}
	}
}

// staleWatchdog flips the status to feed_stale after staleAfter without a
// frame. The matcher pauses new entries while stale; exits keep evaluating
// on whatever ticks still arrive.
func (s *BinanceStream) staleWatchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.RLock()
			silent := time.Since(s.lastFrame)
			current := s.status
			s.mu.RUnlock()

			if current == StatusConnected && silent > s.staleAfter {
				s.logger.Warn().Dur("silent", silent).Msg("price feed stale")
				s.setStatus(StatusStale)
			}
		}
	}
}

func (s *BinanceStream) setStatus(status string) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	handlers := s.statusHandlers
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(status)
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
