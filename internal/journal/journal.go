// Package journal records every simulated entry and exit with full market
// context. Writes are enqueued on an unbounded single-writer queue so the
// matcher's hot path never touches the store; the writer drains ordered
// batches and preserves entry-before-exit order per position. Closed trades
// additionally get post-exit price captures at +1/+5/+15 minutes.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/internal/sniper"
)

const writeOpTimeout = 5 * time.Second

// MarketContext is the strategist-facing snapshot of market conditions at
// the time a trade was opened or closed. All fields are optional.
type MarketContext struct {
	Regime     string  `json:"regime,omitempty"`
	Volatility string  `json:"volatility,omitempty"`
	BTCTrend   string  `json:"btc_trend,omitempty"`
	Funding    float64 `json:"funding,omitempty"`
}

// TradeResult is the append-only journal record of a completed trade. The
// post-exit price fields are filled in by the capture timers after the row
// is first written.
type TradeResult struct {
	EntryID         string        `json:"entry_id"`
	Coin            string        `json:"coin"`
	Direction       string        `json:"direction"`
	EntryPrice      float64       `json:"entry_price"`
	SizeUSD         float64       `json:"size_usd"`
	EntryTime       time.Time     `json:"entry_time"`
	StopLossPrice   float64       `json:"stop_loss_price"`
	TakeProfitPrice float64       `json:"take_profit_price"`
	StrategyID      string        `json:"strategy_id,omitempty"`
	PatternID       string        `json:"pattern_id,omitempty"`
	ConditionID     string        `json:"condition_id,omitempty"`
	ExitPrice       float64       `json:"exit_price"`
	ExitTime        time.Time     `json:"exit_time"`
	ExitReason      string        `json:"exit_reason"`
	PnLUSD          float64       `json:"pnl_usd"`
	PnLPct          float64       `json:"pnl_pct"`
	DurationS       float64       `json:"duration_s"`
	MarketContext   MarketContext `json:"market_context"`
	HourOfDay       int           `json:"hour_of_day"`
	DayOfWeek       int           `json:"day_of_week"`
	PricePlus1m     *float64      `json:"price_plus_1m,omitempty"`
	PricePlus5m     *float64      `json:"price_plus_5m,omitempty"`
	PricePlus15m    *float64      `json:"price_plus_15m,omitempty"`
	MissedProfit    *float64      `json:"missed_profit,omitempty"`
}

// Won reports whether the trade closed in profit.
func (tr TradeResult) Won() bool {
	return tr.PnLUSD > 0
}

// ActivityEntry is one row of the human-readable activity log.
type ActivityEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Repository persists journal records. Implemented by internal/database.
type Repository interface {
	InsertOpenTrade(ctx context.Context, p sniper.Position, mc MarketContext) error
	DeleteOpenTrade(ctx context.Context, positionID string) error
	InsertClosedTrade(ctx context.Context, tr TradeResult) error
	UpdatePostExitPrice(ctx context.Context, positionID string, windowS int, price float64) error
	UpdateMissedProfit(ctx context.Context, positionID string, missed float64) error
	InsertActivity(ctx context.Context, entry ActivityEntry) error
}

// PriceSnapshot is the slice of the price source the capture timers need.
type PriceSnapshot interface {
	GetPrice(coin string) (float64, bool)
}

type queuedOp struct {
	label string
	run   func(context.Context) error
}

// Journal owns the single-writer queue and the post-exit capture timers.
type Journal struct {
	repo   Repository
	prices PriceSnapshot
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []queuedOp
	running bool

	notify   chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	captureMu      sync.Mutex
	timers         captureHeap
	captures       map[string]*captureState
	captureWake    chan struct{}
	captureWindows [3]time.Duration
}

// NewJournal creates a journal writing through repo. prices backs the
// post-exit captures; a nil repo disables persistence but keeps ordering
// and capture semantics, which the engine relies on in dry-run mode.
func NewJournal(repo Repository, prices PriceSnapshot, logger zerolog.Logger) *Journal {
	return &Journal{
		repo:           repo,
		prices:         prices,
		logger:         logger.With().Str("component", "journal").Logger(),
		notify:         make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
		captures:       make(map[string]*captureState),
		captureWake:    make(chan struct{}, 1),
		captureWindows: [3]time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// Start launches the writer and capture loops.
func (j *Journal) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopChan = make(chan struct{})
	j.mu.Unlock()

	j.wg.Add(2)
	go j.writerLoop()
	go j.captureLoop()
	j.logger.Info().Msg("Journal started")
}

// Stop drains the queue and stops both loops. Writes issued after Stop run
// synchronously on the caller.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()

	close(j.stopChan)
	j.wg.Wait()
	j.logger.Info().Msg("Journal stopped")
}

// Flush blocks until every write enqueued before the call has been applied.
func (j *Journal) Flush() {
	done := make(chan struct{})
	j.enqueue("flush barrier", func(context.Context) error {
		close(done)
		return nil
	})
	<-done
}

// QueueDepth reports how many writes are waiting on the queue. A depth that
// keeps growing means the store has stalled.
func (j *Journal) QueueDepth() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.queue)
}

// RecordEntry journals a freshly opened position and returns its entry id.
func (j *Journal) RecordEntry(p sniper.Position, mc MarketContext) string {
	if j.repo != nil {
		pos := p
		mctx := mc
		j.enqueue("insert open trade", func(ctx context.Context) error {
			return j.repo.InsertOpenTrade(ctx, pos, mctx)
		})
	}
	j.logger.Info().
		Str("coin", p.Coin).
		Str("position_id", p.ID).
		Float64("entry_price", p.EntryPrice).
		Float64("size_usd", p.SizeUSD).
		Msg("Journaled entry")
	return p.ID
}

// RecordExit journals a closed trade: the open row is removed and the
// closed row written in one ordered batch. Hour and weekday come from the
// entry time in UTC so time-of-day insights are stable across hosts.
func (j *Journal) RecordExit(ct sniper.ClosedTrade, mc MarketContext) TradeResult {
	p := ct.Position
	entryUTC := p.EntryTime.UTC()
	tr := TradeResult{
		EntryID:         p.ID,
		Coin:            p.Coin,
		Direction:       p.Direction,
		EntryPrice:      p.EntryPrice,
		SizeUSD:         p.SizeUSD,
		EntryTime:       p.EntryTime,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		StrategyID:      p.StrategyID,
		PatternID:       p.PatternID,
		ConditionID:     p.ConditionID,
		ExitPrice:       ct.ExitPrice,
		ExitTime:        ct.ExitTime,
		ExitReason:      ct.ExitReason,
		PnLUSD:          ct.PnLUSD,
		PnLPct:          ct.PnLPct,
		DurationS:       ct.Duration.Seconds(),
		MarketContext:   mc,
		HourOfDay:       entryUTC.Hour(),
		DayOfWeek:       int(entryUTC.Weekday()),
	}

	if j.repo != nil {
		id := tr.EntryID
		rec := tr
		j.enqueue("delete open trade", func(ctx context.Context) error {
			return j.repo.DeleteOpenTrade(ctx, id)
		})
		j.enqueue("insert closed trade", func(ctx context.Context) error {
			return j.repo.InsertClosedTrade(ctx, rec)
		})
	}
	j.logger.Info().
		Str("coin", tr.Coin).
		Str("position_id", tr.EntryID).
		Str("reason", tr.ExitReason).
		Float64("pnl_usd", tr.PnLUSD).
		Float64("pnl_pct", tr.PnLPct).
		Msg("Journaled exit")
	return tr
}

// LogActivity appends a row to the activity log through the write queue.
func (j *Journal) LogActivity(kind, message string, details map[string]interface{}) {
	if j.repo == nil {
		return
	}
	entry := ActivityEntry{
		Timestamp: time.Now(),
		Type:      kind,
		Message:   message,
		Details:   details,
	}
	j.enqueue("insert activity", func(ctx context.Context) error {
		return j.repo.InsertActivity(ctx, entry)
	})
}

func (j *Journal) enqueue(label string, fn func(context.Context) error) {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		j.runOp(queuedOp{label: label, run: fn})
		return
	}
	j.queue = append(j.queue, queuedOp{label: label, run: fn})
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
}

func (j *Journal) writerLoop() {
	defer j.wg.Done()
	for {
		j.drainQueue()
		select {
		case <-j.notify:
		case <-j.stopChan:
			j.drainQueue()
			return
		}
	}
}

func (j *Journal) drainQueue() {
	for {
		j.mu.Lock()
		batch := j.queue
		j.queue = nil
		j.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, op := range batch {
			j.runOp(op)
		}
	}
}

func (j *Journal) runOp(op queuedOp) {
	ctx, cancel := context.WithTimeout(context.Background(), writeOpTimeout)
	defer cancel()
	if err := op.run(ctx); err != nil {
		j.logger.Error().Err(err).Str("op", op.label).Msg("Journal write failed")
	}
}
