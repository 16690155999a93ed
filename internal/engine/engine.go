// Package engine assembles the trading components, wires their callbacks
// and owns the process lifecycle: single-instance guard, boot order,
// supervision loops and reverse-order shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/api"
	"paper-trading-bot/internal/auth"
	"paper-trading-bot/internal/cache"
	"paper-trading-bot/internal/circuit"
	"paper-trading-bot/internal/database"
	"paper-trading-bot/internal/events"
	"paper-trading-bot/internal/feed"
	"paper-trading-bot/internal/journal"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/performance"
	"paper-trading-bot/internal/sniper"
	"paper-trading-bot/internal/strategist"
	"paper-trading-bot/internal/vault"
)

// ErrAlreadyRunning reports that the PID file or the dashboard port is held
// by another live instance. main exits with code 2 on it.
var ErrAlreadyRunning = errors.New("another instance appears to be running")

const bootTimeout = 60 * time.Second

// Engine owns every component plus the supervision loops. Construction
// (New) acquires the single-instance resources and builds the components;
// Start hydrates state and launches everything.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         *database.DB
	repo       *database.Repository
	bus        *events.EventBus
	gateway    *llm.Gateway
	stream     *feed.BinanceStream
	know       *knowledge.Store
	journal    *journal.Journal
	quick      *learning.QuickUpdater
	breaker    *circuit.Breaker
	matcher    *sniper.Matcher
	perf       *performance.Aggregator
	strategist *strategist.Strategist
	reflector  *learning.Reflector
	adapter    *learning.Adapter
	monitor    *learning.Monitor
	cache      *cache.Service
	auth       *auth.Manager
	server     *api.Server

	listener net.Listener
	pidFile  string

	reflectMu sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New resolves secrets, refuses to double-run, opens the store and builds
// every component in boot order. Nothing is started yet.
func New(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
		stopChan: make(chan struct{}),
	}

	// Secrets before components: the LLM gateway and auth manager must see
	// final values.
	if err := e.loadSecrets(cfg, logger); err != nil {
		return nil, err
	}
	if cfg.AuthConfig.Enabled && cfg.AuthConfig.JWTSecret == "" {
		return nil, errors.New("auth enabled but no JWT secret in environment or vault")
	}

	// Single-instance guard and the dashboard port, both before anything
	// heavier boots so a second copy fails fast and clean.
	if err := e.acquirePIDFile(cfg.DashboardConfig.PIDFile); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.DashboardConfig.Port))
	if err != nil {
		e.releasePIDFile()
		return nil, fmt.Errorf("%w: dashboard port %d: %v", ErrAlreadyRunning, cfg.DashboardConfig.Port, err)
	}
	e.listener = ln

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		e.closeBootResources()
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.db = db

	migrateCtx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()
	if err := db.RunMigrations(migrateCtx); err != nil {
		db.Close()
		e.closeBootResources()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	e.repo = database.NewRepository(db)

	e.bus = events.NewEventBus()
	e.gateway = llm.NewGateway(cfg.LLMConfig, logger)
	e.stream = feed.NewBinanceStream(cfg.FeedConfig, cfg.EngineConfig.Coins, logger)
	e.cache = cache.NewService(cfg.RedisConfig, logger)
	e.know = knowledge.NewStore(e.repo, e.bus, logger)
	e.journal = journal.NewJournal(e.repo, e.stream, logger)
	e.quick = learning.NewQuickUpdater(e.know, e.journal, logger)
	e.breaker = circuit.NewBreaker(cfg.CircuitConfig)
	e.matcher = sniper.NewMatcher(cfg.EngineConfig, e.know, e.breaker, e.repo, e.bus, logger)
	e.perf = performance.NewAggregator(e.repo, e.matcher, logger)
	e.strategist = strategist.NewStrategist(e.stream, e.know, e.matcher, e.perf,
		e.gateway, e.cache, e.bus, cfg.EngineConfig.Coins, cfg.StrategistConfig, logger)
	e.reflector = learning.NewReflector(e.repo, e.gateway, e.bus, cfg.LearningConfig, logger)
	e.adapter = learning.NewAdapter(e.know, e.repo, e.perf, e.bus, cfg.LearningConfig, logger)
	e.monitor = learning.NewMonitor(e.repo, cfg.LearningConfig, logger)
	e.auth = auth.NewManager(cfg.AuthConfig, logger)
	e.server = api.NewServer(e.matcher, e.stream, e.know, e.repo, e.perf,
		e.breaker, e.cache, e.auth, e, logger)

	e.wire()
	return e, nil
}

// loadSecrets reads the vault entry when enabled and folds it over the
// env-derived config. A missing vault stays a plain env setup.
func (e *Engine) loadSecrets(cfg *config.Config, logger zerolog.Logger) error {
	vc, err := vault.NewClient(cfg.VaultConfig, logger)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}
	if !vc.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := vc.Health(ctx); err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	secrets, err := vc.LoadSecrets(ctx)
	if err != nil {
		return fmt.Errorf("vault secrets: %w", err)
	}
	secrets.Apply(cfg)
	return nil
}

// wire connects the components: ticks into the matcher, matcher entries and
// exits into the journal and the quick updater, the breaker and the bus
// into the activity log.
func (e *Engine) wire() {
	e.stream.Subscribe(e.matcher.OnTick)
	e.stream.SubscribeStatus(func(status string) {
		e.matcher.SetFeedHealthy(status == feed.StatusConnected)
		e.bus.PublishFeedStatus(status)
	})

	e.matcher.OnEntry(func(p sniper.Position, _ sniper.TradeCondition) {
		e.journal.RecordEntry(p, e.marketContext())
	})
	e.matcher.OnExit(func(ct sniper.ClosedTrade) {
		tr := e.journal.RecordExit(ct, e.marketContext())
		e.journal.SchedulePostTradeCapture(tr)
		e.quick.Process(tr)
		e.reflector.OnTradeClosed()

		// Off the tick goroutine; the curve should show every balance change,
		// not just the five-minute samples.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := e.perf.RecordEquityPoint(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Equity point failed")
			}
		}()
	})

	e.breaker.OnTrip(func(reason string) {
		e.bus.Publish(events.Event{
			Type: events.EventCircuitOpen,
			Data: map[string]interface{}{"reason": reason},
		})
	})
	e.breaker.OnReset(func() {
		e.bus.Publish(events.Event{Type: events.EventCircuitReset})
	})

	// Every event becomes a row in the activity log.
	e.bus.SubscribeAll(func(ev events.Event) {
		e.journal.LogActivity(strings.ToLower(string(ev.Type)), activityMessage(ev), ev.Data)
	})
}

// Start hydrates persisted state, connects the feed and launches the
// components and supervision loops. On error the engine is left unstarted;
// the caller should still Stop it to release boot resources.
func (e *Engine) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	if err := e.know.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("load knowledge: %w", err)
	}
	if err := e.matcher.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate matcher: %w", err)
	}

	e.journal.Start()
	e.matcher.Start()

	if err := e.stream.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}

	e.strategist.Start()

	e.wg.Add(4)
	go e.healthLoop()
	go e.checkpointLoop()
	go e.effectivenessLoop()
	go e.reflectionLoop()

	go func() {
		if err := e.server.Start(e.listener); err != nil {
			e.logger.Error().Err(err).Msg("Dashboard server failed")
			e.bus.PublishError("api", err.Error())
		}
	}()

	e.logger.Info().
		Int("dashboard_port", e.cfg.DashboardConfig.Port).
		Int("coins", len(e.cfg.EngineConfig.Coins)).
		Bool("llm_available", e.gateway.Available()).
		Bool("auth_enabled", e.auth.Enabled()).
		Msg("Engine started")
	return nil
}

// Stop shuts down in reverse boot order: strategist first so no new
// conditions arrive, then the loops, the dashboard, the matcher (with a
// final checkpoint), the journal (drained), the feed and the store. Safe
// to call once, including after a failed Start.
func (e *Engine) Stop(ctx context.Context) {
	e.strategist.Stop()

	close(e.stopChan)
	e.wg.Wait()

	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Dashboard shutdown failed")
	}

	e.matcher.Pause("shutting down")
	if err := e.matcher.PersistState(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Final checkpoint failed")
	}
	e.matcher.Stop()

	e.journal.Flush()
	e.journal.Stop()

	if err := e.stream.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Feed close failed")
	}

	e.cache.Close()
	e.db.Close()
	e.releasePIDFile()

	e.logger.Info().Msg("Engine stopped")
}

// acquirePIDFile refuses to boot when the file names a live process, then
// claims it for this one. A stale file from a crashed run is overwritten.
func (e *Engine) acquirePIDFile(path string) error {
	if path == "" {
		return nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("%w: pid file %s names live process %d", ErrAlreadyRunning, path, pid)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	e.pidFile = path
	return nil
}

func (e *Engine) releasePIDFile() {
	if e.pidFile == "" {
		return
	}
	if err := os.Remove(e.pidFile); err != nil && !os.IsNotExist(err) {
		e.logger.Warn().Err(err).Str("path", e.pidFile).Msg("PID file removal failed")
	}
	e.pidFile = ""
}

func (e *Engine) closeBootResources() {
	if e.listener != nil {
		e.listener.Close()
	}
	e.releasePIDFile()
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
