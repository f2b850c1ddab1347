// Command economyd runs the Starforge resource economy engine.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/starforge/internal/api"
	"github.com/talgya/starforge/internal/config"
	"github.com/talgya/starforge/internal/conversion"
	"github.com/talgya/starforge/internal/engine"
	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/exchange"
	"github.com/talgya/starforge/internal/flow"
	"github.com/talgya/starforge/internal/integration"
	"github.com/talgya/starforge/internal/ledger"
	"github.com/talgya/starforge/internal/perf"
	"github.com/talgya/starforge/internal/persistence"
	"github.com/talgya/starforge/internal/registry"
	"github.com/talgya/starforge/internal/resource"
	"github.com/talgya/starforge/internal/storage"
	"github.com/talgya/starforge/internal/threshold"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("Starforge — Resource Flow & Economy Engine")

	cfgPath := envOrDefault("STARFORGE_CONFIG", "balance.yaml")
	dbPath := envOrDefault("STARFORGE_DB", "data/starforge.db")
	apiPort := envIntOrDefault("STARFORGE_PORT", 8080)
	adminKey := os.Getenv("STARFORGE_ADMIN_KEY")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// ── Database ──────────────────────────────────────────────────────
	os.MkdirAll("data", 0755)
	db, err := persistence.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", dbPath)

	// ── Core managers ─────────────────────────────────────────────────
	bus := events.NewBus(cfg.EventHistoryMax)

	lg := ledger.New("ledger", bus, ledger.Options{
		MinTransferBatch:       cfg.MinTransferBatch,
		MaxTransferBatch:       cfg.MaxTransferBatch,
		TransferRateMultiplier: cfg.TransferRateMultiplier,
		TransferHistoryMax:     cfg.TransferHistoryMax,
	})
	for _, s := range ledger.DefaultStrategies() {
		lg.RegisterStrategy(s)
	}

	monitor := perf.NewMonitor("monitor", bus, 120, 60)
	lg.SetRecorder(monitor)
	adaptive := perf.NewAdaptive(monitor, perf.ProfileBalanced)

	costs := ledger.NewCostManager("costs", nil)

	xchg := exchange.New("exchange", bus, exchange.Options{
		MarketUpdateInterval:  cfg.MarketUpdateInterval.Std(),
		TransactionHistoryMax: cfg.TransactionHistoryMax,
		Probabilities: exchange.Probabilities{
			Stable:   cfg.MarketProbabilities.Stable,
			Volatile: cfg.MarketProbabilities.Volatile,
			Bullish:  cfg.MarketProbabilities.Bullish,
			Bearish:  cfg.MarketProbabilities.Bearish,
		},
		SentimentScale: cfg.SentimentScale,
	})

	store := storage.New("storage", bus, storage.Options{
		Weights: storage.Weights{
			Container: cfg.Storage.ContainerWeight,
			Resource:  cfg.Storage.ResourceWeight,
			Fill:      cfg.Storage.FillWeight,
		},
		OverflowPolicy:     storage.OverflowRedistribute,
		RebalanceThreshold: cfg.Storage.RebalanceThreshold,
		RebalanceTolerance: cfg.Storage.RebalanceTolerance,
		RedistributeGrowth: cfg.Storage.RedistributeGrowth,
		Alternatives:       alternativesFromConfig(cfg.Alternatives),
		AlternativeRatio:   cfg.AlternativeRatio,
		TransferHistoryMax: cfg.TransferHistoryMax,
	})

	thresholds := threshold.New("thresholds", bus, lg, cfg.ResolvedHold.Std())
	flows := flow.New("flows", bus)
	converter := conversion.New("conversion", bus, lg)

	// ── Restore snapshot, if any ──────────────────────────────────────
	if snap, err := db.LoadSnapshot(); err == nil {
		persistence.Apply(lg, *snap)
		slog.Info("snapshot restored", "saved_at", snap.Timestamp)
	} else {
		slog.Info("no usable snapshot, starting fresh", "reason", err)
	}

	// The bridge scaffolds containers, node triads, and thresholds from
	// whatever the ledger holds at this point.
	bridge := integration.New("bridge", bus, lg, flows, store, thresholds)
	defer bridge.Close()

	// ── Service registry (boundary for UI/integration code) ──────────
	services := registry.New()
	services.Register("bus", bus)
	services.Register("db", db)
	services.Register("ledger", lg)
	services.Register("costs", costs)
	services.Register("exchange", xchg)
	services.Register("storage", store)
	services.Register("thresholds", thresholds)
	services.Register("flows", flows)
	services.Register("conversion", converter)
	services.Register("monitor", monitor)
	services.Register("adaptive", adaptive)
	services.Register("bridge", bridge)

	// ── Engine loop and periodic tasks ────────────────────────────────
	eng := engine.NewEngine(cfg.TickInterval.Std(), cfg.Speed)
	services.Register("engine", eng)

	eng.OnTick = func(deltaTime time.Duration) {
		lg.Update(deltaTime)
		bridge.SyncRates()
		bridge.Update(deltaTime)
	}

	eng.Schedule("market-update", cfg.MarketUpdateInterval.Std(), func(now time.Time) {
		xchg.UpdateMarketConditions(now)
	})
	eng.Schedule("threshold-check", cfg.ThresholdCheckInterval.Std(), func(now time.Time) {
		thresholds.CheckAll(now)
	})
	eng.Schedule("conversion-tick", cfg.TickInterval.Std(), func(now time.Time) {
		converter.Tick(now)
	})
	eng.Schedule("rebalance", cfg.RebalanceInterval.Std(), func(now time.Time) {
		store.CheckAndRebalance()
	})
	eng.Schedule("perf-snapshot", cfg.PerfSnapshotInterval.Std(), func(now time.Time) {
		snap := monitor.TakeSnapshot(now)
		if err := db.SaveMetricSnapshot(snap); err != nil {
			slog.Warn("metric snapshot save failed", "error", err)
		}
		eng.SetThrottle(adaptive.ThrottleFactor())
	})
	eng.Schedule("snapshot-save", cfg.SnapshotSaveInterval.Std(), func(now time.Time) {
		if err := db.SaveSnapshot(persistence.Capture(lg)); err != nil {
			slog.Warn("snapshot save failed", "error", err)
		}
	})

	// ── HTTP API and event stream ─────────────────────────────────────
	hub := api.NewHub(bus)
	go hub.Run()

	server, err := api.NewServer(services, hub, apiPort, adminKey)
	if err != nil {
		slog.Error("failed to wire API server", "error", err)
		os.Exit(1)
	}
	server.Start()

	// ── Run until signalled ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		eng.Stop()
	}()

	eng.Run()

	if err := db.SaveSnapshot(persistence.Capture(lg)); err != nil {
		slog.Warn("final snapshot save failed", "error", err)
	}
	fmt.Println("Engine stopped. Economy state saved.")
}

func alternativesFromConfig(raw map[string]string) map[resource.Type]resource.Type {
	out := make(map[resource.Type]resource.Type, len(raw))
	for from, to := range raw {
		f, okF := resource.TypeFromName(from)
		t, okT := resource.TypeFromName(to)
		if okF && okT {
			out[f] = t
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
