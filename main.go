package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mts-core/internal/agent"
	"mts-core/internal/api"
	"mts-core/internal/events"
	"mts-core/internal/gateway"
	"mts-core/internal/market"
	"mts-core/internal/order"
	"mts-core/internal/orchestrator"
	"mts-core/internal/portfolio"
	"mts-core/internal/reconcile"
	"mts-core/internal/risk"
	"mts-core/pkg/config"
	"mts-core/pkg/db"
	"mts-core/pkg/exchange"
	"mts-core/pkg/exchange/hyperliq"
	"mts-core/pkg/exchange/paper"
	"mts-core/pkg/instance"
)

const (
	exitOK    = 0
	exitError = 1
	// exitConfig distinguishes unrecoverable configuration and credential
	// failures from runtime errors.
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration invalid: %v", err)
		if config.IsFatal(err) {
			return exitConfig
		}
		return exitError
	}

	instanceID := instance.ID()
	log.Printf("starting mts-core instance %s (dry-run=%v, testnet=%v)", instanceID, cfg.DryRun, cfg.Testnet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Printf("open database: %v", err)
		return exitError
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Printf("migrate database: %v", err)
		return exitError
	}

	bus := events.NewBus()
	feed := market.NewFeed(bus, 0)

	book := portfolio.NewStore(database, bus)
	if err := book.Load(ctx); err != nil {
		log.Printf("restore portfolio: %v", err)
		return exitError
	}
	orders := order.NewManager(database, bus, book)
	if err := orders.Load(ctx); err != nil {
		log.Printf("restore orders: %v", err)
		return exitError
	}

	adapter, streamer, status, venuePositions, err := buildVenue(cfg, feed)
	if err != nil {
		log.Printf("venue setup: %v", err)
		if config.IsFatal(err) {
			return exitConfig
		}
		return exitError
	}

	deciders, err := agent.LoadRoster(cfg.RolesPath)
	if err != nil {
		log.Printf("load roster: %v", err)
		return exitConfig
	}

	limits := func() risk.Limits {
		return risk.NewLimits(cfg.Instruments, cfg.MaxPositionSize, cfg.MaxNotionalExposure,
			cfg.MaxOpenOrders, cfg.MaxOrderFraction)
	}
	gw := gateway.New(book, orders, adapter, feed, bus, limits,
		cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.SubmitTimeout)

	orch := orchestrator.New(deciders, gw, book, orders, feed, bus, database,
		instanceID, cfg.CycleInterval, cfg.SettleTimeout)
	sweeper := reconcile.New(orders, book, status, venuePositions, bus,
		cfg.ReconcileInterval, cfg.ReconcileAutoSync)

	// Venue event stream feeds the order manager concurrently with cycles.
	streamEvents, err := streamer.Events(ctx)
	if err != nil {
		log.Printf("open venue stream: %v", err)
		return exitError
	}
	go func() {
		for ev := range streamEvents {
			if err := orders.HandleEvent(ctx, ev); err != nil {
				log.Printf("stream event: %v", err)
			}
		}
	}()

	if cfg.DryRun {
		walk := market.NewRandomWalk(feed, startPrices(cfg.Instruments), time.Second, time.Now().UnixNano())
		go walk.Run(ctx)
	}
	go orch.Run(ctx)
	go sweeper.Run(ctx)

	server := api.NewServer(cfg.JWTSecret, cfg.OperatorKey, instanceID, book, orders, database, bus)
	if err := server.Run(ctx, ":"+cfg.Port); err != nil {
		log.Printf("api server: %v", err)
		return exitError
	}

	log.Printf("shutdown complete")
	return exitOK
}

// buildVenue picks the paper simulator or the live adapter. All four
// capabilities (submit, stream, order status, positions) come from the same
// venue so reconciliation compares against what orders actually hit.
func buildVenue(cfg *config.Config, feed *market.Feed) (exchange.Adapter, exchange.Streamer, exchange.StatusClient, exchange.PositionClient, error) {
	if cfg.DryRun {
		sim := paper.New(feed.Marks, paper.WithFeeRate(0.00045))
		return sim, sim, sim, sim, nil
	}

	hlCfg := hyperliq.Config{
		BaseURL:       cfg.ExchangeBaseURL,
		WSURL:         cfg.ExchangeWSURL,
		APIKey:        cfg.ExchangeAPIKey,
		APISecret:     cfg.ExchangeAPISecret,
		WalletAddress: cfg.WalletAddress,
		Timeout:       cfg.SubmitTimeout,
	}
	throttle := exchange.NewThrottle(cfg.RequestsPerMinute, cfg.RequestBurst, cfg.SubmitTimeout)
	client := hyperliq.NewClient(hlCfg, throttle)

	// Refuse to trade live against an unreachable or misconfigured venue.
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.Positions(pingCtx); err != nil {
		if exchange.IsPermanent(err) {
			return nil, nil, nil, nil, &config.FatalError{Reason: "venue rejected credentials: " + err.Error()}
		}
		return nil, nil, nil, nil, &config.FatalError{Reason: "venue unreachable at startup: " + err.Error()}
	}

	return client, hyperliq.NewStream(hlCfg), client, client, nil
}

// startPrices seeds the dry-run random walk with plausible levels.
func startPrices(instruments []string) map[string]float64 {
	defaults := map[string]float64{
		"BTC":  65000,
		"ETH":  3400,
		"HYPE": 25,
		"SOL":  150,
	}
	out := make(map[string]float64, len(instruments))
	for _, inst := range instruments {
		if p, ok := defaults[inst]; ok {
			out[inst] = p
		} else {
			out[inst] = 100
		}
	}
	return out
}
