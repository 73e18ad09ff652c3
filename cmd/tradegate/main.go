package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/catalog"
	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/internal/orchestrator"
	"tradegate/internal/queue"
	"tradegate/internal/reconcile"
	sigrouter "tradegate/internal/signal"
	"tradegate/pkg/config"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/binance"
	"tradegate/pkg/exchanges/bybit"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/exchanges/upbit"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting tradegate on %s", cfg.BindAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBURL)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	if cfg.SecretKey == "" {
		log.Fatal("SECRET_KEY is required (hex-encoded 32 bytes)")
	}
	secrets, err := crypto.NewEncryptorHex(cfg.SecretKey, 1)
	if err != nil {
		log.Fatalf("secret store init failed: %v", err)
	}

	limits, err := common.LoadExchangeLimits(cfg.LimitsPath)
	if err != nil {
		log.Fatalf("exchange limits load failed: %v", err)
	}

	registry := common.NewRegistry()
	registry.Register(common.ExchangeBinance, common.MarketFutures, binance.NewFutures)
	registry.Register(common.ExchangeBinance, common.MarketSpot, binance.NewSpot)
	registry.Register(common.ExchangeBybit, common.MarketFutures, bybit.New(common.MarketFutures))
	registry.Register(common.ExchangeBybit, common.MarketSpot, bybit.New(common.MarketSpot))
	registry.Register(common.ExchangeUpbit, common.MarketSpot, upbit.New)

	bus := events.NewBus(cfg.SSEMaxQueue, cfg.SSEHistory)
	bus.SetValidator(func(strategyID int64) bool {
		s, err := database.GetStrategy(context.Background(), strategyID)
		return err == nil && s.IsActive
	})
	go bus.RunReaper(ctx, time.Minute)

	cat := catalog.New()
	eng := engine.New(database, bus)
	manager := reconcile.NewManager(database, bus, eng, registry, secrets, cat, cfg.RateLimitSafety)

	signals := sigrouter.NewRouter(database, cfg.MaxBatchOrders)
	orch := orchestrator.New(database, eng, manager, cat, limits, cfg.StopAllocationRatio)
	scheduler := queue.New(database, eng, limits, cfg.StopAllocationRatio, manager.Resolve)

	// Background loops. Prime/odd intervals come from config so the
	// timers never line up.
	go manager.Run(ctx, cfg.OpenOrderPoll)
	go manager.RunPriceRefresher(ctx, cfg.PriceRefresh)
	go manager.RunPnLRefresher(ctx, cfg.PnLRefresh)
	go cat.RunRefresher(ctx, cfg.CatalogRefreshMinute(), manager.Sources)
	go scheduler.Run(ctx, cfg.QueueRebalance)

	server := api.NewServer(database, bus, eng, manager, signals, orch,
		cfg.JWTSecret, cfg.HTTPDeadline, cfg.SSEHeartbeat)
	go func() {
		if err := server.Start(cfg.BindAddr); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
