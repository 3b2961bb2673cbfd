package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/api"
	"exchange/internal/bots"
	"exchange/internal/bus"
	"exchange/internal/config"
	"exchange/internal/engine"
	"exchange/internal/idempotency"
	"exchange/internal/ledger"
	"exchange/internal/marketdata"
	"exchange/internal/outbox"
	"exchange/internal/risk"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides config)")
	configPath := flag.String("config", "", "path to YAML config file")
	kafkaBrokers := flag.String("kafka", os.Getenv("KAFKA_BROKERS"), "comma-separated Kafka brokers (empty = log-only bus)")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	enableBot := flag.Bool("bot", false, "run a demo liquidity maker bot")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *kafkaBrokers != "" {
		cfg.Kafka.Brokers = strings.Split(*kafkaBrokers, ",")
	}

	riskCfg, err := cfg.Risk.Parse()
	if err != nil {
		logger.Error("invalid risk config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core components; one instance of each per process.
	accounts := ledger.New()
	gate := risk.NewGate(riskCfg)
	events := outbox.New()
	fanout := marketdata.NewFanout(cfg.MarketData.Parse(), logger)
	idem := idempotency.New(cfg.Idempotency.Parse())

	pipeline := engine.NewPipeline(cfg.Instruments, accounts, gate, events, fanout, cfg.SnapshotDepth, logger)

	var eventBus bus.EventBus
	if len(cfg.Kafka.Brokers) > 0 {
		logger.Info("publishing events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		eventBus = bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	} else {
		logger.Info("no kafka brokers configured, using log-only bus")
		eventBus = &bus.LogBus{Logger: logger}
	}
	defer eventBus.Close()

	publisher := outbox.NewPublisher(events, eventBus, outbox.NewRegistry(), cfg.Outbox.Parse(), logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		fanout.RunHeartbeat(ctx)
	}()

	if *enableBot {
		for _, inst := range cfg.Instruments {
			maker := bots.NewMaker(bots.MakerConfig{
				ClientID:       "maker-" + strings.ToLower(inst.Symbol),
				Instrument:     inst,
				ReferencePrice: decimal.NewFromInt(100),
				HalfSpread:     decimal.NewFromInt(1),
				SizePerLevel:   decimal.NewFromInt(1),
				Levels:         3,
				QuoteInterval:  2 * time.Second,
				BaseFunds:      decimal.NewFromInt(1000),
				QuoteFunds:     decimal.NewFromInt(1000000),
			}, pipeline, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				maker.Run(ctx)
			}()
		}
	}

	server := api.NewServer(pipeline, idem, fanout, logger)
	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		logger.Info("CORS restricted", "origins", origins)
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("exchange listening", "addr", cfg.Addr, "symbols", len(cfg.Instruments))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	// Wait for the publisher and heartbeat to drain before exiting.
	wg.Wait()
	logger.Info("shutdown complete")
}
