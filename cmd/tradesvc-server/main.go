package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradesvc/internal/broker"
	"tradesvc/internal/config"
	"tradesvc/internal/engine"
	"tradesvc/internal/httpapi"
	"tradesvc/internal/risk"
	"tradesvc/internal/store"
	"tradesvc/internal/util"
	"tradesvc/internal/webhook"
)

func main() {
	cfgPath := "config/tradesvc.yaml"
	if p := os.Getenv("TRADESVC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)

	ledger, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer ledger.Close()

	var venue broker.Broker
	switch cfg.Broker.Adapter {
	case "alpaca":
		venue = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger)
	default:
		venue = broker.NewInstantBroker(cfg.Risk.RefPrices())
	}
	logger.Info("broker adapter selected", "adapter", venue.Name())

	riskEngine := risk.New(risk.NewLimits(
		cfg.Risk.MaxPosition(),
		cfg.Risk.MaxDailyLoss(),
		cfg.Risk.AllowedSymbols,
		cfg.Risk.RefPrices(),
	))

	dispatcher := webhook.NewDispatcher(ledger, webhook.Options{
		URL:            cfg.Webhook.URL,
		Secret:         cfg.Webhook.Secret,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BaseDelay:      cfg.Webhook.BaseDelay(),
		MaxDelay:       cfg.Webhook.MaxDelay(),
		RequestTimeout: time.Duration(cfg.Webhook.RequestTimeout) * time.Second,
	}, logger)

	eng := engine.New(ledger, riskEngine, venue, engine.Options{
		MaxVenueAttempts: cfg.Broker.MaxAttempts,
		VenueTimeout:     cfg.Broker.Timeout(),
		Notify:           dispatcher.Nudge,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go dispatcher.Start(ctx)
	go eng.Reconcile(ctx)

	api := httpapi.NewServer(eng, ledger, ledger, venue.Name(), logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}

	go func() {
		logger.Info("tradesvc-server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
