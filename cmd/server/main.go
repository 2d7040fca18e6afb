package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/davefell/capitalflow/internal/alert"
	"github.com/davefell/capitalflow/internal/broker"
	"github.com/davefell/capitalflow/internal/config"
	"github.com/davefell/capitalflow/internal/pipeline"
	"github.com/davefell/capitalflow/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local runs; config expansion reads the environment
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.Infof("Starting webhook trader against Capital.com %s environment", cfg.Environment.Mode)
	if !cfg.IsDemo() {
		logger.Warn("LIVE TRADING MODE - Real money at risk!")
	}

	capital := broker.NewCapitalAPIWithBaseURL(
		cfg.Broker.APIKey,
		cfg.Broker.Identifier,
		cfg.Broker.Password,
		cfg.Broker.AccountID,
		cfg.IsDemo(),
		cfg.Broker.APIEndpoint,
	).WithTimeout(cfg.GetCallTimeout())

	brk := broker.NewCircuitBreakerBroker(capital)

	p := pipeline.New(brk, alert.Defaults{
		CashFraction:     cfg.Trading.CashFraction,
		StopLossFraction: cfg.Trading.StopLossFraction,
	}, logger, pipeline.Config{CallTimeout: cfg.GetCallTimeout()})

	server := webhook.NewServer(webhook.Config{
		Port:         cfg.Server.Port,
		PathToken:    cfg.Server.PathToken,
		SharedSecret: cfg.Server.SharedSecret,
	}, p, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errChan:
		logger.Fatalf("Server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown error: %v", err)
	}
	logger.Info("Server stopped")
}
