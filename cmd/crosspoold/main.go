package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosspool/crosspool/internal/api"
	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/logger"
	"github.com/crosspool/crosspool/internal/manager"
)

var configPath = flag.String("config", "config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("crosspoold starting", "config", *configPath, "pools", len(cfg.Pools))

	mgr := manager.New()
	mgr.SetFailoverPolicy(manager.PolicyFromConfig(cfg.Failover))

	ctx := context.Background()
	for id, poolCfg := range cfg.Pools {
		if err := mgr.CreatePool(ctx, id, poolCfg); err != nil {
			logger.Error("failed to create pool", "pool", id, "err", err)
			os.Exit(1)
		}
	}

	// Periodic alert evaluation over live pool summaries.
	alertStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mgr.EvaluateAlerts()
			case <-alertStop:
				return
			}
		}
	}()

	server := api.NewServer(&cfg.API, mgr)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server error", "err", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	close(alertStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during API shutdown", "err", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error("error closing pools", "err", err)
	}

	logger.Info("stopped cleanly")
}
