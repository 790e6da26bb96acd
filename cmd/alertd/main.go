package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pulsewatch/config"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/service"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[alertd] starting...")

	configPath := flag.String("config", os.Getenv("PULSEWATCH_CONFIG"), "path to YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatalf("[alertd] config: %v", err)
	}

	slogger := logger.InitWithOptions(cfg.App.Name, logger.Options{
		Level: logger.ParseLevel(cfg.App.LogLevel),
		File:  cfg.App.LogFile,
	})
	if cfg.App.MockMode {
		log.Println("[alertd] *** MOCK MODE: notifications are logged, not sent ***")
	}

	svc, err := service.New(cfg, slogger, nil)
	if err != nil {
		log.Fatalf("[alertd] init: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("[alertd] close: %v", err)
		}
	}()

	log.Println("[alertd] ✅ all systems running. Press Ctrl+C to stop.")
	if err := svc.Run(ctx); err != nil {
		log.Printf("[alertd] stopped with error: %v", err)
		return
	}
	log.Println("[alertd] stopped")
}
