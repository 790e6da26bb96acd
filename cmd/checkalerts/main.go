// Command checkalerts runs one check pass and exits: every due alert of a
// type, a single alert, or every active alert of a user.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pulsewatch/config"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/markethours"
	"pulsewatch/internal/model"
	"pulsewatch/internal/service"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", os.Getenv("PULSEWATCH_CONFIG"), "path to YAML config file")
	alertType := flag.String("type", "", "check every due alert of this type (crypto, currency, stock, weather, website)")
	alertID := flag.Int64("alert", 0, "check a single alert by id")
	userID := flag.String("user", "", "check every active alert of a user")
	force := flag.Bool("force", false, "run stock checks outside exchange hours")
	flag.Parse()

	targets := 0
	for _, set := range []bool{*alertType != "", *alertID > 0, *userID != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -type, -alert or -user is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatalf("[checkalerts] config: %v", err)
	}
	slogger := logger.Init("checkalerts", logger.ParseLevel(cfg.App.LogLevel))

	svc, err := service.New(cfg, slogger, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("[checkalerts] init: %v", err)
	}
	defer svc.Close()

	var out any
	switch {
	case *alertType != "":
		t, err := model.ParseAlertType(*alertType)
		if err != nil {
			log.Fatalf("[checkalerts] %v", err)
		}
		sum, skipped, err := svc.Scheduler.RunOnce(ctx, t, *force || cfg.Scheduler.ForceStock)
		if err != nil {
			log.Fatalf("[checkalerts] %s: %v", t, err)
		}
		if skipped {
			log.Printf("[checkalerts] stock checks skipped: %s (use -force to override)", markethours.StatusString(time.Now()))
		}
		out = sum
	case *alertID > 0:
		res, err := svc.Registry.CheckAlert(ctx, *alertID)
		if err != nil {
			log.Fatalf("[checkalerts] alert %d: %v", *alertID, err)
		}
		out = res
	default:
		results, err := svc.Registry.CheckUser(ctx, *userID)
		if err != nil {
			log.Fatalf("[checkalerts] user %s: %v", *userID, err)
		}
		out = results
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
