// Command driftwatch runs the metric ingestion, forecasting, and alerting
// pipeline as a single process: HTTP API, evaluation sweeps, and the
// maintenance loops (escalation, reminders, dead-letter replay, expiry).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logging"
)

// Exit codes, sysexits style where one fits.
const (
	exitOK          = 0
	exitUsage       = 64 // bad configuration
	exitUnavailable = 69 // a required dependency could not be reached
	exitTempFail    = 75 // runtime failure after a clean start
	exitFailure     = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/driftwatch/config.yaml", "path to the YAML config file")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create config manager: %v\n", err)
		return exitUsage
	}
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitUsage
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}
	cfg := mgr.Get(ctx)
	if *validateOnly {
		fmt.Println("configuration is valid")
		return exitOK
	}

	log, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitUsage
	}
	defer log.Sync()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return exitUnavailable
	}

	if err := a.run(ctx); err != nil {
		log.Error("runtime failure", zap.Error(err))
		return exitTempFail
	}
	return exitOK
}
