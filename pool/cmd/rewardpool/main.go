package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/app"
	"github.com/malbeclabs/rewardpool/pool/pkg/config"
	"github.com/malbeclabs/rewardpool/pool/pkg/metrics"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/malbeclabs/rewardpool/pool/pkg/server"
	"github.com/malbeclabs/rewardpool/utils/pkg/logger"
	flag "github.com/spf13/pflag"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.New(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnv,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("rewardpool: sentry initialized", "environment", cfg.SentryEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, log, cfg, app.Options{
		Version: server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	log.Info("rewardpool: started",
		"version", version,
		"ledger", cfg.LedgerBackend,
		"simulated", cfg.Simulated(),
		"pool", a.Addresses.Pool,
		"vault", a.Addresses.Vault,
		"authority", a.Authority,
		"mode", cfg.Mode)

	if !cfg.Once {
		return a.Run(ctx)
	}

	report, err := a.RunOnce(ctx)
	if report != nil {
		app.LogSummary(log, report)
	}
	if err != nil {
		// StepError renders as "<step>: <cause>".
		if poolerr.Step(err) == "" {
			return fmt.Errorf("cycle: %w", err)
		}
		return err
	}
	return nil
}
