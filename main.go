package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"satupdate/internal/config"
	"satupdate/internal/results"
	"satupdate/internal/simulation"
	"satupdate/internal/utils"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	var basePath string
	var debug bool
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	// Load MainConfig
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		if cfg == nil || !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("Load config failed: %v", err)
		}
		log.Printf("No config file found, using defaults: %v", err)
	}
	if debug {
		cfg.Debug = true
	}

	logger := utils.NewConsoleLogger(cfg.Debug)
	defer logger.Sync()

	logs := utils.NewManager(cfg.LogPath, cfg.Debug)
	defer logs.Close()

	sinks := []results.Sink{results.NewJSONWriter(cfg.ResultsPath)}
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Fatal("create sqlite dir failed", zap.Error(err))
			}
		}
		db, err := results.OpenSQLiteSink(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("open sqlite sink failed", zap.String("path", cfg.SQLitePath), zap.Error(err))
		}
		sinks = append(sinks, db)
	}

	runner := simulation.NewRunner(cfg, logs, logger, sinks...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Ready to run experiments",
		zap.Int("topologies", len(cfg.Topologies)),
		zap.Int("rounds", cfg.Rounds),
		zap.Int("workers", cfg.Workers),
	)

	exps, runErr := runner.Run(ctx)
	if err := runner.Close(); err != nil {
		logger.Error("closing sinks failed", zap.Error(err))
	}
	if cfg.SummaryPath != "" && len(exps) > 0 {
		rows := results.Summarize(exps)
		if err := results.WriteSummaryCSV(cfg.SummaryPath, rows); err != nil {
			logger.Error("write summary failed", zap.String("path", cfg.SummaryPath), zap.Error(err))
		} else {
			logger.Info("summary written", zap.String("path", cfg.SummaryPath), zap.Int("experiments", len(rows)))
		}
	}

	return finish(ctx, runErr, logger)
}

// finish maps the runner's result to the process outcome. Experiments cut
// short by SIGINT/SIGTERM are a clean stop; any other failure is not.
func finish(ctx context.Context, runErr error, logger *zap.Logger) error {
	if ctx.Err() != nil && onlyCanceled(runErr) {
		logger.Info("Experiments stopped")
		return nil
	}
	if runErr != nil {
		logger.Error("some experiments failed", zap.Error(runErr))
	}
	return runErr
}

func onlyCanceled(err error) bool {
	if err == nil {
		return true
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			if !errors.Is(e, context.Canceled) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, context.Canceled)
}
