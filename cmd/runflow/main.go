package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/runflow/internal/config"
	"github.com/rewired-gh/runflow/internal/engine"
	"github.com/rewired-gh/runflow/internal/ingest"
	"github.com/rewired-gh/runflow/internal/logger"
	"github.com/rewired-gh/runflow/internal/models"
	"github.com/rewired-gh/runflow/internal/reconcile"
	"github.com/rewired-gh/runflow/internal/storage"
	"github.com/rewired-gh/runflow/internal/telegram"
)

var (
	configPath   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	runnersPath  = flag.String("runners", "data/runners.csv", "Runner rows (.csv or .json)")
	segmentsPath = flag.String("segments", "configs/segments.yaml", "Course segment definitions (.yaml or .json)")
)

var errReconcileFailed = errors.New("reconciliation failed")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cancelling run...")
		cancel()
	}()

	if err := execute(ctx, cfg); err != nil {
		logger.Fatal("Run failed: %v", err)
	}
}

func execute(ctx context.Context, cfg *config.Config) error {
	rules, err := cfg.BuildRulebook()
	if err != nil {
		return err
	}
	epoch, err := cfg.EpochTime()
	if err != nil {
		return err
	}

	// Read inputs
	segments, err := ingest.ReadSegmentsFile(*segmentsPath)
	if err != nil {
		return fmt.Errorf("failed to read segments: %w", err)
	}
	rows, err := ingest.ReadRowsFile(*runnersPath)
	if err != nil {
		return fmt.Errorf("failed to read runners: %w", err)
	}
	records, rowErrs := ingest.ResolveAll(rows)
	for _, rowErr := range rowErrs {
		logger.Warn("Skipping runner %v", rowErr)
	}
	if len(records) == 0 {
		return fmt.Errorf("no usable runner rows in %s", *runnersPath)
	}
	runners, err := ingest.Trajectories(records, cfg.CourseLengths(), cfg.EventStarts())
	if err != nil {
		return err
	}
	logger.Info("Loaded %d segments and %d runners", len(segments), len(runners))

	// Compute
	eng := engine.New(rules, cfg.EngineOptions())
	run := models.NewRunContext(epoch, time.Now())
	logger.Info("Starting run %s (step: %.3f km, window: %ds, workers: %d)",
		run.RunID, cfg.Engine.BinStepKm, cfg.Engine.WindowSeconds, eng.Workers())

	startTime := time.Now()
	res, err := eng.Run(ctx, run, segments, runners)
	if err != nil {
		return err
	}
	logger.Info("Run %s computed in %v: %d bins, %d windows, %d flags, %d overlaps",
		run.RunID, time.Since(startTime), len(res.Bins), len(res.Windows), len(res.Flags), len(res.Overlaps))

	// Persist
	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	if err := store.SaveRun(ctx, res); err != nil {
		return err
	}
	if cfg.Storage.MaxRuns > 0 {
		if _, err := store.PruneRuns(ctx, cfg.Storage.MaxRuns); err != nil {
			logger.Warn("Failed to prune old runs: %v", err)
		}
	}

	// Audit the persisted artifact, not the in-memory one
	report, err := audit(ctx, store, run.RunID, cfg.Reconcile.Tolerance)
	if err != nil {
		return err
	}

	// Notify
	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Error("Failed to initialize Telegram client: %v", err)
		} else if err := tg.SendFlags(ctx, run, res.Flags); err != nil {
			logger.Error("Failed to send Telegram notification: %v", err)
		}
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if !report.Passed() {
		return fmt.Errorf("%w: %d of %d windows", errReconcileFailed, len(report.Mismatches), report.Windows)
	}
	return nil
}

func audit(ctx context.Context, store *storage.Storage, runID string, tolerance float64) (*reconcile.Report, error) {
	windows, err := store.LoadSegmentWindows(ctx, runID)
	if err != nil {
		return nil, err
	}
	bins, err := store.LoadBins(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := reconcile.Validate(windows, bins, tolerance)
	for _, s := range report.Segments {
		logger.Debug("Reconcile %s: %d windows, %d failed, err mean=%.4f p95=%.4f max=%.4f",
			s.SegmentID, s.Windows, s.Failed, s.MeanErr, s.P95Err, s.MaxErr)
	}
	for _, m := range report.Mismatches {
		at := time.Unix(0, m.Key.Start).UTC().Format(time.RFC3339)
		if m.Missing != "" {
			logger.Warn("Reconcile %s@%s: window missing from %s", m.Key.SegmentID, at, m.Missing)
			continue
		}
		logger.Warn("Reconcile %s@%s: canonical=%.4f fresh=%.4f err=%.4f",
			m.Key.SegmentID, at, m.Canonical, m.Fresh, m.RelErr)
	}
	if report.Passed() {
		logger.Info("Reconciliation passed: %d windows within %.1f%%", report.Windows, report.Tolerance*100)
	}
	return report, nil
}
