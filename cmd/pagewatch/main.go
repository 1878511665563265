package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pagewatch/internal/capture"
	"pagewatch/internal/config"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/similarity"
	"pagewatch/internal/storage"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "pagewatch",
	Short:         "Watch web pages for visual changes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./configs", "directory containing config.yaml")
	rootCmd.AddCommand(serveCmd, checkCmd, targetsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg    config.Config
	log    *logrus.Logger
	ledger storage.Ledger
}

func loadApp(ctx context.Context) (*app, error) {
	// --- Configuration Loading ---
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	// --- Logger Setup ---
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"storage_driver": cfg.StorageDriver,
		"poll_interval":  cfg.PollInterval.String(),
	}).Info("Configuration loaded successfully")

	// --- Ledger ---
	var ledger storage.Ledger
	switch cfg.StorageDriver {
	case config.DriverBadger:
		ledger, err = storage.NewBadgerLedger(cfg.BadgerDBPath, log)
	default:
		ledger, err = storage.NewSQLiteLedger(ctx, cfg.SQLitePath, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	return &app{cfg: cfg, log: log, ledger: ledger}, nil
}

func (a *app) close() {
	a.log.Info("Closing ledger...")
	if err := a.ledger.Close(); err != nil {
		a.log.WithError(err).Error("Error closing ledger")
	}
}

func (a *app) capturer() *capture.RodCapturer {
	return capture.NewRodCapturer(capture.Config{
		BrowserBin:      a.cfg.BrowserBin,
		RemoteURL:       a.cfg.BrowserRemoteURL,
		Stealth:         a.cfg.Stealth,
		LoadTimeout:     a.cfg.LoadTimeout,
		SettleDelay:     a.cfg.SettleDelay,
		SelectorTimeout: a.cfg.SelectorTimeout,
		ViewportWidth:   a.cfg.ViewportWidth,
		ViewportHeight:  a.cfg.ViewportHeight,
	}, a.log)
}

func (a *app) analyzer() *similarity.Analyzer {
	return similarity.NewAnalyzer(similarity.Config{
		Threshold:      a.cfg.SimilarityThreshold,
		AreaThreshold:  a.cfg.DiffAreaThreshold,
		PixelTolerance: a.cfg.PixelTolerance,
	})
}

func (a *app) scheduler(c capture.Capturer, n scheduler.Notifier) *scheduler.Scheduler {
	return scheduler.New(a.ledger, c, a.analyzer(), n, a.log, scheduler.Config{
		PollInterval: a.cfg.PollInterval,
		Workers:      a.cfg.Workers,
		CycleTimeout: a.cfg.CycleTimeout,
	})
}
