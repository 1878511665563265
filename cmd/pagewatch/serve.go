package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pagewatch/internal/api"
	"pagewatch/internal/notify"
	"pagewatch/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring loop and the HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	// Create context that listens for interrupt signals
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	// --- Initialize Components ---
	capturer := a.capturer()
	defer capturer.Close()

	var notifier scheduler.Notifier
	var telegram *notify.TelegramNotifier
	if a.cfg.TelegramBotToken != "" {
		telegram, err = notify.NewTelegramNotifier(a.cfg.TelegramBotToken, a.cfg.TelegramChatID, a.ledger, log)
		if err != nil {
			return err
		}
		notifier = telegram
	}

	sched := a.scheduler(capturer, notifier)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.NewHandler(api.Deps{Ledger: a.ledger, Checker: sched, Log: log}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// --- Application Startup ---
	log.Info("Starting pagewatch...")
	sched.Start(ctx)
	if telegram != nil {
		go telegram.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", a.cfg.HTTPAddr).Info("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// --- Wait for Shutdown Signal ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down pagewatch...")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-sched.Done():
		runErr = sched.Err()
		log.WithError(runErr).Error("Scheduler exited")
	}

	// --- Graceful Shutdown ---
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	sched.Stop()
	stop()

	log.Info("pagewatch shut down gracefully.")
	return runErr
}
