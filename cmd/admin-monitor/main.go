package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"n8nadmin/internal/alerts"
	"n8nadmin/internal/backups"
	"n8nadmin/internal/config"
	"n8nadmin/internal/crypto"
	"n8nadmin/internal/db"
	"n8nadmin/internal/instances"
	"n8nadmin/internal/license"
	"n8nadmin/internal/logger"
	"n8nadmin/internal/monitor"
	"n8nadmin/internal/n8n"
	"n8nadmin/internal/store"
	"n8nadmin/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadMonitor()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel)
	otelShutdown, err := telemetry.Init(ctx, "admin-monitor", logg)
	if err != nil {
		logg.Error("opentelemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logg.Error("opentelemetry shutdown failed", "err", err)
		}
	}()

	dbConn, err := db.Connect(ctx, cfg.DatabaseURL, logg)
	if err != nil {
		logg.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	sealer, err := crypto.NewSealer(cfg.MasterKey)
	if err != nil {
		logg.Error("sealer init failed", "err", err)
		os.Exit(1)
	}

	st := store.New(dbConn, logg)
	resolver := license.New(cfg.LicenseKey, logg)
	remote := n8n.NewClient(cfg.RemoteTimeout, logg)
	mailer := alerts.NewSMTPMailer(cfg.SMTP)

	notifier := alerts.New(st, resolver, mailer, logg)
	st.SetAlertSink(notifier)

	svc := instances.NewService(st, sealer, remote, resolver, 30*time.Second, logg)

	mon := monitor.New(cfg, st, sealer, remote, notifier, nil, logg)
	scheduler := backups.NewScheduler(cfg, st, svc, resolver, logg)

	errCh := make(chan error, 2)
	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-errCh:
		logg.Error("monitor exited with error", "err", err)
		os.Exit(1)
	}
}
