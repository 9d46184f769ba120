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
	"golang.org/x/crypto/bcrypt"

	"n8nadmin/internal/alerts"
	"n8nadmin/internal/api"
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

	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel)
	otelShutdown, err := telemetry.Init(ctx, "admin-api", logg)
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

	if err := seedAdmin(ctx, st); err != nil {
		logg.Error("admin seed failed", "err", err)
		os.Exit(1)
	}

	svc := instances.NewService(st, sealer, remote, resolver, cfg.RemoteCacheTTL, logg)
	hub := api.NewHub(logg)
	server := api.NewServer(cfg, st, svc, notifier, resolver, mailer, hub, logg)

	errCh := make(chan error, 3)
	go func() {
		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// The monitor and backup scheduler run in-process by default so live
	// status updates reach the dashboard hub. Set MONITOR_STANDALONE=true
	// when the admin-monitor binary is deployed separately.
	if os.Getenv("MONITOR_STANDALONE") != "true" {
		mcfg, err := config.LoadMonitor()
		if err != nil {
			logg.Error("monitor config error", "err", err)
			os.Exit(1)
		}
		mon := monitor.New(mcfg, st, sealer, remote, notifier, hub, logg)
		scheduler := backups.NewScheduler(mcfg, st, svc, resolver, logg)
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
	}

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-errCh:
		logg.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// seedAdmin creates the bootstrap account on an empty database. Without
// ADMIN_PASSWORD no account is seeded and login stays impossible until one
// is created out of band.
func seedAdmin(ctx context.Context, st *store.Store) error {
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}
	email := os.Getenv("ADMIN_EMAIL")
	if email == "" {
		email = "admin@localhost"
	}
	tenantID := os.Getenv("ADMIN_TENANT_ID")
	if tenantID == "" {
		tenantID = "default"
	}

	return st.EnsureAdminUser(ctx, username, email, string(hash), tenantID)
}
