// Package backups runs scheduled workflow exports for tenants that enabled
// them. Paid feature; the community edition never schedules anything.
package backups

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"n8nadmin/internal/config"
	"n8nadmin/internal/license"
	"n8nadmin/internal/store"
)

// Exporter builds a workflow archive for an instance. Implemented by the
// instances service.
type Exporter interface {
	ExportArchive(ctx context.Context, tenantID, instanceID string, workflowIDs []string) ([]byte, error)
}

type Scheduler struct {
	cfg      config.MonitorConfig
	store    *store.Store
	exporter Exporter
	license  *license.Resolver
	logger   *slog.Logger
}

func NewScheduler(cfg config.MonitorConfig, st *store.Store, exporter Exporter, resolver *license.Resolver, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		exporter: exporter,
		license:  resolver,
		logger:   logger,
	}
}

// Run ticks at a fraction of the smallest backup interval so due backups
// start close to their schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.enabled() {
		s.logger.Info("scheduled backups not licensed, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	s.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) enabled() bool {
	return s.license.IsPremium() && s.license.IsFeatureEnabled(license.FeatureScheduledBackups)
}

func (s *Scheduler) runDue(ctx context.Context) {
	tenants, err := s.store.ListTenantsWithBackupsEnabled(ctx)
	if err != nil {
		s.logger.Error("list backup tenants failed", "err", err)
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		s.runTenant(ctx, tenantID)
	}
}

func (s *Scheduler) runTenant(ctx context.Context, tenantID string) {
	settings, err := s.store.GetBackupSettings(ctx, tenantID)
	if err != nil {
		s.logger.Error("load backup settings failed", "tenantId", tenantID, "err", err)
		return
	}
	if !settings.Enabled || settings.IntervalHours <= 0 {
		return
	}
	interval := time.Duration(settings.IntervalHours) * time.Hour

	rows, err := s.store.ListInstances(ctx, tenantID)
	if err != nil {
		s.logger.Error("list instances for backup failed", "tenantId", tenantID, "err", err)
		return
	}

	now := time.Now().UTC()
	for _, row := range rows {
		last, err := s.store.LastBackupAt(ctx, row.ID)
		if err != nil {
			s.logger.Error("load last backup failed", "instanceId", row.ExternalID, "err", err)
			continue
		}
		if last != nil && now.Sub(*last) < interval {
			continue
		}
		if err := s.BackupInstance(ctx, tenantID, row); err != nil {
			s.logger.Error("backup failed", "instanceId", row.ExternalID, "err", err)
		}
	}
}

// BackupInstance exports every workflow of the instance into a timestamped
// archive under the backup directory and records the run.
func (s *Scheduler) BackupInstance(ctx context.Context, tenantID string, row store.Instance) error {
	archive, err := s.exporter.ExportArchive(ctx, tenantID, row.ExternalID, nil)
	if err != nil {
		return fmt.Errorf("export workflows: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("verify archive: %w", err)
	}
	workflowCount := len(reader.File)

	now := time.Now().UTC()
	dir := filepath.Join(s.cfg.BackupDir, row.ExternalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("workflows-%s.zip", now.Format("20060102-150405")))
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	if err := s.store.RecordBackupRun(ctx, row.ID, now, workflowCount, path); err != nil {
		return fmt.Errorf("record backup run: %w", err)
	}

	s.logger.Info("backup finished",
		"instanceId", row.ExternalID, "workflows", workflowCount, "path", path)
	return nil
}
