package backups

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"n8nadmin/internal/config"
	"n8nadmin/internal/db"
	"n8nadmin/internal/license"
	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

type fakeExporter struct {
	calls int
	err   error
}

func (f *fakeExporter) ExportArchive(context.Context, string, string, []string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"Sync_wf1.json", "Cleanup_wf2.json"} {
		entry, _ := zw.Create(name)
		_, _ = entry.Write([]byte(`{"id":"x"}`))
	}
	_ = zw.Close()
	return buf.Bytes(), nil
}

func premiumResolver() *license.Resolver {
	return license.NewStatic(license.EditionPremium, 10, map[string]bool{
		license.FeatureScheduledBackups: true,
	})
}

func setupScheduler(t *testing.T, exporter *fakeExporter, resolver *license.Resolver) (*Scheduler, *store.Store) {
	t.Helper()

	conn, err := sqlx.Open("sqlite", "file:backups_test?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"backup_run", "instance", "backup_settings"} {
		if _, err := conn.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("clean: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(conn, logger)
	if resolver == nil {
		resolver = premiumResolver()
	}

	cfg := config.MonitorConfig{BackupDir: t.TempDir()}
	return NewScheduler(cfg, st, exporter, resolver, logger), st
}

func enableBackups(t *testing.T, st *store.Store, intervalHours int) {
	t.Helper()
	err := st.SaveBackupSettings(context.Background(), "tenant-a", types.BackupSettings{
		Enabled:       true,
		IntervalHours: intervalHours,
	})
	if err != nil {
		t.Fatalf("SaveBackupSettings: %v", err)
	}
}

func TestRunDueBacksUpInstances(t *testing.T) {
	exporter := &fakeExporter{}
	sched, st := setupScheduler(t, exporter, nil)
	ctx := context.Background()

	row, err := st.CreateInstance(ctx, "tenant-a", "Prod", "https://n8n.example.com", "sealed")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	enableBackups(t, st, 24)

	sched.runDue(ctx)

	if exporter.calls != 1 {
		t.Fatalf("exporter called %d times, want 1", exporter.calls)
	}

	last, err := st.LastBackupAt(ctx, row.ID)
	if err != nil || last == nil {
		t.Fatalf("LastBackupAt = %v, %v", last, err)
	}

	// archive lands under <backupDir>/<instanceId>/
	entries, err := os.ReadDir(filepath.Join(sched.cfg.BackupDir, row.ExternalID))
	if err != nil || len(entries) != 1 {
		t.Fatalf("backup dir entries = %v, %v", entries, err)
	}

	// a fresh backup is not due again
	sched.runDue(ctx)
	if exporter.calls != 1 {
		t.Fatalf("exporter called %d times after second pass, want still 1", exporter.calls)
	}
}

func TestRunDueSkipsDisabledTenants(t *testing.T) {
	exporter := &fakeExporter{}
	sched, st := setupScheduler(t, exporter, nil)
	ctx := context.Background()

	if _, err := st.CreateInstance(ctx, "tenant-a", "Prod", "https://n8n.example.com", "sealed"); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	err := st.SaveBackupSettings(ctx, "tenant-a", types.BackupSettings{Enabled: false, IntervalHours: 24})
	if err != nil {
		t.Fatalf("SaveBackupSettings: %v", err)
	}

	sched.runDue(ctx)
	if exporter.calls != 0 {
		t.Fatal("disabled tenant was backed up")
	}
}

func TestRunDueRespectsInterval(t *testing.T) {
	exporter := &fakeExporter{}
	sched, st := setupScheduler(t, exporter, nil)
	ctx := context.Background()

	row, err := st.CreateInstance(ctx, "tenant-a", "Prod", "https://n8n.example.com", "sealed")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	enableBackups(t, st, 24)

	// a backup 2h ago is fresh for a 24h interval, stale for a 1h interval
	recorded := time.Now().UTC().Add(-2 * time.Hour)
	if err := st.RecordBackupRun(ctx, row.ID, recorded, 2, "old.zip"); err != nil {
		t.Fatalf("RecordBackupRun: %v", err)
	}

	// the due check must read the timestamp back, not fail and skip
	last, err := st.LastBackupAt(ctx, row.ID)
	if err != nil {
		t.Fatalf("LastBackupAt: %v", err)
	}
	if last == nil || !last.Equal(recorded) {
		t.Fatalf("LastBackupAt = %v, want %v", last, recorded)
	}

	sched.runDue(ctx)
	if exporter.calls != 0 {
		t.Fatal("fresh backup re-ran within interval")
	}

	enableBackups(t, st, 1)
	sched.runDue(ctx)
	if exporter.calls != 1 {
		t.Fatalf("stale backup not re-run, calls = %d", exporter.calls)
	}
}

func TestBackupRecordsNothingOnExportFailure(t *testing.T) {
	exporter := &fakeExporter{err: errors.New("instance unreachable")}
	sched, st := setupScheduler(t, exporter, nil)
	ctx := context.Background()

	row, err := st.CreateInstance(ctx, "tenant-a", "Prod", "https://n8n.example.com", "sealed")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	enableBackups(t, st, 24)

	sched.runDue(ctx)

	last, err := st.LastBackupAt(ctx, row.ID)
	if err != nil {
		t.Fatalf("LastBackupAt: %v", err)
	}
	if last != nil {
		t.Fatal("failed export recorded a backup run")
	}
}

func TestSchedulerDisabledWithoutLicense(t *testing.T) {
	exporter := &fakeExporter{}
	community := license.NewStatic(license.EditionCommunity, 3, nil)
	sched, _ := setupScheduler(t, exporter, community)

	if sched.enabled() {
		t.Fatal("community scheduler reports enabled")
	}
}
