package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"n8nadmin/internal/db"
	"n8nadmin/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := sqlx.Open("sqlite", "file:store_test?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// fresh state: the shared in-memory db survives across sequential tests
	// while a connection is open elsewhere.
	for _, table := range []string{"backup_run", "password_reset_token", "instance", "app_user", "alert_settings", "backup_settings"} {
		if _, err := conn.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("clean table %s: %v", table, err)
		}
	}

	return New(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInstanceCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created, err := s.CreateInstance(ctx, "tenant-a", "Prod", "https://n8n.example.com", "sealed-key")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if len(created.ExternalID) != len("inst_")+8 || created.ExternalID[:5] != "inst_" {
		t.Fatalf("ExternalID = %q, want inst_ prefix with 8 hex chars", created.ExternalID)
	}
	if created.Status != "unknown" || created.Version != "unknown" {
		t.Fatalf("new instance status/version = %q/%q, want unknown/unknown", created.Status, created.Version)
	}

	got, err := s.GetInstance(ctx, "tenant-a", created.ExternalID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Name != "Prod" || got.APIKeyEnc != "sealed-key" {
		t.Fatalf("GetInstance() = %+v", got)
	}

	if _, err := s.GetInstance(ctx, "tenant-b", created.ExternalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant GetInstance() error = %v, want ErrNotFound", err)
	}

	updated, err := s.UpdateInstance(ctx, "tenant-a", created.ExternalID, "Prod EU", "https://eu.n8n.example.com", "")
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}
	if updated.Name != "Prod EU" {
		t.Fatalf("updated name = %q", updated.Name)
	}
	if updated.APIKeyEnc != "sealed-key" {
		t.Fatal("empty api key on update must keep the stored key")
	}

	if err := s.DeleteInstance(ctx, "tenant-a", created.ExternalID); err != nil {
		t.Fatalf("DeleteInstance() error = %v", err)
	}
	if _, err := s.GetInstance(ctx, "tenant-a", created.ExternalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetInstance() after delete error = %v, want ErrNotFound", err)
	}
}

func TestCountInstancesPerTenant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateInstance(ctx, "tenant-a", "a", "https://a", "k"); err != nil {
			t.Fatalf("CreateInstance() error = %v", err)
		}
	}
	if _, err := s.CreateInstance(ctx, "tenant-b", "b", "https://b", "k"); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	count, err := s.CountInstances(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("CountInstances() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("CountInstances(tenant-a) = %d, want 3", count)
	}
}

type recordingSink struct {
	events chan InstanceAlertEvent
}

func (r *recordingSink) NotifyInstanceStatusChange(_ context.Context, event InstanceAlertEvent) {
	r.events <- event
}

func TestUpdateInstanceStatusEmitsTransition(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sink := &recordingSink{events: make(chan InstanceAlertEvent, 4)}
	s.SetAlertSink(sink)

	instance, err := s.CreateInstance(ctx, "tenant-a", "Prod", "https://n8n.example.com", "k")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	seen := time.Now().UTC()
	if err := s.UpdateInstanceStatus(ctx, instance.ExternalID, types.InstanceStatusOnline, "1.64.0", &seen); err != nil {
		t.Fatalf("UpdateInstanceStatus() error = %v", err)
	}

	select {
	case event := <-sink.events:
		if event.OldStatus != types.InstanceStatusUnknown || event.NewStatus != types.InstanceStatusOnline {
			t.Fatalf("transition = %s -> %s", event.OldStatus, event.NewStatus)
		}
		if event.InstanceID != instance.ExternalID {
			t.Fatalf("event instance = %q, want %q", event.InstanceID, instance.ExternalID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert event emitted")
	}

	// same status again: no transition, no event
	if err := s.UpdateInstanceStatus(ctx, instance.ExternalID, types.InstanceStatusOnline, "1.64.0", &seen); err != nil {
		t.Fatalf("UpdateInstanceStatus() error = %v", err)
	}
	select {
	case event := <-sink.events:
		t.Fatalf("unexpected event for unchanged status: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAlertSettingsRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	defaults, err := s.GetAlertSettings(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetAlertSettings() error = %v", err)
	}
	if defaults.Enabled {
		t.Fatal("alert settings enabled by default")
	}

	want := types.AlertSettings{
		Enabled: true,
		Events: map[string]bool{
			types.AlertEventInstanceOffline: true,
			types.AlertEventWorkflowError:   true,
		},
		Channels: map[string]types.AlertChannel{
			"email":   {Address: "ops@example.com"},
			"webhook": {URL: "https://hooks.example.com/abc"},
		},
	}
	if err := s.SaveAlertSettings(ctx, "tenant-a", want); err != nil {
		t.Fatalf("SaveAlertSettings() error = %v", err)
	}

	got, err := s.GetAlertSettings(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetAlertSettings() error = %v", err)
	}
	if !got.Enabled || !got.Events[types.AlertEventInstanceOffline] || got.Events[types.AlertEventInvalidAPIKey] {
		t.Fatalf("GetAlertSettings() = %+v", got)
	}
	if got.Channels["email"].Address != "ops@example.com" {
		t.Fatalf("email channel = %+v", got.Channels["email"])
	}

	// second save updates in place
	want.Enabled = false
	if err := s.SaveAlertSettings(ctx, "tenant-a", want); err != nil {
		t.Fatalf("SaveAlertSettings() second call error = %v", err)
	}
	got, _ = s.GetAlertSettings(ctx, "tenant-a")
	if got.Enabled {
		t.Fatal("second save did not update")
	}
}

func TestBackupRunsAndLastBackups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateInstance(ctx, "tenant-a", "One", "https://one", "k")
	second, _ := s.CreateInstance(ctx, "tenant-a", "Two", "https://two", "k")

	older := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-1 * time.Hour)
	if err := s.RecordBackupRun(ctx, first.ID, older, 5, "data/backups/one-1.zip"); err != nil {
		t.Fatalf("RecordBackupRun() error = %v", err)
	}
	if err := s.RecordBackupRun(ctx, first.ID, newer, 6, "data/backups/one-2.zip"); err != nil {
		t.Fatalf("RecordBackupRun() error = %v", err)
	}

	last, err := s.LastBackupAt(ctx, first.ID)
	if err != nil {
		t.Fatalf("LastBackupAt() error = %v", err)
	}
	if last == nil || !last.Equal(newer) {
		t.Fatalf("LastBackupAt() = %v, want %v", last, newer)
	}

	statuses, err := s.ListLastBackups(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListLastBackups() error = %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("ListLastBackups() returned %d rows, want 2", len(statuses))
	}
	byID := map[string]types.InstanceBackupStatus{}
	for _, st := range statuses {
		byID[st.InstanceID] = st
	}
	if byID[first.ExternalID].LastBackupAt == nil {
		t.Fatal("instance with backups has nil LastBackupAt")
	}
	if byID[second.ExternalID].LastBackupAt != nil {
		t.Fatal("instance without backups must report nil LastBackupAt")
	}
}

func TestResetTokenLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, User{
		Username:     "admin",
		Email:        "admin@example.com",
		PasswordHash: "x",
		Role:         "ADMIN",
		TenantID:     "tenant-a",
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	expires := time.Now().UTC().Add(time.Hour)
	if err := s.CreateResetToken(ctx, user.ID, "hash-1", expires); err != nil {
		t.Fatalf("CreateResetToken() error = %v", err)
	}
	if err := s.CreateResetToken(ctx, user.ID, "hash-2", expires); err != nil {
		t.Fatalf("CreateResetToken() second error = %v", err)
	}

	// issuing a new token invalidates the previous one
	old, err := s.GetResetToken(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetResetToken(hash-1) error = %v", err)
	}
	if old.Valid(time.Now().UTC()) {
		t.Fatal("superseded token still valid")
	}

	current, err := s.GetResetToken(ctx, "hash-2")
	if err != nil {
		t.Fatalf("GetResetToken(hash-2) error = %v", err)
	}
	if !current.Valid(time.Now().UTC()) {
		t.Fatal("fresh token not valid")
	}

	if err := s.MarkResetTokenUsed(ctx, current.ID); err != nil {
		t.Fatalf("MarkResetTokenUsed() error = %v", err)
	}
	if err := s.MarkResetTokenUsed(ctx, current.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second MarkResetTokenUsed() error = %v, want ErrNotFound", err)
	}

	used, _ := s.GetResetToken(ctx, "hash-2")
	if used.Valid(time.Now().UTC()) {
		t.Fatal("used token still valid")
	}
}
