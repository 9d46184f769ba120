package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"n8nadmin/internal/config"
	"n8nadmin/internal/crypto"
	"n8nadmin/internal/db"
	"n8nadmin/internal/n8n"
	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

type fakeRemote struct {
	mu     sync.Mutex
	status string
	events []types.Event
}

func (f *fakeRemote) setStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeRemote) GetSystemInfo(context.Context, string, string) n8n.SystemInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	version := "1.64.0"
	if f.status != types.InstanceStatusOnline {
		version = types.VersionUnknown
	}
	return n8n.SystemInfo{Status: f.status, Version: version}
}

func (f *fakeRemote) GetWorkflows(context.Context, string, string) ([]types.Workflow, error) {
	return nil, nil
}

func (f *fakeRemote) GetRawWorkflows(context.Context, string, string) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeRemote) GetExecutionErrors(_ context.Context, _, _ string, _ int, since *time.Time) ([]types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []types.Event{}
	for _, event := range f.events {
		if since == nil || event.OccurredAt.After(*since) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeRemote) ImportWorkflow(context.Context, string, string, map[string]any) error {
	return nil
}

func (f *fakeRemote) LatestVersion(context.Context) string { return "1.64.0" }

type fakeAlerter struct {
	mu     sync.Mutex
	events []types.Event
}

func (f *fakeAlerter) NotifyWorkflowError(_ context.Context, _, _, _ string, event types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeHub struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeHub) Broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func setupMonitor(t *testing.T, remote *fakeRemote) (*Monitor, *store.Store, *crypto.Sealer, *fakeAlerter, *fakeHub) {
	t.Helper()

	conn, err := sqlx.Open("sqlite", "file:monitor_test?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"backup_run", "instance"} {
		if _, err := conn.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("clean: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(conn, logger)
	sealer, _ := crypto.NewSealer("test-master")
	alerter := &fakeAlerter{}
	hub := &fakeHub{}

	cfg := config.MonitorConfig{
		CheckInterval: time.Minute,
		RemoteTimeout: time.Second,
	}
	m := newWithRegistry(cfg, st, sealer, remote, alerter, hub, logger, prometheus.NewRegistry())
	return m, st, sealer, alerter, hub
}

func createInstance(t *testing.T, st *store.Store, sealer *crypto.Sealer) *store.Instance {
	t.Helper()
	sealed, err := sealer.Seal("api-key")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	row, err := st.CreateInstance(context.Background(), "tenant-a", "Prod", "https://n8n.example.com", sealed)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return row
}

func TestSweepPersistsOnlineStatus(t *testing.T) {
	remote := &fakeRemote{status: types.InstanceStatusOnline}
	m, st, sealer, _, hub := setupMonitor(t, remote)
	row := createInstance(t, st, sealer)

	m.sweep(context.Background())

	got, err := st.GetInstance(context.Background(), "tenant-a", row.ExternalID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != types.InstanceStatusOnline {
		t.Fatalf("status = %q, want online", got.Status)
	}
	if got.Version != "1.64.0" {
		t.Fatalf("version = %q, want 1.64.0", got.Version)
	}
	if got.LastSeenAt == nil {
		t.Fatal("LastSeenAt not set for online instance")
	}
	if hub.count() != 1 {
		t.Fatalf("broadcast %d updates, want 1", hub.count())
	}
}

func TestSweepKeepsLastKnownVersionWhileOffline(t *testing.T) {
	remote := &fakeRemote{status: types.InstanceStatusOnline}
	m, st, sealer, _, _ := setupMonitor(t, remote)
	row := createInstance(t, st, sealer)

	m.sweep(context.Background())
	remote.setStatus(types.InstanceStatusOffline)
	m.sweep(context.Background())

	got, _ := st.GetInstance(context.Background(), "tenant-a", row.ExternalID)
	if got.Status != types.InstanceStatusOffline {
		t.Fatalf("status = %q, want offline", got.Status)
	}
	if got.Version != "1.64.0" {
		t.Fatalf("version = %q, want the last known version kept", got.Version)
	}
	if got.LastSeenAt == nil {
		t.Fatal("LastSeenAt cleared by offline probe")
	}
}

func TestSweepMarksUndecryptableKeyLocked(t *testing.T) {
	remote := &fakeRemote{status: types.InstanceStatusOnline}
	m, st, _, _, _ := setupMonitor(t, remote)

	foreign, _ := crypto.NewSealer("other-master")
	sealed, _ := foreign.Seal("api-key")
	row, err := st.CreateInstance(context.Background(), "tenant-a", "Prod", "https://n8n.example.com", sealed)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	m.sweep(context.Background())

	got, _ := st.GetInstance(context.Background(), "tenant-a", row.ExternalID)
	if got.Status != types.InstanceStatusLocked {
		t.Fatalf("status = %q, want locked", got.Status)
	}
}

func TestWorkflowErrorsReportedAfterWatermark(t *testing.T) {
	remote := &fakeRemote{status: types.InstanceStatusOnline}
	m, st, sealer, alerter, _ := setupMonitor(t, remote)
	createInstance(t, st, sealer)

	remote.events = []types.Event{{
		OccurredAt: time.Now().UTC().Add(-time.Hour),
		Payload:    types.EventPayload{WorkflowName: "Sync", ErrorMessage: "boom", ExecutionID: "1"},
	}}

	// first sweep only establishes the watermark, old failures not replayed
	m.sweep(context.Background())
	if alerter.count() != 0 {
		t.Fatalf("first sweep reported %d events, want 0", alerter.count())
	}

	// a failure after the watermark is reported on the next sweep
	remote.mu.Lock()
	remote.events = append(remote.events, types.Event{
		OccurredAt: time.Now().UTC().Add(time.Second),
		Payload:    types.EventPayload{WorkflowName: "Sync", ErrorMessage: "boom again", ExecutionID: "2"},
	})
	remote.mu.Unlock()

	m.sweep(context.Background())
	if alerter.count() != 1 {
		t.Fatalf("second sweep reported %d events, want 1", alerter.count())
	}
}
