package instances

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"n8nadmin/internal/crypto"
	"n8nadmin/internal/db"
	"n8nadmin/internal/license"
	"n8nadmin/internal/n8n"
	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

type fakeRemote struct {
	systemInfo n8n.SystemInfo
	workflows  []types.Workflow
	raw        []map[string]any
	events     []types.Event
	latest     string

	imported []map[string]any
	err      error
}

func (f *fakeRemote) GetSystemInfo(context.Context, string, string) n8n.SystemInfo {
	return f.systemInfo
}

func (f *fakeRemote) GetWorkflows(context.Context, string, string) ([]types.Workflow, error) {
	return f.workflows, f.err
}

func (f *fakeRemote) GetRawWorkflows(context.Context, string, string) ([]map[string]any, error) {
	return f.raw, f.err
}

func (f *fakeRemote) GetExecutionErrors(_ context.Context, _, _ string, _ int, since *time.Time) ([]types.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if since == nil {
		return f.events, nil
	}
	filtered := []types.Event{}
	for _, event := range f.events {
		if event.OccurredAt.After(*since) {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (f *fakeRemote) ImportWorkflow(_ context.Context, _, _ string, definition map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.imported = append(f.imported, definition)
	return nil
}

func (f *fakeRemote) LatestVersion(context.Context) string {
	if f.latest == "" {
		return types.VersionUnknown
	}
	return f.latest
}

func setupService(t *testing.T, remote *fakeRemote, resolver *license.Resolver) *Service {
	t.Helper()

	conn, err := sqlx.Open("sqlite", "file:instances_test?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
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
			t.Fatalf("clean table %s: %v", table, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sealer, err := crypto.NewSealer("test-master")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if resolver == nil {
		resolver = license.NewStatic(license.EditionCommunity, 3, nil)
	}
	return NewService(store.New(conn, logger), sealer, remote, resolver, time.Minute, logger)
}

func onlineRemote() *fakeRemote {
	return &fakeRemote{
		systemInfo: n8n.SystemInfo{Status: types.InstanceStatusOnline, Version: "1.64.0"},
		latest:     "1.64.0",
	}
}

func TestCreateAndListWithBadge(t *testing.T) {
	svc := setupService(t, onlineRemote(), nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "secret",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Status != types.InstanceStatusOnline {
		t.Fatalf("Status after create = %q, want online (synchronous probe)", created.Status)
	}
	if created.VersionBadge != types.VersionBadgeUpToDate {
		t.Fatalf("VersionBadge = %q, want up_to_date", created.VersionBadge)
	}

	list, err := svc.List(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("List() = %+v", list)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := setupService(t, onlineRemote(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.InstanceCreateRequest
	}{
		{"missing name", types.InstanceCreateRequest{BaseURL: "https://x", APIKey: "k"}},
		{"missing base url", types.InstanceCreateRequest{Name: "n", APIKey: "k"}},
		{"relative base url", types.InstanceCreateRequest{Name: "n", BaseURL: "n8n.example.com", APIKey: "k"}},
		{"unsupported scheme", types.InstanceCreateRequest{Name: "n", BaseURL: "ftp://x", APIKey: "k"}},
		{"missing api key", types.InstanceCreateRequest{Name: "n", BaseURL: "https://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, "tenant-a", tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("Create() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateEnforcesQuota(t *testing.T) {
	svc := setupService(t, onlineRemote(), license.NewStatic(license.EditionCommunity, 3, nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
			Name: "inst", BaseURL: "https://n8n.example.com", APIKey: "k",
		}); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}

	if _, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "one too many", BaseURL: "https://n8n.example.com", APIKey: "k",
	}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("4th Create() error = %v, want ErrQuotaExceeded", err)
	}

	// another tenant is unaffected
	if _, err := svc.Create(ctx, "tenant-b", types.InstanceCreateRequest{
		Name: "b", BaseURL: "https://n8n.example.com", APIKey: "k",
	}); err != nil {
		t.Fatalf("other tenant Create() error = %v", err)
	}
}

func TestUnlimitedQuota(t *testing.T) {
	svc := setupService(t, onlineRemote(), license.NewStatic(license.EditionHostedOps, license.MaxInstancesUnlimited, nil))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
			Name: "inst", BaseURL: "https://n8n.example.com", APIKey: "k",
		}); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}
}

func TestWorkflowsFilteredAndGrouped(t *testing.T) {
	remote := onlineRemote()
	remote.workflows = []types.Workflow{
		wf("1", "Alpha", true),
		wf("2", "avocado", false),
		wf("3", "3lephant", true),
	}
	svc := setupService(t, remote, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	response, err := svc.Workflows(ctx, "tenant-a", created.ID, "", true)
	if err != nil {
		t.Fatalf("Workflows() error = %v", err)
	}
	if response.Total != 3 || response.Filtered != 2 {
		t.Fatalf("Total/Filtered = %d/%d, want 3/2", response.Total, response.Filtered)
	}
	if len(response.Groups) != 2 || response.Groups[0].Key != "#" || response.Groups[1].Key != "A" {
		t.Fatalf("Groups = %+v", response.Groups)
	}
	if response.Items != nil {
		t.Fatal("grouped response must not carry a flat item list")
	}

	flat, err := svc.Workflows(ctx, "tenant-a", created.ID, FilterAll, false)
	if err != nil {
		t.Fatalf("Workflows() flat error = %v", err)
	}
	if len(flat.Items) != 3 || flat.Groups != nil {
		t.Fatalf("flat response = %+v", flat)
	}
}

func TestLockedInstance(t *testing.T) {
	svc := setupService(t, onlineRemote(), nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// simulate a master key rotation: reseal under a different secret
	foreignSealer, _ := crypto.NewSealer("other-master")
	sealed, _ := foreignSealer.Seal("k")
	if _, err := svc.store.DB().Exec(
		svc.store.DB().Rebind(`UPDATE instance SET api_key_enc = ? WHERE external_id = ?`),
		sealed, created.ID); err != nil {
		t.Fatalf("reseal: %v", err)
	}

	if _, err := svc.Workflows(ctx, "tenant-a", created.ID, "", false); !errors.Is(err, ErrLocked) {
		t.Fatalf("Workflows() error = %v, want ErrLocked", err)
	}

	row, err := svc.store.GetInstance(ctx, "tenant-a", created.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if row.Status != types.InstanceStatusLocked {
		t.Fatalf("status = %q, want locked", row.Status)
	}

	// supplying a fresh key on update unlocks the instance
	if _, err := svc.Update(ctx, "tenant-a", created.ID, types.InstanceUpdateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "new-key",
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := svc.Workflows(ctx, "tenant-a", created.ID, "", false); err != nil {
		t.Fatalf("Workflows() after re-key error = %v", err)
	}
}

func TestExportArchiveIntersectsRequestedIDs(t *testing.T) {
	remote := onlineRemote()
	remote.raw = []map[string]any{
		{"id": "wf1", "name": "Sync Orders", "nodes": []any{}},
		{"id": "wf2", "name": "Invoice/Export", "nodes": []any{}},
		{"id": "wf3", "name": "Cleanup", "nodes": []any{}},
	}
	svc := setupService(t, remote, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// requested ids include one that no longer exists
	archive, err := svc.ExportArchive(ctx, "tenant-a", created.ID, []string{"wf2", "wf3", "wf-gone"})
	if err != nil {
		t.Fatalf("ExportArchive() error = %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(reader.File) != 2 {
		t.Fatalf("archive has %d entries, want 2", len(reader.File))
	}

	names := map[string]bool{}
	for _, file := range reader.File {
		names[file.Name] = true
		rc, err := file.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		content, _ := io.ReadAll(rc)
		rc.Close()
		if len(content) == 0 {
			t.Fatalf("entry %s is empty", file.Name)
		}
	}
	// filename characters outside [a-zA-Z0-9.-] are replaced
	if !names["Invoice_Export_wf2.json"] || !names["Cleanup_wf3.json"] {
		t.Fatalf("entry names = %v", names)
	}

	// empty id list exports everything
	full, err := svc.ExportArchive(ctx, "tenant-a", created.ID, nil)
	if err != nil {
		t.Fatalf("ExportArchive() full error = %v", err)
	}
	fullReader, _ := zip.NewReader(bytes.NewReader(full), int64(len(full)))
	if len(fullReader.File) != 3 {
		t.Fatalf("full archive has %d entries, want 3", len(fullReader.File))
	}
}

func TestImportRequiresPremium(t *testing.T) {
	remote := onlineRemote()
	definition := map[string]any{"name": "Imported", "nodes": []any{}}

	community := setupService(t, remote, license.NewStatic(license.EditionCommunity, 3, nil))
	ctx := context.Background()
	created, err := community.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := community.Import(ctx, "tenant-a", created.ID, definition); !errors.Is(err, ErrPremiumRequired) {
		t.Fatalf("community Import() error = %v, want ErrPremiumRequired", err)
	}
	if len(remote.imported) != 0 {
		t.Fatal("community import reached the remote instance")
	}

	premium := setupService(t, remote, license.NewStatic(license.EditionPremium, 10, nil))
	createdPremium, err := premium.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := premium.Import(ctx, "tenant-a", createdPremium.ID, definition); err != nil {
		t.Fatalf("premium Import() error = %v", err)
	}
	if len(remote.imported) != 1 {
		t.Fatalf("imported %d workflows, want 1", len(remote.imported))
	}
}

func TestErrorPatternsRespectRange(t *testing.T) {
	remote := onlineRemote()
	remote.events = []types.Event{
		{OccurredAt: time.Now().UTC().Add(-2 * time.Hour), Payload: types.EventPayload{ErrorMessage: "recent", WorkflowName: "A"}},
		{OccurredAt: time.Now().UTC().Add(-20 * 24 * time.Hour), Payload: types.EventPayload{ErrorMessage: "stale", WorkflowName: "B"}},
	}
	svc := setupService(t, remote, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", types.InstanceCreateRequest{
		Name: "Prod", BaseURL: "https://n8n.example.com", APIKey: "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	patterns, err := svc.ErrorPatterns(ctx, "tenant-a", created.ID, "14d")
	if err != nil {
		t.Fatalf("ErrorPatterns() error = %v", err)
	}
	if len(patterns) != 1 || patterns[0].Message != "recent" {
		t.Fatalf("patterns = %+v, want only the recent error", patterns)
	}

	wide, err := svc.ErrorPatterns(ctx, "tenant-a", created.ID, "1m")
	if err != nil {
		t.Fatalf("ErrorPatterns() 1m error = %v", err)
	}
	if len(wide) != 2 {
		t.Fatalf("1m window returned %d patterns, want 2", len(wide))
	}
}
