// Package instances implements the instance registry: CRUD with license
// quota, remote workflow reads, error events and export/import.
package instances

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"n8nadmin/internal/cache"
	"n8nadmin/internal/crypto"
	"n8nadmin/internal/license"
	"n8nadmin/internal/n8n"
	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

var (
	// ErrQuotaExceeded means the tenant is at its licensed instance count.
	ErrQuotaExceeded = errors.New("instance quota exceeded")
	// ErrLocked means the stored API key cannot be decrypted, usually after
	// a master key rotation. The instance must be re-keyed.
	ErrLocked = errors.New("instance locked")
	// ErrPremiumRequired gates paid-tier operations.
	ErrPremiumRequired = errors.New("premium edition required")
	// ErrValidation wraps rejected request input.
	ErrValidation = errors.New("invalid request")
)

// RemoteClient is the surface of the n8n API client the service needs.
type RemoteClient interface {
	GetSystemInfo(ctx context.Context, baseURL, apiKey string) n8n.SystemInfo
	GetWorkflows(ctx context.Context, baseURL, apiKey string) ([]types.Workflow, error)
	GetRawWorkflows(ctx context.Context, baseURL, apiKey string) ([]map[string]any, error)
	GetExecutionErrors(ctx context.Context, baseURL, apiKey string, limit int, since *time.Time) ([]types.Event, error)
	ImportWorkflow(ctx context.Context, baseURL, apiKey string, definition map[string]any) error
	LatestVersion(ctx context.Context) string
}

type Service struct {
	store   *store.Store
	sealer  *crypto.Sealer
	remote  RemoteClient
	license *license.Resolver
	logger  *slog.Logger

	workflowCache *cache.Cache[[]types.Workflow]
	eventCache    *cache.Cache[[]types.Event]
}

func NewService(st *store.Store, sealer *crypto.Sealer, remote RemoteClient, resolver *license.Resolver, cacheTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:         st,
		sealer:        sealer,
		remote:        remote,
		license:       resolver,
		logger:        logger,
		workflowCache: cache.New[[]types.Workflow](256, cacheTTL),
		eventCache:    cache.New[[]types.Event](256, cacheTTL),
	}
}

func (s *Service) toSummary(ctx context.Context, row store.Instance) types.InstanceSummary {
	latest := s.remote.LatestVersion(ctx)
	summary := types.InstanceSummary{
		ID:         row.ExternalID,
		Name:       row.Name,
		BaseURL:    row.BaseURL,
		Status:     row.Status,
		Version:    row.Version,
		LastSeenAt: row.LastSeenAt,
		CreatedAt:  row.CreatedAt,
	}
	if latest != types.VersionUnknown {
		summary.LatestVersion = latest
	}
	summary.VersionBadge = VersionBadge(row.Version, latest)
	return summary
}

// List returns all instances of the tenant with version badges.
func (s *Service) List(ctx context.Context, tenantID string) ([]types.InstanceSummary, error) {
	rows, err := s.store.ListInstances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row store.Instance, _ int) types.InstanceSummary {
		return s.toSummary(ctx, row)
	}), nil
}

// Get returns one instance with backup information.
func (s *Service) Get(ctx context.Context, tenantID, externalID string) (*types.InstanceDetail, error) {
	row, err := s.store.GetInstance(ctx, tenantID, externalID)
	if err != nil {
		return nil, err
	}
	detail := &types.InstanceDetail{
		InstanceSummary: s.toSummary(ctx, *row),
		UpdatedAt:       row.UpdatedAt,
	}
	lastBackup, err := s.store.LastBackupAt(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	detail.LastBackupAt = lastBackup
	return detail, nil
}

// Quota reports how much of the licensed instance allowance the tenant uses,
// for the "N more instances" hint next to the list.
func (s *Service) Quota(ctx context.Context, tenantID string) (*types.QuotaInfo, error) {
	count, err := s.store.CountInstances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &types.QuotaInfo{
		MaxInstances:       s.license.MaxInstances(),
		UsedInstances:      count,
		RemainingInstances: s.license.RemainingInstances(count),
		CanAddInstance:     s.license.CanAddInstance(count),
	}, nil
}

// Create registers an instance, enforcing the license quota, and probes it
// once so the first listing already shows a real status.
func (s *Service) Create(ctx context.Context, tenantID string, req types.InstanceCreateRequest) (*types.InstanceSummary, error) {
	if err := validateInstanceInput(req, true); err != nil {
		return nil, err
	}

	count, err := s.store.CountInstances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !s.license.CanAddInstance(count) {
		return nil, fmt.Errorf("%w: %d of %d instances used", ErrQuotaExceeded, count, s.license.MaxInstances())
	}

	sealed, err := s.sealer.Seal(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}

	row, err := s.store.CreateInstance(ctx, tenantID, req.Name, req.BaseURL, sealed)
	if err != nil {
		return nil, err
	}

	s.probe(ctx, row.ExternalID, req.BaseURL, req.APIKey)

	refreshed, err := s.store.GetInstance(ctx, tenantID, row.ExternalID)
	if err != nil {
		return nil, err
	}
	summary := s.toSummary(ctx, *refreshed)
	return &summary, nil
}

// Update modifies an instance. An empty API key keeps the stored one; a new
// key unlocks a locked instance.
func (s *Service) Update(ctx context.Context, tenantID, externalID string, req types.InstanceUpdateRequest) (*types.InstanceSummary, error) {
	if err := validateInstanceInput(req, false); err != nil {
		return nil, err
	}

	sealed := ""
	if req.APIKey != "" {
		var err error
		sealed, err = s.sealer.Seal(req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("seal api key: %w", err)
		}
	}

	row, err := s.store.UpdateInstance(ctx, tenantID, externalID, req.Name, req.BaseURL, sealed)
	if err != nil {
		return nil, err
	}

	s.invalidateRemoteCaches(externalID)

	if apiKey, err := s.sealer.Open(row.APIKeyEnc); err == nil {
		s.probe(ctx, row.ExternalID, row.BaseURL, apiKey)
	}

	refreshed, err := s.store.GetInstance(ctx, tenantID, externalID)
	if err != nil {
		return nil, err
	}
	summary := s.toSummary(ctx, *refreshed)
	return &summary, nil
}

func (s *Service) Delete(ctx context.Context, tenantID, externalID string) error {
	if err := s.store.DeleteInstance(ctx, tenantID, externalID); err != nil {
		return err
	}
	s.invalidateRemoteCaches(externalID)
	return nil
}

// probe runs a synchronous health check and persists the outcome. Best
// effort: a probe failure only leaves the status as the probe classified it.
func (s *Service) probe(ctx context.Context, externalID, baseURL, apiKey string) {
	info := s.remote.GetSystemInfo(ctx, baseURL, apiKey)
	var seenAt *time.Time
	if info.Status == types.InstanceStatusOnline {
		now := time.Now().UTC()
		seenAt = &now
	}
	if err := s.store.UpdateInstanceStatus(ctx, externalID, info.Status, info.Version, seenAt); err != nil {
		s.logger.Error("persist probe result failed", "instanceId", externalID, "err", err)
	}
}

func (s *Service) invalidateRemoteCaches(externalID string) {
	s.workflowCache.InvalidatePrefix(cache.Key("workflows", externalID))
	s.eventCache.InvalidatePrefix(cache.Key("events", externalID))
}

// credentials resolves the decrypted API key, marking the instance locked
// when the stored key cannot be opened.
func (s *Service) credentials(ctx context.Context, tenantID, externalID string) (*store.Instance, string, error) {
	row, err := s.store.GetInstance(ctx, tenantID, externalID)
	if err != nil {
		return nil, "", err
	}
	apiKey, err := s.sealer.Open(row.APIKeyEnc)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			_ = s.store.UpdateInstanceStatus(ctx, externalID, types.InstanceStatusLocked, row.Version, nil)
			return nil, "", ErrLocked
		}
		return nil, "", err
	}
	return row, apiKey, nil
}

// Workflows lists the instance's workflows with filtering and optional
// alphabetical grouping. Remote reads are cached briefly.
func (s *Service) Workflows(ctx context.Context, tenantID, externalID, filter string, grouped bool) (*types.WorkflowListResponse, error) {
	row, apiKey, err := s.credentials(ctx, tenantID, externalID)
	if err != nil {
		return nil, err
	}

	all, err := s.workflowCache.GetOrFetch(ctx, cache.Key("workflows", externalID), func(ctx context.Context) ([]types.Workflow, error) {
		return s.remote.GetWorkflows(ctx, row.BaseURL, apiKey)
	})
	if err != nil {
		return nil, err
	}

	filtered := FilterWorkflows(all, filter)
	response := &types.WorkflowListResponse{
		Total:    len(all),
		Filtered: len(filtered),
	}
	if grouped {
		response.Groups = GroupWorkflows(filtered)
	} else {
		response.Items = filtered
	}
	return response, nil
}

// Events lists recent workflow error events, newest first as served by the
// instance. The limit is capped by the remote API's page size.
func (s *Service) Events(ctx context.Context, tenantID, externalID string, limit int) ([]types.Event, error) {
	row, apiKey, err := s.credentials(ctx, tenantID, externalID)
	if err != nil {
		return nil, err
	}

	key := cache.Key("events", externalID, fmt.Sprintf("limit=%d", limit))
	return s.eventCache.GetOrFetch(ctx, key, func(ctx context.Context) ([]types.Event, error) {
		return s.remote.GetExecutionErrors(ctx, row.BaseURL, apiKey, limit, nil)
	})
}

// ErrorPatterns aggregates error events within the range window into
// recurring patterns.
func (s *Service) ErrorPatterns(ctx context.Context, tenantID, externalID, rangeParam string) ([]types.ErrorPattern, error) {
	row, apiKey, err := s.credentials(ctx, tenantID, externalID)
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-PatternWindow(rangeParam))
	events, err := s.remote.GetExecutionErrors(ctx, row.BaseURL, apiKey, 0, &since)
	if err != nil {
		return nil, err
	}
	return AggregateErrorPatterns(events), nil
}

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// ExportArchive builds a zip of workflow definitions, one pretty-printed
// JSON file per workflow. A non-empty id list narrows the archive to the
// intersection of requested and existing workflows.
func (s *Service) ExportArchive(ctx context.Context, tenantID, externalID string, workflowIDs []string) ([]byte, error) {
	row, apiKey, err := s.credentials(ctx, tenantID, externalID)
	if err != nil {
		return nil, err
	}

	workflows, err := s.remote.GetRawWorkflows(ctx, row.BaseURL, apiKey)
	if err != nil {
		return nil, err
	}

	if len(workflowIDs) > 0 {
		wanted := lo.SliceToMap(workflowIDs, func(id string) (string, struct{}) { return id, struct{}{} })
		workflows = lo.Filter(workflows, func(wf map[string]any, _ int) bool {
			id, _ := wf["id"].(string)
			_, ok := wanted[id]
			return ok
		})
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, wf := range workflows {
		name, _ := wf["name"].(string)
		if name == "" {
			name = "workflow"
		}
		id, _ := wf["id"].(string)
		filename := filenameSanitizer.ReplaceAllString(name, "_") + "_" + id + ".json"

		entry, err := zw.Create(filename)
		if err != nil {
			return nil, fmt.Errorf("create zip entry: %w", err)
		}
		encoded, err := json.MarshalIndent(wf, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode workflow %s: %w", id, err)
		}
		if _, err := entry.Write(encoded); err != nil {
			return nil, fmt.Errorf("write zip entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish zip: %w", err)
	}
	return buf.Bytes(), nil
}

// Import creates a workflow on the instance from an exported definition.
// Paid feature.
func (s *Service) Import(ctx context.Context, tenantID, externalID string, definition map[string]any) error {
	if !s.license.IsPremium() {
		return ErrPremiumRequired
	}

	row, apiKey, err := s.credentials(ctx, tenantID, externalID)
	if err != nil {
		return err
	}

	if err := s.remote.ImportWorkflow(ctx, row.BaseURL, apiKey, definition); err != nil {
		return err
	}
	s.invalidateRemoteCaches(externalID)
	return nil
}

func validateInstanceInput(req types.InstanceCreateRequest, requireKey bool) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		return fmt.Errorf("%w: baseUrl is required", ErrValidation)
	}
	parsed, err := url.Parse(req.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: baseUrl must be an absolute http(s) url", ErrValidation)
	}
	if requireKey && strings.TrimSpace(req.APIKey) == "" {
		return fmt.Errorf("%w: apiKey is required", ErrValidation)
	}
	return nil
}
