// Package monitor sweeps all registered instances on an interval, persists
// status transitions, surfaces new workflow failures to the alerter and
// broadcasts live updates to dashboard clients.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"n8nadmin/internal/config"
	"n8nadmin/internal/crypto"
	"n8nadmin/internal/instances"
	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

// Broadcaster pushes live status updates to connected dashboard clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// WorkflowAlerter receives workflow failures found during a sweep.
type WorkflowAlerter interface {
	NotifyWorkflowError(ctx context.Context, tenantID, instanceID, instanceName string, event types.Event)
}

type Monitor struct {
	cfg     config.MonitorConfig
	store   *store.Store
	sealer  *crypto.Sealer
	remote  instances.RemoteClient
	alerter WorkflowAlerter
	hub     Broadcaster
	logger  *slog.Logger

	// lastErrorSweep tracks, per instance, how far error executions have
	// already been reported.
	lastErrorSweep map[string]time.Time

	metrics monitorMetrics
}

type monitorMetrics struct {
	checksTotal       prometheus.Counter
	checkFailures     prometheus.Counter
	statusTransitions prometheus.Counter
	workflowErrors    prometheus.Counter
}

// StatusUpdate is the websocket payload sent on every probe.
type StatusUpdate struct {
	InstanceID string     `json:"instanceId"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Version    string     `json:"version"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	CheckedAt  time.Time  `json:"checkedAt"`
}

func New(cfg config.MonitorConfig, st *store.Store, sealer *crypto.Sealer, remote instances.RemoteClient, alerter WorkflowAlerter, hub Broadcaster, logger *slog.Logger) *Monitor {
	return newWithRegistry(cfg, st, sealer, remote, alerter, hub, logger, prometheus.DefaultRegisterer)
}

func newWithRegistry(cfg config.MonitorConfig, st *store.Store, sealer *crypto.Sealer, remote instances.RemoteClient, alerter WorkflowAlerter, hub Broadcaster, logger *slog.Logger, reg prometheus.Registerer) *Monitor {
	metrics := monitorMetrics{
		checksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instance_checks_total",
			Help: "Number of instance health probes performed",
		}),
		checkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instance_check_failures_total",
			Help: "Number of probes that did not come back online",
		}),
		statusTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instance_status_transitions_total",
			Help: "Number of persisted instance status transitions",
		}),
		workflowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_errors_detected_total",
			Help: "Number of workflow error events surfaced to the alerter",
		}),
	}
	reg.MustRegister(
		metrics.checksTotal,
		metrics.checkFailures,
		metrics.statusTransitions,
		metrics.workflowErrors,
	)

	return &Monitor{
		cfg:            cfg,
		store:          st,
		sealer:         sealer,
		remote:         remote,
		alerter:        alerter,
		hub:            hub,
		logger:         logger,
		lastErrorSweep: make(map[string]time.Time),
		metrics:        metrics,
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.MetricsAddr != "" {
		go m.runMetricsServer(ctx)
	}

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	// first sweep immediately so a fresh deployment shows statuses without
	// waiting a full interval
	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor shutting down")
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	rows, err := m.store.ListAllInstances(ctx)
	if err != nil {
		m.logger.Error("list instances for sweep failed", "err", err)
		return
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		m.checkInstance(ctx, row)
	}
}

func (m *Monitor) checkInstance(ctx context.Context, row store.Instance) {
	m.metrics.checksTotal.Inc()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()

	apiKey, err := m.sealer.Open(row.APIKeyEnc)
	if err != nil {
		if !errors.Is(err, crypto.ErrDecrypt) {
			m.logger.Error("open api key failed", "instanceId", row.ExternalID, "err", err)
			return
		}
		m.persistAndBroadcast(ctx, row, types.InstanceStatusLocked, row.Version, nil)
		m.metrics.checkFailures.Inc()
		return
	}

	info := m.remote.GetSystemInfo(probeCtx, row.BaseURL, apiKey)

	var seenAt *time.Time
	if info.Status == types.InstanceStatusOnline {
		now := time.Now().UTC()
		seenAt = &now
	} else {
		m.metrics.checkFailures.Inc()
	}

	version := info.Version
	if version == types.VersionUnknown && row.Version != types.VersionUnknown {
		// keep the last known version through transient outages
		version = row.Version
	}

	m.persistAndBroadcast(ctx, row, info.Status, version, seenAt)

	if info.Status == types.InstanceStatusOnline {
		m.reportWorkflowErrors(probeCtx, row, apiKey)
	}
}

func (m *Monitor) persistAndBroadcast(ctx context.Context, row store.Instance, status, version string, seenAt *time.Time) {
	if err := m.store.UpdateInstanceStatus(ctx, row.ExternalID, status, version, seenAt); err != nil {
		m.logger.Error("persist sweep result failed", "instanceId", row.ExternalID, "err", err)
		return
	}
	if row.Status != status {
		m.metrics.statusTransitions.Inc()
		m.logger.Info("instance status changed",
			"instanceId", row.ExternalID, "name", row.Name, "from", row.Status, "to", status)
	}

	if m.hub == nil {
		return
	}
	update := StatusUpdate{
		InstanceID: row.ExternalID,
		Name:       row.Name,
		Status:     status,
		Version:    version,
		LastSeenAt: seenAt,
		CheckedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	m.hub.Broadcast(payload)
}

// reportWorkflowErrors forwards error executions that started after the
// previous sweep. The first sweep only sets the watermark so restarts do not
// replay old failures.
func (m *Monitor) reportWorkflowErrors(ctx context.Context, row store.Instance, apiKey string) {
	if m.alerter == nil {
		return
	}

	since, seen := m.lastErrorSweep[row.ExternalID]
	m.lastErrorSweep[row.ExternalID] = time.Now().UTC()
	if !seen {
		return
	}

	events, err := m.remote.GetExecutionErrors(ctx, row.BaseURL, apiKey, 0, &since)
	if err != nil {
		m.logger.Error("fetch workflow errors failed", "instanceId", row.ExternalID, "err", err)
		return
	}

	for _, event := range events {
		m.metrics.workflowErrors.Inc()
		m.alerter.NotifyWorkflowError(ctx, row.TenantID, row.ExternalID, row.Name, event)
	}
}

func (m *Monitor) runMetricsServer(ctx context.Context) {
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	m.logger.Info("metrics server listening", "addr", m.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("metrics server error", "err", err)
	}
}
