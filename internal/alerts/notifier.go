// Package alerts turns instance status transitions and workflow failures
// into email and webhook notifications, honoring per-tenant settings and
// license feature gates.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"n8nadmin/internal/license"
	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

const (
	defaultHTTPTimeout  = 4 * time.Second
	settingsCacheTTL    = 5 * time.Second
	defaultDedupeWindow = 5 * time.Minute
)

// Mailer sends a plain-text mail. Implemented by the SMTP mailer; tests
// substitute a recorder.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Notifier struct {
	store   *store.Store
	license *license.Resolver
	mailer  Mailer
	logger  *slog.Logger
	client  *http.Client

	mu           sync.Mutex
	cachedCfg    map[string]cachedSettings
	recentSent   map[string]time.Time
	dedupeWindow time.Duration
}

type cachedSettings struct {
	settings types.AlertSettings
	loadedAt time.Time
}

type outboundAlert struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Timestamp string         `json:"timestamp"`
	DedupeKey string         `json:"dedupeKey,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

var _ store.AlertSink = (*Notifier)(nil)

func New(st *store.Store, resolver *license.Resolver, mailer Mailer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:   st,
		license: resolver,
		mailer:  mailer,
		logger:  logger,
		client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		cachedCfg:    make(map[string]cachedSettings),
		recentSent:   make(map[string]time.Time),
		dedupeWindow: defaultDedupeWindow,
	}
}

// NotifyInstanceStatusChange maps a persisted status transition to an alert.
func (n *Notifier) NotifyInstanceStatusChange(ctx context.Context, event store.InstanceAlertEvent) {
	alert, alertEvent, ok := mapInstanceEvent(event)
	if !ok {
		return
	}
	n.dispatch(ctx, event.TenantID, alertEvent, alert)
}

// NotifyWorkflowError reports a failed workflow execution discovered by the
// monitor sweep.
func (n *Notifier) NotifyWorkflowError(ctx context.Context, tenantID, instanceID, instanceName string, event types.Event) {
	alert := outboundAlert{
		Event:     types.AlertEventWorkflowError,
		Title:     "Workflow failed",
		Message:   fmt.Sprintf("Workflow %q on instance %q failed: %s", event.Payload.WorkflowName, instanceName, event.Payload.ErrorMessage),
		Severity:  "error",
		Timestamp: event.OccurredAt.UTC().Format(time.RFC3339),
		DedupeKey: fmt.Sprintf("workflow_error:%s:%s", instanceID, event.Payload.ExecutionID),
		Details: map[string]any{
			"instanceId":   instanceID,
			"instanceName": instanceName,
			"workflowId":   event.Payload.WorkflowID,
			"workflowName": event.Payload.WorkflowName,
			"errorMessage": event.Payload.ErrorMessage,
			"executionId":  event.Payload.ExecutionID,
		},
	}
	n.dispatch(ctx, tenantID, types.AlertEventWorkflowError, alert)
}

// featureFor maps gated alert events to their license feature key. The
// offline event is available on every edition.
func featureFor(alertEvent string) string {
	switch alertEvent {
	case types.AlertEventWorkflowError:
		return license.FeatureAlertWorkflowError
	case types.AlertEventInvalidAPIKey:
		return license.FeatureAlertInvalidAPIKey
	default:
		return ""
	}
}

func (n *Notifier) dispatch(ctx context.Context, tenantID, alertEvent string, alert outboundAlert) {
	if feature := featureFor(alertEvent); feature != "" && !n.license.IsFeatureEnabled(feature) {
		return
	}

	settings, err := n.loadSettings(ctx, tenantID)
	if err != nil {
		n.logger.Error("alert settings load failed", "tenantId", tenantID, "err", err)
		return
	}
	if !settings.Enabled || !settings.Events[alertEvent] {
		return
	}
	if alert.DedupeKey != "" && n.shouldSuppress(alert.DedupeKey, n.dedupeWindow) {
		return
	}

	if email, ok := settings.Channels["email"]; ok && email.Address != "" {
		if err := n.sendEmail(ctx, email.Address, alert); err != nil {
			n.logger.Error("email alert send failed", "err", err, "event", alert.Event)
		}
	}
	if webhook, ok := settings.Channels["webhook"]; ok && webhook.URL != "" {
		if err := n.sendWebhook(ctx, webhook.URL, alert); err != nil {
			n.logger.Error("webhook alert send failed", "err", err, "event", alert.Event)
		}
	}
}

func (n *Notifier) loadSettings(ctx context.Context, tenantID string) (types.AlertSettings, error) {
	n.mu.Lock()
	if cached, ok := n.cachedCfg[tenantID]; ok && time.Since(cached.loadedAt) <= settingsCacheTTL {
		n.mu.Unlock()
		return cached.settings, nil
	}
	n.mu.Unlock()

	settings, err := n.store.GetAlertSettings(ctx, tenantID)
	if err != nil {
		return types.AlertSettings{}, err
	}

	n.mu.Lock()
	n.cachedCfg[tenantID] = cachedSettings{settings: settings, loadedAt: time.Now().UTC()}
	n.mu.Unlock()
	return settings, nil
}

// InvalidateSettings drops the cached settings for a tenant after a save.
func (n *Notifier) InvalidateSettings(tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cachedCfg, tenantID)
}

func (n *Notifier) shouldSuppress(key string, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	now := time.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, ts := range n.recentSent {
		if now.Sub(ts) > window {
			delete(n.recentSent, k)
		}
	}

	if ts, ok := n.recentSent[key]; ok && now.Sub(ts) <= window {
		return true
	}
	n.recentSent[key] = now
	return false
}

func (n *Notifier) sendEmail(ctx context.Context, to string, alert outboundAlert) error {
	if n.mailer == nil {
		return fmt.Errorf("no mailer configured")
	}
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Title)
	return n.mailer.Send(ctx, to, subject, formatEmailBody(alert))
}

func (n *Notifier) sendWebhook(ctx context.Context, url string, alert outboundAlert) error {
	payload := map[string]any{
		"source":  "n8nadmin",
		"channel": "webhook",
		"alert":   alert,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func mapInstanceEvent(event store.InstanceAlertEvent) (outboundAlert, string, bool) {
	ts := event.TS.UTC().Format(time.RFC3339)
	details := map[string]any{
		"instanceId":   event.InstanceID,
		"instanceName": strings.TrimSpace(event.InstanceName),
		"oldStatus":    event.OldStatus,
		"newStatus":    event.NewStatus,
	}

	switch event.NewStatus {
	case types.InstanceStatusOffline:
		return outboundAlert{
			Event:     types.AlertEventInstanceOffline,
			Title:     "Instance offline",
			Message:   fmt.Sprintf("Instance %q is no longer reachable", event.InstanceName),
			Severity:  "error",
			Timestamp: ts,
			DedupeKey: fmt.Sprintf("instance_offline:%s", event.InstanceID),
			Details:   details,
		}, types.AlertEventInstanceOffline, true
	case types.InstanceStatusAuthError:
		return outboundAlert{
			Event:     types.AlertEventInvalidAPIKey,
			Title:     "Invalid API key",
			Message:   fmt.Sprintf("Instance %q rejected the stored API key", event.InstanceName),
			Severity:  "error",
			Timestamp: ts,
			DedupeKey: fmt.Sprintf("invalid_api_key:%s", event.InstanceID),
			Details:   details,
		}, types.AlertEventInvalidAPIKey, true
	default:
		return outboundAlert{}, "", false
	}
}

func formatEmailBody(alert outboundAlert) string {
	var b strings.Builder
	b.WriteString(alert.Message)
	b.WriteString("\n\n")
	b.WriteString("event: ")
	b.WriteString(alert.Event)
	b.WriteString("\n")
	b.WriteString("time: ")
	b.WriteString(alert.Timestamp)

	for _, key := range []string{"instanceName", "instanceId", "workflowName", "errorMessage"} {
		if value, ok := alert.Details[key]; ok && value != "" {
			fmt.Fprintf(&b, "\n%s: %v", key, value)
		}
	}
	return b.String()
}
