package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"

	"n8nadmin/internal/license"
	"n8nadmin/internal/types"
)

func (s *Server) handleGetAlertSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	settings, err := s.store.GetAlertSettings(ctx, tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, settings, http.StatusOK)
}

func (s *Server) handleSaveAlertSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var settings types.AlertSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Enabling a feature-gated alert event needs the matching license feature.
	gated := map[string]string{
		types.AlertEventWorkflowError: license.FeatureAlertWorkflowError,
		types.AlertEventInvalidAPIKey: license.FeatureAlertInvalidAPIKey,
	}
	for event, enabled := range settings.Events {
		feature, isGated := gated[event]
		if !enabled || !isGated {
			continue
		}
		if !s.license.IsFeatureEnabled(feature) {
			writeJSONError(w, fmt.Sprintf("alert event %q is not included in the current license", event), http.StatusUnprocessableEntity)
			return
		}
	}

	if err := s.store.SaveAlertSettings(ctx, tenantID, settings); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if s.notifier != nil {
		s.notifier.InvalidateSettings(tenantID)
	}
	writeJSON(w, settings, http.StatusOK)
}

// backupsLicensed guards the whole backup settings resource; the community
// edition never sees it.
func (s *Server) backupsLicensed() bool {
	return s.license.IsPremium() && s.license.IsFeatureEnabled(license.FeatureScheduledBackups)
}

func (s *Server) handleGetBackupSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if !s.backupsLicensed() {
		writeJSONError(w, "scheduled backups require a premium license", http.StatusForbidden)
		return
	}

	settings, err := s.store.GetBackupSettings(ctx, tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, settings, http.StatusOK)
}

func (s *Server) handleSaveBackupSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if !s.backupsLicensed() {
		writeJSONError(w, "scheduled backups require a premium license", http.StatusForbidden)
		return
	}

	var settings types.BackupSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if settings.Enabled && !lo.Contains(types.BackupIntervalHours, settings.IntervalHours) {
		writeJSONError(w, fmt.Sprintf("intervalHours must be one of %v", types.BackupIntervalHours), http.StatusBadRequest)
		return
	}

	if err := s.store.SaveBackupSettings(ctx, tenantID, settings); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, settings, http.StatusOK)
}

func (s *Server) handleGetLastBackups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	statuses, err := s.store.ListLastBackups(ctx, tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, statuses, http.StatusOK)
}
