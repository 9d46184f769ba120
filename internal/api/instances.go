package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"n8nadmin/internal/types"
)

const defaultEventLimit = 50

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	summaries, err := s.instances.List(ctx, tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, summaries, http.StatusOK)
}

func (s *Server) handleInstanceQuota(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	quota, err := s.instances.Quota(ctx, tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, quota, http.StatusOK)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req types.InstanceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	summary, err := s.instances.Create(ctx, tenantID, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, summary, http.StatusCreated)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	detail, err := s.instances.Get(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, detail, http.StatusOK)
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req types.InstanceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	summary, err := s.instances.Update(ctx, tenantID, chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, summary, http.StatusOK)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if err := s.instances.Delete(ctx, tenantID, chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	filter := r.URL.Query().Get("filter")
	grouped, _ := strconv.ParseBool(r.URL.Query().Get("grouped"))

	resp, err := s.instances.Workflows(ctx, tenantID, chi.URLParam(r, "id"), filter, grouped)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *Server) handleImportWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var definition map[string]any
	if err := json.NewDecoder(r.Body).Decode(&definition); err != nil {
		writeJSONError(w, "invalid workflow definition", http.StatusBadRequest)
		return
	}

	if err := s.instances.Import(ctx, tenantID, chi.URLParam(r, "id"), definition); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "imported"}, http.StatusCreated)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := s.instances.Events(ctx, tenantID, chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, events, http.StatusOK)
}

func (s *Server) handleGetErrorPatterns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	patterns, err := s.instances.ErrorPatterns(ctx, tenantID, chi.URLParam(r, "id"), r.URL.Query().Get("range"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, patterns, http.StatusOK)
}

func (s *Server) handleExportWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var workflowIDs []string
	if raw := strings.TrimSpace(r.URL.Query().Get("ids")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				workflowIDs = append(workflowIDs, id)
			}
		}
	}

	instanceID := chi.URLParam(r, "id")
	archive, err := s.instances.ExportArchive(ctx, tenantID, instanceID, workflowIDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "workflows-"+instanceID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (s *Server) handleGetLastBackup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tenantID, ok := getTenantIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	detail, err := s.instances.Get(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, types.InstanceBackupStatus{
		InstanceID:   detail.ID,
		InstanceName: detail.Name,
		LastBackupAt: detail.LastBackupAt,
	}, http.StatusOK)
}
