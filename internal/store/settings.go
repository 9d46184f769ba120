package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"n8nadmin/internal/types"
)

type alertSettingsRow struct {
	TenantID              string     `db:"tenant_id"`
	Enabled               bool       `db:"enabled"`
	Email                 string     `db:"email"`
	WebhookURL            string     `db:"webhook_url"`
	NotifyInstanceOffline bool       `db:"notify_instance_offline"`
	NotifyWorkflowError   bool       `db:"notify_workflow_error"`
	NotifyInvalidAPIKey   bool       `db:"notify_invalid_api_key"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             *time.Time `db:"updated_at"`
}

func (r alertSettingsRow) toAPI() types.AlertSettings {
	settings := types.AlertSettings{
		Enabled: r.Enabled,
		Events: map[string]bool{
			types.AlertEventInstanceOffline: r.NotifyInstanceOffline,
			types.AlertEventWorkflowError:   r.NotifyWorkflowError,
			types.AlertEventInvalidAPIKey:   r.NotifyInvalidAPIKey,
		},
		Channels: map[string]types.AlertChannel{},
	}
	if r.Email != "" {
		settings.Channels["email"] = types.AlertChannel{Address: r.Email}
	}
	if r.WebhookURL != "" {
		settings.Channels["webhook"] = types.AlertChannel{URL: r.WebhookURL}
	}
	return settings
}

// GetAlertSettings returns the tenant's alert settings, defaults when none
// were saved yet.
func (s *Store) GetAlertSettings(ctx context.Context, tenantID string) (types.AlertSettings, error) {
	var row alertSettingsRow
	query := s.db.Rebind(`
		SELECT tenant_id, enabled, email, webhook_url,
			notify_instance_offline, notify_workflow_error, notify_invalid_api_key,
			created_at, updated_at
		FROM alert_settings
		WHERE tenant_id = ?
	`)
	err := s.db.GetContext(ctx, &row, query, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return alertSettingsRow{TenantID: tenantID}.toAPI(), nil
	}
	if err != nil {
		return types.AlertSettings{}, err
	}
	return row.toAPI(), nil
}

// SaveAlertSettings upserts the tenant's alert settings.
func (s *Store) SaveAlertSettings(ctx context.Context, tenantID string, settings types.AlertSettings) error {
	now := time.Now().UTC()
	email := settings.Channels["email"].Address
	webhookURL := settings.Channels["webhook"].URL

	update := s.db.Rebind(`
		UPDATE alert_settings
		SET enabled = ?, email = ?, webhook_url = ?,
			notify_instance_offline = ?, notify_workflow_error = ?, notify_invalid_api_key = ?,
			updated_at = ?
		WHERE tenant_id = ?
	`)
	res, err := s.db.ExecContext(ctx, update,
		settings.Enabled, email, webhookURL,
		settings.Events[types.AlertEventInstanceOffline],
		settings.Events[types.AlertEventWorkflowError],
		settings.Events[types.AlertEventInvalidAPIKey],
		now, tenantID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	insert := s.db.Rebind(`
		INSERT INTO alert_settings
			(tenant_id, enabled, email, webhook_url,
			 notify_instance_offline, notify_workflow_error, notify_invalid_api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, insert,
		tenantID, settings.Enabled, email, webhookURL,
		settings.Events[types.AlertEventInstanceOffline],
		settings.Events[types.AlertEventWorkflowError],
		settings.Events[types.AlertEventInvalidAPIKey],
		now)
	return err
}

type backupSettingsRow struct {
	TenantID      string     `db:"tenant_id"`
	Enabled       bool       `db:"enabled"`
	FolderID      string     `db:"folder_id"`
	IntervalHours int        `db:"interval_hours"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     *time.Time `db:"updated_at"`
}

func (s *Store) GetBackupSettings(ctx context.Context, tenantID string) (types.BackupSettings, error) {
	var row backupSettingsRow
	query := s.db.Rebind(`
		SELECT tenant_id, enabled, folder_id, interval_hours, created_at, updated_at
		FROM backup_settings
		WHERE tenant_id = ?
	`)
	err := s.db.GetContext(ctx, &row, query, tenantID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return types.BackupSettings{}, err
	}

	settings := types.BackupSettings{IntervalHours: 24}
	if err == nil {
		settings = types.BackupSettings{
			Enabled:       row.Enabled,
			FolderID:      row.FolderID,
			IntervalHours: row.IntervalHours,
		}
	}

	last, err := s.tenantLastBackupAt(ctx, tenantID)
	if err != nil {
		return types.BackupSettings{}, err
	}
	settings.LastBackupAt = last
	return settings, nil
}

func (s *Store) SaveBackupSettings(ctx context.Context, tenantID string, settings types.BackupSettings) error {
	now := time.Now().UTC()

	update := s.db.Rebind(`
		UPDATE backup_settings
		SET enabled = ?, folder_id = ?, interval_hours = ?, updated_at = ?
		WHERE tenant_id = ?
	`)
	res, err := s.db.ExecContext(ctx, update,
		settings.Enabled, settings.FolderID, settings.IntervalHours, now, tenantID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	insert := s.db.Rebind(`
		INSERT INTO backup_settings (tenant_id, enabled, folder_id, interval_hours, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, insert,
		tenantID, settings.Enabled, settings.FolderID, settings.IntervalHours, now)
	return err
}

// ListTenantsWithBackupsEnabled feeds the backup scheduler.
func (s *Store) ListTenantsWithBackupsEnabled(ctx context.Context) ([]string, error) {
	tenants := []string{}
	err := s.db.SelectContext(ctx, &tenants,
		`SELECT tenant_id FROM backup_settings WHERE enabled ORDER BY tenant_id`)
	return tenants, err
}

// RecordBackupRun stores a finished backup for an instance.
func (s *Store) RecordBackupRun(ctx context.Context, instanceID int64, finishedAt time.Time, workflowCount int, archivePath string) error {
	query := s.db.Rebind(`
		INSERT INTO backup_run (instance_id, finished_at, workflow_count, archive_path)
		VALUES (?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, instanceID, finishedAt.UTC(), workflowCount, archivePath)
	return err
}

// LastBackupAt returns the most recent backup time for an instance, nil when
// it was never backed up. Selects the column directly instead of MAX so the
// sqlite driver keeps the timestamp type.
func (s *Store) LastBackupAt(ctx context.Context, instanceID int64) (*time.Time, error) {
	var last time.Time
	query := s.db.Rebind(`
		SELECT finished_at
		FROM backup_run
		WHERE instance_id = ?
		ORDER BY finished_at DESC
		LIMIT 1
	`)
	err := s.db.GetContext(ctx, &last, query, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// tenantLastBackupAt is the newest backup time across all of the tenant's
// instances.
func (s *Store) tenantLastBackupAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var last time.Time
	query := s.db.Rebind(`
		SELECT b.finished_at
		FROM backup_run b
		JOIN instance i ON i.id = b.instance_id
		WHERE i.tenant_id = ?
		ORDER BY b.finished_at DESC
		LIMIT 1
	`)
	err := s.db.GetContext(ctx, &last, query, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// ListLastBackups returns per-instance last backup times for a tenant, one
// row per registered instance.
func (s *Store) ListLastBackups(ctx context.Context, tenantID string) ([]types.InstanceBackupStatus, error) {
	rows := []struct {
		ExternalID   string     `db:"external_id"`
		Name         string     `db:"name"`
		LastBackupAt *time.Time `db:"last_backup_at"`
	}{}

	// joins each instance to its newest run instead of MAX(finished_at);
	// the aggregate loses the timestamp type on the sqlite driver
	query := s.db.Rebind(`
		SELECT i.external_id, i.name, b.finished_at AS last_backup_at
		FROM instance i
		LEFT JOIN backup_run b ON b.id = (
			SELECT id FROM backup_run
			WHERE instance_id = i.id
			ORDER BY finished_at DESC
			LIMIT 1
		)
		WHERE i.tenant_id = ?
		ORDER BY i.id
	`)
	if err := s.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, err
	}

	statuses := make([]types.InstanceBackupStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, types.InstanceBackupStatus{
			InstanceID:   row.ExternalID,
			InstanceName: row.Name,
			LastBackupAt: row.LastBackupAt,
		})
	}
	return statuses, nil
}
