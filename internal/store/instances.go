package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Instance is the persisted row. APIKeyEnc holds the sealed remote API key;
// plaintext keys never reach the database.
type Instance struct {
	ID         int64      `db:"id"`
	ExternalID string     `db:"external_id"`
	TenantID   string     `db:"tenant_id"`
	Name       string     `db:"name"`
	BaseURL    string     `db:"base_url"`
	APIKeyEnc  string     `db:"api_key_enc"`
	Status     string     `db:"status"`
	Version    string     `db:"version"`
	LastSeenAt *time.Time `db:"last_seen_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  *time.Time `db:"updated_at"`
}

const instanceColumns = `id, external_id, tenant_id, name, base_url, api_key_enc, status, version, last_seen_at, created_at, updated_at`

// newExternalID mints the public instance identifier.
func newExternalID() string {
	return "inst_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Store) ListInstances(ctx context.Context, tenantID string) ([]Instance, error) {
	instances := []Instance{}
	query := s.db.Rebind(`
		SELECT ` + instanceColumns + `
		FROM instance
		WHERE tenant_id = ?
		ORDER BY created_at, id
	`)
	if err := s.db.SelectContext(ctx, &instances, query, tenantID); err != nil {
		return nil, err
	}
	return instances, nil
}

// ListAllInstances returns every registered instance across tenants, for the
// monitor sweep.
func (s *Store) ListAllInstances(ctx context.Context) ([]Instance, error) {
	instances := []Instance{}
	query := `SELECT ` + instanceColumns + ` FROM instance ORDER BY id`
	if err := s.db.SelectContext(ctx, &instances, query); err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *Store) CountInstances(ctx context.Context, tenantID string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM instance WHERE tenant_id = ?`)
	if err := s.db.GetContext(ctx, &count, query, tenantID); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetInstance(ctx context.Context, tenantID, externalID string) (*Instance, error) {
	var instance Instance
	query := s.db.Rebind(`
		SELECT ` + instanceColumns + `
		FROM instance
		WHERE tenant_id = ? AND external_id = ?
		LIMIT 1
	`)
	if err := s.db.GetContext(ctx, &instance, query, tenantID, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &instance, nil
}

// CreateInstance persists a new instance with a freshly minted external id.
// Quota enforcement happens in the service layer before this is called.
func (s *Store) CreateInstance(ctx context.Context, tenantID, name, baseURL, apiKeyEnc string) (*Instance, error) {
	externalID := newExternalID()
	now := time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO instance (external_id, tenant_id, name, base_url, api_key_enc, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, 'unknown', 'unknown', ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, externalID, tenantID, name, baseURL, apiKeyEnc, now); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, tenantID, externalID)
}

// UpdateInstance replaces name and base URL, and the sealed key when
// apiKeyEnc is non-empty.
func (s *Store) UpdateInstance(ctx context.Context, tenantID, externalID, name, baseURL, apiKeyEnc string) (*Instance, error) {
	now := time.Now().UTC()

	var err error
	if apiKeyEnc != "" {
		query := s.db.Rebind(`
			UPDATE instance SET name = ?, base_url = ?, api_key_enc = ?, updated_at = ?
			WHERE tenant_id = ? AND external_id = ?
		`)
		_, err = s.db.ExecContext(ctx, query, name, baseURL, apiKeyEnc, now, tenantID, externalID)
	} else {
		query := s.db.Rebind(`
			UPDATE instance SET name = ?, base_url = ?, updated_at = ?
			WHERE tenant_id = ? AND external_id = ?
		`)
		_, err = s.db.ExecContext(ctx, query, name, baseURL, now, tenantID, externalID)
	}
	if err != nil {
		return nil, err
	}

	return s.GetInstance(ctx, tenantID, externalID)
}

func (s *Store) DeleteInstance(ctx context.Context, tenantID, externalID string) error {
	instance, err := s.GetInstance(ctx, tenantID, externalID)
	if err != nil {
		return err
	}

	delRuns := s.db.Rebind(`DELETE FROM backup_run WHERE instance_id = ?`)
	if _, err := s.db.ExecContext(ctx, delRuns, instance.ID); err != nil {
		return err
	}
	delInstance := s.db.Rebind(`DELETE FROM instance WHERE id = ?`)
	_, err = s.db.ExecContext(ctx, delInstance, instance.ID)
	return err
}

// UpdateInstanceStatus records the outcome of a health probe. A status
// transition is forwarded to the alert sink.
func (s *Store) UpdateInstanceStatus(ctx context.Context, externalID, status, version string, seenAt *time.Time) error {
	var current struct {
		TenantID string `db:"tenant_id"`
		Name     string `db:"name"`
		Status   string `db:"status"`
	}
	selectQuery := s.db.Rebind(`SELECT tenant_id, name, status FROM instance WHERE external_id = ?`)
	if err := s.db.GetContext(ctx, &current, selectQuery, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	query := s.db.Rebind(`
		UPDATE instance SET status = ?, version = ?, last_seen_at = COALESCE(?, last_seen_at)
		WHERE external_id = ?
	`)
	if _, err := s.db.ExecContext(ctx, query, status, version, seenAt, externalID); err != nil {
		return err
	}

	if current.Status != status {
		s.emitInstanceAlert(InstanceAlertEvent{
			InstanceID:   externalID,
			InstanceName: current.Name,
			TenantID:     current.TenantID,
			OldStatus:    current.Status,
			NewStatus:    status,
			TS:           time.Now().UTC(),
		})
	}
	return nil
}
