package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type User struct {
	ID           int64     `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	TenantID     string    `db:"tenant_id"`
	Enabled      bool      `db:"enabled"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	query := s.db.Rebind(`
		SELECT id, username, email, password_hash, role, tenant_id, enabled, created_at
		FROM app_user
		WHERE username = ?
		LIMIT 1
	`)
	if err := s.db.GetContext(ctx, &user, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	query := s.db.Rebind(`
		SELECT id, username, email, password_hash, role, tenant_id, enabled, created_at
		FROM app_user
		WHERE email = ?
		LIMIT 1
	`)
	if err := s.db.GetContext(ctx, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByID(ctx context.Context, userID int64) (*User, error) {
	var user User
	query := s.db.Rebind(`
		SELECT id, username, email, password_hash, role, tenant_id, enabled, created_at
		FROM app_user
		WHERE id = ?
	`)
	if err := s.db.GetContext(ctx, &user, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a user and returns it with the assigned id.
func (s *Store) CreateUser(ctx context.Context, user User) (*User, error) {
	user.CreatedAt = time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO app_user (username, email, password_hash, role, tenant_id, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query,
		user.Username, user.Email, user.PasswordHash, user.Role, user.TenantID, user.Enabled, user.CreatedAt); err != nil {
		return nil, err
	}
	return s.GetUserByUsername(ctx, user.Username)
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	query := s.db.Rebind(`UPDATE app_user SET password_hash = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, passwordHash, userID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdminUser seeds the bootstrap admin account on first start. Does
// nothing when any user already exists.
func (s *Store) EnsureAdminUser(ctx context.Context, username, email, passwordHash, tenantID string) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM app_user`); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err := s.CreateUser(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         "ADMIN",
		TenantID:     tenantID,
		Enabled:      true,
	})
	if err != nil {
		return err
	}
	s.logger.Info("seeded admin user", "username", username)
	return nil
}
