package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type ResetToken struct {
	ID        int64      `db:"id"`
	UserID    int64      `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// Valid reports whether the token can still redeem a password reset.
func (t ResetToken) Valid(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// CreateResetToken stores the hash of a freshly issued reset token. Earlier
// unused tokens for the user are invalidated so only the latest link works.
func (s *Store) CreateResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	now := time.Now().UTC()

	invalidate := s.db.Rebind(`
		UPDATE password_reset_token SET used_at = ?
		WHERE user_id = ? AND used_at IS NULL
	`)
	if _, err := s.db.ExecContext(ctx, invalidate, now, userID); err != nil {
		return err
	}

	insert := s.db.Rebind(`
		INSERT INTO password_reset_token (user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, insert, userID, tokenHash, expiresAt.UTC(), now)
	return err
}

func (s *Store) GetResetToken(ctx context.Context, tokenHash string) (*ResetToken, error) {
	var token ResetToken
	query := s.db.Rebind(`
		SELECT id, user_id, token_hash, expires_at, used_at, created_at
		FROM password_reset_token
		WHERE token_hash = ?
		LIMIT 1
	`)
	if err := s.db.GetContext(ctx, &token, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

func (s *Store) MarkResetTokenUsed(ctx context.Context, tokenID int64) error {
	query := s.db.Rebind(`UPDATE password_reset_token SET used_at = ? WHERE id = ? AND used_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), tokenID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpiredResetTokens removes tokens past their expiry, returning how
// many were deleted.
func (s *Store) PurgeExpiredResetTokens(ctx context.Context) (int64, error) {
	query := s.db.Rebind(`DELETE FROM password_reset_token WHERE expires_at < ?`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
