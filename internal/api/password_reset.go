package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

const minPasswordLength = 6

// handlePasswordResetRequest issues a reset token for the account behind the
// given email. The response is identical whether or not the account exists so
// the endpoint cannot be used to enumerate users.
func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req types.PasswordResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acknowledge := func() {
		writeJSON(w, map[string]string{
			"status": "if the account exists, a reset link has been sent",
		}, http.StatusOK)
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("password reset lookup failed", "err", err)
		}
		acknowledge()
		return
	}

	token, err := newResetToken()
	if err != nil {
		s.logger.Error("generate reset token failed", "err", err)
		acknowledge()
		return
	}

	expiresAt := time.Now().UTC().Add(s.cfg.ResetTokenTTL)
	if err := s.store.CreateResetToken(ctx, user.ID, hashResetToken(token), expiresAt); err != nil {
		s.logger.Error("store reset token failed", "err", err)
		acknowledge()
		return
	}

	link := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.AppBaseURL, token)
	body := fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Open the link below to choose a new password. The link expires in %s.\n\n%s\n\n"+
			"If you did not request this, you can ignore this message.\n",
		s.cfg.ResetTokenTTL, link)
	if err := s.mailer.Send(ctx, user.Email, "Password reset", body); err != nil {
		s.logger.Error("send reset mail failed", "err", err)
	}

	acknowledge()
}

// handlePasswordResetValidate lets the frontend check a token before showing
// the new-password form.
func (s *Server) handlePasswordResetValidate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSONError(w, "token is required", http.StatusBadRequest)
		return
	}

	stored, err := s.store.GetResetToken(ctx, hashResetToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, map[string]bool{"valid": false}, http.StatusOK)
			return
		}
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, map[string]bool{"valid": stored.Valid(time.Now().UTC())}, http.StatusOK)
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req types.PasswordReset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		writeJSONError(w, "token is required", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeJSONError(w, fmt.Sprintf("password must be at least %d characters", minPasswordLength), http.StatusBadRequest)
		return
	}

	stored, err := s.store.GetResetToken(ctx, hashResetToken(req.Token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "invalid or expired token", http.StatusBadRequest)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	if !stored.Valid(time.Now().UTC()) {
		writeJSONError(w, "invalid or expired token", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := s.store.MarkResetTokenUsed(ctx, stored.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "invalid or expired token", http.StatusBadRequest)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	if err := s.store.UpdateUserPassword(ctx, stored.UserID, string(hash)); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("password reset completed", "userId", stored.UserID)
	writeJSON(w, map[string]string{"status": "password updated"}, http.StatusOK)
}

func newResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// hashResetToken keeps only a digest in the database so a leaked table does
// not expose live reset links.
func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
