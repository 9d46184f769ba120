package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"n8nadmin/internal/store"
	"n8nadmin/internal/types"
)

const authCookieName = "authKey"

// dummyPasswordHash is compared against when the user does not exist.
var dummyPasswordHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type jwtClaims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	TenantID string `json:"tenantId"`
	jwt.RegisteredClaims
}

type contextKey string

const (
	userIDKey   contextKey = "userID"
	tenantIDKey contextKey = "tenantID"
)

func (s *Server) generateJWT(user *store.User) (string, error) {
	claims := jwtClaims{
		UserID:   user.ID,
		Username: user.Username,
		TenantID: user.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.cfg.SessionTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseJWT(tokenString string) (*jwtClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			writeJSONError(w, "authentication required", http.StatusUnauthorized)
			return
		}

		claims, err := s.parseJWT(cookie.Value)
		if err != nil {
			s.clearAuthCookie(w)
			writeJSONError(w, "invalid session", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, tenantIDKey, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

func getTenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey).(string)
	return id, ok
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// burn a comparison so missing users cost the same as bad passwords
			_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(req.Password))
			writeJSONError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.writeServiceError(w, err)
		return
	}

	if !user.Enabled {
		writeJSONError(w, "account disabled", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeJSONError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.generateJWT(user)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, types.LoginResponse{
		Token:    token,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	}, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearAuthCookie(w)
	writeJSON(w, map[string]string{"status": "logged out"}, http.StatusOK)
}

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := getUserIDFromContext(ctx)
	if !ok {
		writeJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, types.LoginResponse{
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	}, http.StatusOK)
}

func (s *Server) clearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
