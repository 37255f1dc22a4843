package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examforge/internal/i18n"
)

// HashToken returns the bcrypt hash to configure as the API token hash.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("empty token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// requireToken checks the bearer token against the configured hash. Without
// a hash every request passes.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			h.unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.config.TokenHash), []byte(token)); err != nil {
			slog.Warn("rejected API token", "path", r.URL.Path, "remote", r.RemoteAddr)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="examforge"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: i18n.T(r.Context(), "ErrUnauthorized")})
}
