package api

import (
	"context"
	"errors"
	"net/http"

	"webrunner/internal/logging"
	"webrunner/internal/store"
	"webrunner/internal/types"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Authenticator resolves an API key to its record.
type Authenticator interface {
	AuthenticateKey(key string) (*types.APIKey, error)
}

// auth enforces the X-API-Key header on a handler. A missing or unknown key
// is 401; an inactive or expired key is 403. The resolved user ID is placed
// on the request context.
func (h *Handlers) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		apiKey, err := h.authn.AuthenticateKey(key)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrForbidden):
				writeError(w, http.StatusForbidden, "API key not usable")
			case errors.Is(err, store.ErrUnauthorized):
				writeError(w, http.StatusUnauthorized, "invalid API key")
			default:
				logging.Store("auth lookup failed: %v", err)
				writeError(w, http.StatusInternalServerError, "authentication failed")
			}
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, apiKey.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestUser returns the authenticated user ID, or "" on unauthenticated
// routes.
func requestUser(r *http.Request) string {
	if v, ok := r.Context().Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
