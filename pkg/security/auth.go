package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// Authentication errors.
var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Principal represents an authenticated entity
type Principal struct {
	ID   string
	Name string
}

// APIKeyAuthenticator implements simple API key authentication
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*Principal),
	}
}

// AddKey registers an API key with associated principal
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Enabled reports whether any key is registered.
func (a *APIKeyAuthenticator) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// Authenticate verifies an API key and returns the associated principal
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Use constant-time comparison to prevent timing attacks
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return principal, nil
		}
	}

	return nil, ErrInvalidToken
}

// RequireAPIKey guards next with the authenticator. The key is read from
// "Authorization: Bearer <key>" or "X-API-Key". With no keys registered
// every request passes.
func (a *APIKeyAuthenticator) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := a.Authenticate(r.Context(), tokenFromRequest(r)); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.Header.Get("X-API-Key")
}
