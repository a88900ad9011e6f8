// Package auth provides API key authentication for write endpoints.
package auth

import (
	"context"
	"net/http"

	"github.com/pendergraft/sorobanregistry/internal/storage"
)

type (
	contextKey  struct{}
	recorderKey struct{}
)

type keyRecorder struct{ id string }

// Validator resolves a presented key to its stored record
type Validator interface {
	ValidateAPIKey(ctx context.Context, key string) (*storage.APIKey, error)
}

// ErrorWriter writes an error response in the caller's envelope
type ErrorWriter func(w http.ResponseWriter, status int, code, message string)

// GetAPIKeyFromContext retrieves the API key info from context.
func GetAPIKeyFromContext(ctx context.Context) *storage.APIKey {
	if key, ok := ctx.Value(contextKey{}).(*storage.APIKey); ok {
		return key
	}
	return nil
}

// KeyID returns the id of the authenticated key, or "" when the request
// was not authenticated.
func KeyID(ctx context.Context) string {
	if key := GetAPIKeyFromContext(ctx); key != nil {
		return key.ID
	}
	return ""
}

// WithAPIKey returns ctx carrying key
func WithAPIKey(ctx context.Context, key *storage.APIKey) context.Context {
	return context.WithValue(ctx, contextKey{}, key)
}

// WithRecorder returns ctx carrying a slot that Middleware fills with the
// authenticated key id, and a func reading it back. Outer middleware use
// it to see authentication that happened further down the chain.
func WithRecorder(ctx context.Context) (context.Context, func() string) {
	rec := &keyRecorder{}
	return context.WithValue(ctx, recorderKey{}, rec), func() string { return rec.id }
}

func record(ctx context.Context, key *storage.APIKey) {
	if rec, ok := ctx.Value(recorderKey{}).(*keyRecorder); ok {
		rec.id = key.ID
	}
}

// Middleware rejects requests that do not carry a valid API key.
func Middleware(v Validator, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := keyFromRequest(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
				return
			}
			if !LooksLikeKey(raw) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
				return
			}

			key, err := v.ValidateAPIKey(r.Context(), raw)
			if err != nil || key == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
				return
			}
			record(r.Context(), key)
			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}

// OptionalMiddleware attaches the key when a valid one is presented and
// lets every request through.
func OptionalMiddleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := keyFromRequest(r); LooksLikeKey(raw) {
				if key, err := v.ValidateAPIKey(r.Context(), raw); err == nil && key != nil {
					record(r.Context(), key)
					r = r.WithContext(WithAPIKey(r.Context(), key))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
