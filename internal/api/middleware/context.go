package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const (
	keyIDKey contextKey = iota
	keyPrefixKey
	scopesKey
)

func SetKeyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyIDKey, id)
}

// GetKeyID returns the id of the API key that authenticated r.
func GetKeyID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(keyIDKey).(uuid.UUID)
	return id, ok
}

// WithKeyPrefix marks ctx as authenticated by the key with prefix. The rate
// limiter counts requests per prefix.
func WithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(scopesKey).([]string)
	return scopes
}
