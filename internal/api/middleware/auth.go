package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kiranshivaraju/kueuexec/internal/api/response"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen = 8

	verifiedCacheSize = 256
	// lastUsedEvery throttles last_used_at writes for keys that poll often.
	lastUsedEvery   = time.Minute
	lastUsedTimeout = 5 * time.Second
)

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store store.Store
	// verified maps sha256(raw key) to the bcrypt hash it already matched.
	// The key is still looked up on every request, so a revoked key stops
	// working at once; only the bcrypt comparison is skipped.
	verified *lru.Cache[string, string]
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.Store) *Auth {
	verified, _ := lru.New[string, string](verifiedCacheSize)
	return &Auth{store: s, verified: verified}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// the key id, key_prefix and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		key := a.match(rawKey, keys)
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}
		a.touch(key)

		ctx := SetKeyID(r.Context(), key.ID)
		ctx = WithKeyPrefix(ctx, prefix)
		ctx = setScopes(ctx, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) match(rawKey string, keys []*models.APIKey) *models.APIKey {
	sum := sha256.Sum256([]byte(rawKey))
	digest := hex.EncodeToString(sum[:])

	if hash, ok := a.verified.Get(digest); ok {
		for _, key := range keys {
			if key.KeyHash == hash {
				return key
			}
		}
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			a.verified.Add(digest, key.KeyHash)
			return key
		}
	}
	return nil
}

// touch records key use in the background, at most once per lastUsedEvery.
func (a *Auth) touch(key *models.APIKey) {
	if key.LastUsedAt != nil && time.Since(*key.LastUsedAt) < lastUsedEvery {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
		defer cancel()
		if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
			slog.Warn("update api key last used", "key_id", key.ID, "error", err)
		}
	}()
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(getScopes(r), scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", map[string]string{"required_scope": scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
