package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/kueuexec/internal/api/middleware"
	"github.com/kiranshivaraju/kueuexec/internal/api/response"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// KeyStore is the subset of store.Store the key endpoints use.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

var validScopes = map[string]bool{
	models.ScopeSubmit: true,
	models.ScopeRead:   true,
	models.ScopeAdmin:  true,
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is only ever returned here.
func NewCreateKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "at least one scope is required", nil)
			return
		}
		for _, s := range req.Scopes {
			if !validScopes[s] {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"scopes must be submit, read or admin", map[string]string{"scope": s})
				return
			}
		}

		raw, err := mw.GenerateRawKey()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		key, err := mw.NewAPIKey(req.Name, raw, req.Scopes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if err := ks.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY_NAME", "An API key with this name already exists", nil)
				return
			}
			writeServiceError(w, err)
			return
		}

		response.Created(w, map[string]any{
			"key":     raw,
			"api_key": key,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := ks.ListAPIKeys(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "keyID must be a UUID", nil)
			return
		}
		if caller, ok := mw.GetKeyID(r); ok && caller == id {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "An API key cannot revoke itself", nil)
			return
		}
		if err := ks.RevokeAPIKey(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
				return
			}
			writeServiceError(w, err)
			return
		}
		response.NoContent(w)
	}
}
