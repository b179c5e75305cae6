package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "kx_"

// GenerateRawKey returns a new random API key.
func GenerateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}

// NewAPIKey hashes rawKey into a storable APIKey. Only the hash and the
// lookup prefix are kept.
func NewAPIKey(name, rawKey string, scopes []string) (*models.APIKey, error) {
	if len(rawKey) < keyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", keyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
