package tokenstore

import (
	"context"
	"time"
)

// DefaultKey is the well-known key the single live credential is stored under.
const DefaultKey = "default"

// Credential is the OAuth2 credential triple shared with the CRM.
// ExpiresAt is an absolute unix timestamp; the persisted field keeps the historical name expiresIn.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresIn"`
}

// IsValid reports whether the access token is still usable at the given instant.
func (credential Credential) IsValid(now time.Time) bool {
	return now.Unix() < credential.ExpiresAt
}

// Store persists exactly one credential. Save always replaces the whole record.
type Store interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, credential Credential) error
}
