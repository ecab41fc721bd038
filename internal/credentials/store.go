// Package credentials persists per-user broker credentials and PKCE verifiers.
package credentials

import (
	"context"
	"time"
)

// Credential holds the tokens for one (user, broker) pair. Session based
// brokers store their session id in AccessToken. IssuedAt is when the access
// token was granted and is zero when unknown.
type Credential struct {
	UserID       string
	Broker       string
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Scope        string
	TokenType    string
	Active       bool
	UpdatedAt    time.Time
}

// Store is the persistence capability used by the credential managers.
// Get returns nil, nil when no credential exists.
type Store interface {
	Get(ctx context.Context, userID, broker string) (*Credential, error)
	Upsert(ctx context.Context, cred *Credential) error
	Delete(ctx context.Context, userID, broker string) error
	Deactivate(ctx context.Context, userID, broker string) error

	SaveVerifier(ctx context.Context, userID, broker, verifier string, expiresAt time.Time) error
	TakeVerifier(ctx context.Context, userID, broker string, now time.Time) (string, error)
	SweepVerifiers(ctx context.Context, now time.Time) (int64, error)
}
