package scim

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TokenRequest describes the bearer token the Token Minter must produce for
// one delivery attempt. A fresh token is minted for every attempt; callers
// must never cache the result across retries.
type TokenRequest struct {
	Issuer     string
	Subject    string // the destination's client-application id
	Audience   string // the destination base URL
	ClientID   string // same as Subject
	Scopes     []string
	Lifetime   time.Duration
}

// TokenSigner mints short-lived signed bearer tokens scoped to a
// destination. The authorization server's own signing-key store is the real
// implementation in production; internal/scimtoken ships a local reference
// implementation for tests and standalone deployments.
type TokenSigner interface {
	MintToken(ctx context.Context, req TokenRequest) (string, error)
}

// ScopeStore is the external scope/application collaborator named in §4.9
// and §4.10 of the spec: it knows how to ensure the four named SCIM scopes
// exist for a tenant and whether a client application's scope set covers a
// required set. Scope/Application CRUD itself is out of this core's scope.
type ScopeStore interface {
	// EnsureTenantScopes idempotently creates the named SCIM scopes for a
	// tenant. Calling it twice must create scopes at most once.
	EnsureTenantScopes(ctx context.Context, tenantID uuid.UUID) error
	// ApplicationScopes returns the full scope set currently granted to a
	// client application.
	ApplicationScopes(ctx context.Context, clientAppID uuid.UUID) ([]string, error)
}

// ClientAppProvisioner auto-provisions a client application with an exact
// scope set and a one-shot secret when the Destination Service Facade is
// not handed a caller-supplied application. Real deployments route this to
// the authorization server's client-application CRUD; this core only needs
// the narrow surface below.
type ClientAppProvisioner interface {
	CreateClientApplication(ctx context.Context, tenantID uuid.UUID, name string, scopes []string) (clientAppID uuid.UUID, secret string, err error)
}
