// Package scimtoken provides a local reference implementation of the
// pkg/scim.TokenSigner interface (spec §4.7): RS256-signed, kid-bearing
// bearer tokens minted fresh for every delivery attempt. It generalizes
// internal/auth.SessionManager's go-jose HMAC session-cookie signer — same
// library, same Claims-building shape — to an asymmetric, multi-tenant
// signer scoped to one destination per call instead of one shared secret.
package scimtoken

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/scimcore/pkg/scim"
)

// claims are the registered plus custom claims minted per spec §4.7.
type claims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// Minter signs bearer tokens with a single RSA private key identified by a
// kid header value. Real deployments hold one signing key per tenant behind
// the authorization server's own key store; this reference implementation
// holds exactly one, suitable for tests and single-tenant deployments.
type Minter struct {
	privateKey *rsa.PrivateKey
	keyID      string
}

// NewMinter creates a Minter. keyID populates the token's "kid" header so
// a downstream JWKS consumer can select the matching public key.
func NewMinter(privateKey *rsa.PrivateKey, keyID string) *Minter {
	return &Minter{privateKey: privateKey, keyID: keyID}
}

var _ scim.TokenSigner = (*Minter)(nil)

// MintToken signs a short-lived bearer token for req. A fresh token is
// built on every call; Minter never caches across attempts — that
// discipline is the caller's responsibility (the worker mints once per
// attempt) but MintToken itself is stateless so it cannot violate it.
func (m *Minter) MintToken(ctx context.Context, req scim.TokenRequest) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: m.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", m.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	now := time.Now()
	registered := jwt.Claims{
		Issuer:    req.Issuer,
		Subject:   req.Subject,
		Audience:  jwt.Audience{req.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(lifetime)),
		NotBefore: jwt.NewNumericDate(now),
	}
	custom := claims{
		ClientID: req.ClientID,
		Scope:    strings.Join(req.Scopes, " "),
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}
