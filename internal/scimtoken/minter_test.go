package scimtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/scimcore/pkg/scim"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test RSA key: %v", err)
	}
	return key
}

func TestMinter_MintToken_RoundTrip(t *testing.T) {
	key := testKey(t)
	m := NewMinter(key, "kid-1")

	token, err := m.MintToken(context.Background(), scim.TokenRequest{
		Issuer:   "https://issuer.example",
		Subject:  "client-app-1",
		Audience: "https://downstream.example",
		ClientID: "client-app-1",
		Scopes:   []string{"scim:users:write", "scim:groups:write"},
		Lifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("parsing signed token: %v", err)
	}
	if len(tok.Headers) != 1 || tok.Headers[0].KeyID != "kid-1" {
		t.Fatalf("expected kid header kid-1, got headers %+v", tok.Headers)
	}

	var registered jwt.Claims
	var custom claims
	if err := tok.Claims(&key.PublicKey, &registered, &custom); err != nil {
		t.Fatalf("verifying claims: %v", err)
	}

	if registered.Issuer != "https://issuer.example" {
		t.Errorf("iss = %q", registered.Issuer)
	}
	if registered.Subject != "client-app-1" {
		t.Errorf("sub = %q", registered.Subject)
	}
	if len(registered.Audience) != 1 || registered.Audience[0] != "https://downstream.example" {
		t.Errorf("aud = %v", registered.Audience)
	}
	if custom.ClientID != "client-app-1" {
		t.Errorf("client_id = %q", custom.ClientID)
	}
	if !strings.Contains(custom.Scope, "scim:users:write") || !strings.Contains(custom.Scope, "scim:groups:write") {
		t.Errorf("scope = %q", custom.Scope)
	}
}

func TestMinter_MintToken_DefaultsLifetime(t *testing.T) {
	key := testKey(t)
	m := NewMinter(key, "kid-1")

	token, err := m.MintToken(context.Background(), scim.TokenRequest{
		Issuer: "https://issuer.example", Subject: "s", Audience: "a", ClientID: "s",
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("parsing signed token: %v", err)
	}
	var registered jwt.Claims
	if err := tok.Claims(&key.PublicKey, &registered); err != nil {
		t.Fatalf("verifying claims: %v", err)
	}
	gotLifetime := registered.Expiry.Time().Sub(registered.IssuedAt.Time())
	if gotLifetime < 55*time.Minute || gotLifetime > 65*time.Minute {
		t.Errorf("default lifetime = %v, want ~1h", gotLifetime)
	}
}
