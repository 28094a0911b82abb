// Package clientapp is the reference ScopeStore/ClientAppProvisioner
// implementation spec §4.9/§4.10 names as external collaborators: it knows
// how to ensure the four named SCIM scopes exist for a tenant and how to
// auto-provision a client application with an exact scope set. A real
// deployment routes these to the authorization server's own client-app CRUD
// and never imports this package; it exists so the Destination Service
// Facade has something to drive in tests and standalone deployments.
package clientapp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/scimcore/internal/db"
	"github.com/wisbric/scimcore/pkg/scim"
)

// Store provides the minimal client-application and scope persistence
// pkg/scim.ScopeStore and pkg/scim.ClientAppProvisioner require.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

var (
	_ scim.ScopeStore           = (*Store)(nil)
	_ scim.ClientAppProvisioner = (*Store)(nil)
)

// EnsureTenantScopes idempotently inserts the four named SCIM scopes for a
// tenant. A second call for the same tenant creates nothing new.
func (s *Store) EnsureTenantScopes(ctx context.Context, tenantID uuid.UUID) error {
	const q = `
		INSERT INTO scim_scope (tenant_id, name)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, name) DO NOTHING`

	for _, sc := range scim.AllScopes {
		if _, err := s.dbtx.Exec(ctx, q, tenantID, string(sc)); err != nil {
			return fmt.Errorf("ensuring scope %q for tenant: %w", sc, err)
		}
	}
	return nil
}

// ApplicationScopes returns the scope set currently granted to a client
// application.
func (s *Store) ApplicationScopes(ctx context.Context, clientAppID uuid.UUID) ([]string, error) {
	const q = `SELECT scopes FROM client_application WHERE id = $1`
	var scopes []string
	err := s.dbtx.QueryRow(ctx, q, clientAppID).Scan(&scopes)
	if err == pgx.ErrNoRows {
		return nil, scim.ErrNotFound
	}
	return scopes, err
}

// CreateClientApplication inserts a new client application with exactly the
// given scopes and a freshly generated secret, returning the secret in the
// clear exactly once — callers must display or store it immediately; it is
// never retrievable again (only its hash is persisted).
func (s *Store) CreateClientApplication(ctx context.Context, tenantID uuid.UUID, name string, scopes []string) (uuid.UUID, string, error) {
	secret, hash, err := generateClientSecret()
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("generating client secret: %w", err)
	}

	const q = `
		INSERT INTO client_application (id, tenant_id, name, secret_hash, scopes, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now())
		RETURNING id`

	var id uuid.UUID
	if err := s.dbtx.QueryRow(ctx, q, tenantID, name, hash, scopes).Scan(&id); err != nil {
		return uuid.Nil, "", fmt.Errorf("inserting client application: %w", err)
	}
	return id, secret, nil
}

// generateClientSecret returns a random client secret (prefixed for display,
// following the teacher's API-key convention) and its SHA-256 hash.
func generateClientSecret() (secret, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	secret = fmt.Sprintf("scim_%x", b)
	h := sha256.Sum256([]byte(secret))
	return secret, hex.EncodeToString(h[:]), nil
}
