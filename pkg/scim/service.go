package scim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/scimcore/internal/db"
	"github.com/wisbric/scimcore/internal/scimclient"
)

// CreateDestinationRequest is the input to Service.Create. Exactly one of
// ClientAppID or AutoProvision should be set; AutoProvision wins if both are.
type CreateDestinationRequest struct {
	TenantID         uuid.UUID
	Name             string
	BaseURL          string
	AttributeMapping AttributeMapping
	EnabledOps       []OperationKind
	DeleteAction     DeleteAction
	RetryPolicy      RetryPolicy
	Enabled          bool

	// ClientAppID is the caller-supplied client application; its scopes are
	// validated against RequiredScopes(EnabledOps) and Create fails with
	// ErrScopesMissing if any are absent.
	ClientAppID uuid.UUID
	// AutoProvision requests that Create mint a new client application
	// named "<Name> SCIM Client" with exactly RequiredScopes(EnabledOps).
	AutoProvision bool
}

// CreateDestinationResult carries the created Destination plus, when
// AutoProvision was used, the one-shot client secret.
type CreateDestinationResult struct {
	Destination Destination
	// Secret is non-empty exactly once, immediately after an
	// auto-provisioned Create. Callers must display or store it themselves;
	// the Service never persists or returns it again.
	Secret string
}

// ProbeResult is the outcome of Service.TestConnection.
type ProbeResult struct {
	Success bool
	Status  int
	Error   string
}

// Service is the Destination Service Facade of spec §4.10: a thin
// coordinator over the stores, the scope policy, and the token
// minter/HTTP client pair, so the admin CRUD surface (an external
// collaborator per §1) has one place to call.
type Service struct {
	pool         *pgxpool.Pool
	destinations *DestinationStore
	mappings     *MappingStore
	deliveries   *DeliveryStore
	scopes       ScopeStore
	provisioner  ClientAppProvisioner
	signer       TokenSigner
	client       scimDoer
	issuerURL    string
	logger       *slog.Logger
}

// NewService creates a Service. pool is used only by Delete, to remove a
// Destination's ResourceMappings and the Destination itself atomically.
func NewService(pool *pgxpool.Pool, destinations *DestinationStore, mappings *MappingStore, deliveries *DeliveryStore,
	scopes ScopeStore, provisioner ClientAppProvisioner, signer TokenSigner, client scimDoer,
	issuerURL string, logger *slog.Logger) *Service {
	return &Service{
		pool:         pool,
		destinations: destinations,
		mappings:     mappings,
		deliveries:   deliveries,
		scopes:       scopes,
		provisioner:  provisioner,
		signer:       signer,
		client:       client,
		issuerURL:    issuerURL,
		logger:       logger,
	}
}

// Create validates req, ensures the tenant's named scopes exist, resolves or
// auto-provisions the client application, and persists the Destination.
func (s *Service) Create(ctx context.Context, req CreateDestinationRequest) (CreateDestinationResult, error) {
	if req.BaseURL == "" {
		return CreateDestinationResult{}, fmt.Errorf("scim: base url is required")
	}
	if req.Name == "" {
		return CreateDestinationResult{}, fmt.Errorf("scim: name is required")
	}

	if err := s.scopes.EnsureTenantScopes(ctx, req.TenantID); err != nil {
		return CreateDestinationResult{}, fmt.Errorf("ensuring tenant scopes: %w", err)
	}

	required := RequiredScopes(req.EnabledOps)

	clientAppID := req.ClientAppID
	var secret string
	if req.AutoProvision {
		id, s2, err := s.provisioner.CreateClientApplication(ctx, req.TenantID, req.Name+" SCIM Client", required)
		if err != nil {
			return CreateDestinationResult{}, fmt.Errorf("auto-provisioning client application: %w", err)
		}
		clientAppID, secret = id, s2
	} else {
		granted, err := s.scopes.ApplicationScopes(ctx, clientAppID)
		if err != nil {
			return CreateDestinationResult{}, fmt.Errorf("reading client application scopes: %w", err)
		}
		if ok, missing := ValidateApplication(granted, req.EnabledOps); !ok {
			return CreateDestinationResult{}, fmt.Errorf("%w: %v", ErrScopesMissing, missing)
		}
	}

	enabledOps := make(map[OperationKind]bool, len(req.EnabledOps))
	for _, op := range req.EnabledOps {
		enabledOps[op] = true
	}

	d := Destination{
		ID:               uuid.New(),
		TenantID:         req.TenantID,
		ClientAppID:      clientAppID,
		Name:             req.Name,
		BaseURL:          req.BaseURL,
		AttributeMapping: req.AttributeMapping,
		EnabledOps:       enabledOps,
		DeleteAction:     req.DeleteAction,
		RetryPolicy:      req.RetryPolicy,
		Enabled:          req.Enabled,
	}
	created, err := s.destinations.Create(ctx, d)
	if err != nil {
		return CreateDestinationResult{}, fmt.Errorf("creating destination: %w", err)
	}

	return CreateDestinationResult{Destination: created, Secret: secret}, nil
}

// UpdateDestinationRequest is the input to Service.Update. EnabledOps is
// always supplied in full (not a diff) so the facade can detect a change and
// re-validate scopes.
type UpdateDestinationRequest struct {
	ID               uuid.UUID
	Name             string
	BaseURL          string
	AttributeMapping AttributeMapping
	EnabledOps       []OperationKind
	DeleteAction     DeleteAction
	RetryPolicy      RetryPolicy
	Enabled          bool
}

// Update overwrites a Destination's mutable fields. If EnabledOps changed
// relative to the stored record, the client application's scopes are
// re-validated before the write.
func (s *Service) Update(ctx context.Context, req UpdateDestinationRequest) (Destination, error) {
	current, err := s.destinations.Get(ctx, req.ID)
	if err != nil {
		return Destination{}, fmt.Errorf("loading destination: %w", err)
	}

	if opsChanged(current.EnabledOps, req.EnabledOps) {
		granted, err := s.scopes.ApplicationScopes(ctx, current.ClientAppID)
		if err != nil {
			return Destination{}, fmt.Errorf("reading client application scopes: %w", err)
		}
		if ok, missing := ValidateApplication(granted, req.EnabledOps); !ok {
			return Destination{}, fmt.Errorf("%w: %v", ErrScopesMissing, missing)
		}
	}

	enabledOps := make(map[OperationKind]bool, len(req.EnabledOps))
	for _, op := range req.EnabledOps {
		enabledOps[op] = true
	}

	updated := current
	updated.Name = req.Name
	updated.BaseURL = req.BaseURL
	updated.AttributeMapping = req.AttributeMapping
	updated.EnabledOps = enabledOps
	updated.DeleteAction = req.DeleteAction
	updated.RetryPolicy = req.RetryPolicy
	updated.Enabled = req.Enabled

	return s.destinations.Update(ctx, updated)
}

// opsChanged reports whether the enabled-operations set named by next
// differs from the stored set current.
func opsChanged(current map[OperationKind]bool, next []OperationKind) bool {
	if len(current) != len(next) {
		return true
	}
	for _, op := range next {
		if !current[op] {
			return true
		}
	}
	return false
}

// Delete removes a Destination's ResourceMappings and then the Destination
// itself inside one transaction, so a crash between the two deletes never
// leaves mappings orphaned. Historical Deliveries are retained by design
// (spec §4.10).
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := NewMappingStore(tx).DeleteByDestination(ctx, id); err != nil {
			return fmt.Errorf("removing resource mappings: %w", err)
		}
		if err := NewDestinationStore(tx).Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting destination: %w", err)
		}
		return nil
	})
}

// Get returns a single Destination.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Destination, error) {
	return s.destinations.Get(ctx, id)
}

// List returns every Destination configured for a tenant.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]Destination, error) {
	return s.destinations.ListByTenant(ctx, tenantID)
}

// ListDeliveriesByEvent returns every Delivery recorded for one local event,
// across all destinations (spec §1.3 expansion, operator debugging).
func (s *Service) ListDeliveriesByEvent(ctx context.Context, eventID uuid.UUID) ([]Delivery, error) {
	return s.deliveries.ListByEvent(ctx, eventID)
}

// ListDeliveriesByDestination returns a newest-first page of Deliveries for
// one destination.
func (s *Service) ListDeliveriesByDestination(ctx context.Context, destinationID uuid.UUID, before *time.Time, limit int) ([]Delivery, error) {
	return s.deliveries.ListByDestination(ctx, destinationID, before, limit)
}

// TestConnection performs a single probe GET against the destination with a
// freshly minted token and classifies the outcome the same way the delivery
// worker does (spec §1.3 expansion). No Delivery record is written.
func (s *Service) TestConnection(ctx context.Context, destinationID uuid.UUID, probePath string) (ProbeResult, error) {
	destination, err := s.destinations.Get(ctx, destinationID)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("loading destination: %w", err)
	}
	if probePath == "" {
		probePath = "/"
	}

	token, err := s.signer.MintToken(ctx, TokenRequest{
		Issuer:   s.issuerURL,
		Subject:  destination.ClientAppID.String(),
		Audience: destination.BaseURL,
		ClientID: destination.ClientAppID.String(),
		Scopes:   []string{string(ScopeUsersRead)},
		Lifetime: time.Minute,
	})
	if err != nil {
		return ProbeResult{}, fmt.Errorf("minting probe token: %w", err)
	}

	resp := s.client.Do(ctx, destination.BaseURL, token, scimclient.Request{
		Method:       "GET",
		ResourcePath: probePath,
	})

	if classify(resp) == outcomeSuccess {
		return ProbeResult{Success: true, Status: resp.Status}, nil
	}
	return ProbeResult{Success: false, Status: resp.Status, Error: responseError(resp)}, nil
}
