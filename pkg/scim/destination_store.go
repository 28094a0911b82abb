package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/scimcore/internal/db"
)

const destinationColumns = `id, tenant_id, client_app_id, name, base_url, attribute_mapping,
	enabled_operations, delete_action, retry_policy, enabled, created_at, updated_at`

// DestinationStore provides CRUD for Destination records.
type DestinationStore struct {
	dbtx db.DBTX
}

// NewDestinationStore creates a DestinationStore.
func NewDestinationStore(dbtx db.DBTX) *DestinationStore {
	return &DestinationStore{dbtx: dbtx}
}

type destinationRow struct {
	opsJSON     []byte
	mappingJSON []byte
	policyJSON  []byte
}

func scanDestination(row pgx.Row) (Destination, error) {
	var d Destination
	var r destinationRow
	err := row.Scan(
		&d.ID, &d.TenantID, &d.ClientAppID, &d.Name, &d.BaseURL, &r.mappingJSON,
		&r.opsJSON, &d.DeleteAction, &r.policyJSON, &d.Enabled, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Destination{}, err
	}

	var ops []OperationKind
	if err := json.Unmarshal(r.opsJSON, &ops); err != nil {
		return Destination{}, fmt.Errorf("unmarshaling enabled_operations: %w", err)
	}
	d.EnabledOps = make(map[OperationKind]bool, len(ops))
	for _, op := range ops {
		d.EnabledOps[op] = true
	}

	d.AttributeMapping = AttributeMapping{}
	if len(r.mappingJSON) > 0 {
		if err := json.Unmarshal(r.mappingJSON, &d.AttributeMapping); err != nil {
			return Destination{}, fmt.Errorf("unmarshaling attribute_mapping: %w", err)
		}
	}

	if err := json.Unmarshal(r.policyJSON, &d.RetryPolicy); err != nil {
		return Destination{}, fmt.Errorf("unmarshaling retry_policy: %w", err)
	}

	return d, nil
}

// Get returns a Destination by id, or ErrNotFound.
func (s *DestinationStore) Get(ctx context.Context, id uuid.UUID) (Destination, error) {
	const q = `SELECT ` + destinationColumns + ` FROM destination WHERE id = $1`
	d, err := scanDestination(s.dbtx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	return d, err
}

// ListByTenant returns every Destination configured for a tenant, enabled or
// not, ordered by name — used by the admin surface.
func (s *DestinationStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Destination, error) {
	const q = `SELECT ` + destinationColumns + ` FROM destination WHERE tenant_id = $1 ORDER BY name ASC`
	return s.queryList(ctx, q, tenantID)
}

// ListEnabledByTenant returns every enabled Destination for a tenant. Event
// Intake fans out to exactly these destinations for each incoming event.
func (s *DestinationStore) ListEnabledByTenant(ctx context.Context, tenantID uuid.UUID) ([]Destination, error) {
	const q = `SELECT ` + destinationColumns + ` FROM destination WHERE tenant_id = $1 AND enabled = true ORDER BY name ASC`
	return s.queryList(ctx, q, tenantID)
}

func (s *DestinationStore) queryList(ctx context.Context, q string, args ...any) ([]Destination, error) {
	rows, err := s.dbtx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing destinations: %w", err)
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Create inserts a new Destination and returns the stored row.
func (s *DestinationStore) Create(ctx context.Context, d Destination) (Destination, error) {
	opsJSON, err := json.Marshal(EnabledOperationsSlice(d.EnabledOps))
	if err != nil {
		return Destination{}, err
	}
	mappingJSON, err := json.Marshal(d.AttributeMapping)
	if err != nil {
		return Destination{}, err
	}
	policyJSON, err := json.Marshal(d.RetryPolicy)
	if err != nil {
		return Destination{}, err
	}

	const q = `
		INSERT INTO destination (id, tenant_id, client_app_id, name, base_url, attribute_mapping,
			enabled_operations, delete_action, retry_policy, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING ` + destinationColumns

	row := s.dbtx.QueryRow(ctx, q,
		d.ID, d.TenantID, d.ClientAppID, d.Name, d.BaseURL, mappingJSON,
		opsJSON, d.DeleteAction, policyJSON, d.Enabled,
	)
	out, err := scanDestination(row)
	if err != nil && isUniqueViolation(err) {
		return Destination{}, ErrDestinationExists
	}
	return out, err
}

// Update overwrites the mutable fields of a Destination in place.
func (s *DestinationStore) Update(ctx context.Context, d Destination) (Destination, error) {
	opsJSON, err := json.Marshal(EnabledOperationsSlice(d.EnabledOps))
	if err != nil {
		return Destination{}, err
	}
	mappingJSON, err := json.Marshal(d.AttributeMapping)
	if err != nil {
		return Destination{}, err
	}
	policyJSON, err := json.Marshal(d.RetryPolicy)
	if err != nil {
		return Destination{}, err
	}

	const q = `
		UPDATE destination
		SET name = $2, base_url = $3, attribute_mapping = $4, enabled_operations = $5,
		    delete_action = $6, retry_policy = $7, enabled = $8, updated_at = now()
		WHERE id = $1
		RETURNING ` + destinationColumns

	row := s.dbtx.QueryRow(ctx, q, d.ID, d.Name, d.BaseURL, mappingJSON, opsJSON, d.DeleteAction, policyJSON, d.Enabled)
	out, err := scanDestination(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	return out, err
}

// Delete removes a Destination. Callers must remove its ResourceMappings
// first (see Service.Delete); historical Deliveries are retained by design.
func (s *DestinationStore) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM destination WHERE id = $1`
	tag, err := s.dbtx.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("deleting destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the constraint enforcing "name unique within tenant".
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
