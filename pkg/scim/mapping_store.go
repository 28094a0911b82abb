package scim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/scimcore/internal/db"
)

const mappingColumns = `id, destination_id, local_resource_type, local_resource_id, scim_resource_id, created_at`

// MappingStore is the ResourceMapping store of spec §3/§4.2: the binding
// from (destination, local resource type, local id) to the downstream
// opaque id, unique on that triple.
type MappingStore struct {
	dbtx db.DBTX
}

// NewMappingStore creates a MappingStore.
func NewMappingStore(dbtx db.DBTX) *MappingStore {
	return &MappingStore{dbtx: dbtx}
}

func scanMapping(row pgx.Row) (ResourceMapping, error) {
	var m ResourceMapping
	err := row.Scan(&m.ID, &m.DestinationID, &m.ResourceType, &m.LocalID, &m.SCIMResourceID, &m.CreatedAt)
	return m, err
}

// Get returns the ResourceMapping for (destinationID, resourceType, localID),
// or ErrNotFound if none exists yet.
func (s *MappingStore) Get(ctx context.Context, destinationID uuid.UUID, resourceType ResourceType, localID string) (ResourceMapping, error) {
	const q = `SELECT ` + mappingColumns + ` FROM resource_mapping
		WHERE destination_id = $1 AND local_resource_type = $2 AND local_resource_id = $3`
	row := s.dbtx.QueryRow(ctx, q, destinationID, resourceType, localID)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResourceMapping{}, ErrNotFound
	}
	return m, err
}

// Upsert creates the mapping on first successful CREATE, or updates the
// downstream id if the destination re-issues it on a later attempt.
func (s *MappingStore) Upsert(ctx context.Context, destinationID uuid.UUID, resourceType ResourceType, localID, scimResourceID string) (ResourceMapping, error) {
	const q = `
		INSERT INTO resource_mapping (id, destination_id, local_resource_type, local_resource_id, scim_resource_id, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now())
		ON CONFLICT (destination_id, local_resource_type, local_resource_id)
		DO UPDATE SET scim_resource_id = EXCLUDED.scim_resource_id
		RETURNING ` + mappingColumns
	row := s.dbtx.QueryRow(ctx, q, destinationID, resourceType, localID, scimResourceID)
	return scanMapping(row)
}

// Delete removes a single mapping, e.g. after a successful DELETE.
func (s *MappingStore) Delete(ctx context.Context, destinationID uuid.UUID, resourceType ResourceType, localID string) error {
	const q = `DELETE FROM resource_mapping WHERE destination_id = $1 AND local_resource_type = $2 AND local_resource_id = $3`
	_, err := s.dbtx.Exec(ctx, q, destinationID, resourceType, localID)
	if err != nil {
		return fmt.Errorf("deleting resource mapping: %w", err)
	}
	return nil
}

// DeleteByDestination removes every mapping for a destination, called when
// the destination itself is deleted (historical Deliveries are retained).
func (s *MappingStore) DeleteByDestination(ctx context.Context, destinationID uuid.UUID) error {
	const q = `DELETE FROM resource_mapping WHERE destination_id = $1`
	_, err := s.dbtx.Exec(ctx, q, destinationID)
	if err != nil {
		return fmt.Errorf("deleting resource mappings for destination: %w", err)
	}
	return nil
}
