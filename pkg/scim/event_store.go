package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/scimcore/internal/db"
)

// EventStore persists the core's own copy of each LocalEvent it fans out.
// Producers publish events in-process per §6, but a Delivery may still be
// RETRYING long after the publish call returns, so the worker needs a
// durable place to re-read the snapshot that was true at occurrence time.
// This is additive outbox-style storage the spec's event *contract* does
// not forbid.
type EventStore struct {
	dbtx db.DBTX
}

// NewEventStore creates an EventStore.
func NewEventStore(dbtx db.DBTX) *EventStore {
	return &EventStore{dbtx: dbtx}
}

// Save idempotently records e. A duplicate Publish for the same event id is
// a no-op, matching the idempotency the fan-out layer requires.
func (s *EventStore) Save(ctx context.Context, e LocalEvent) error {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("marshaling event snapshot: %w", err)
	}

	const q = `
		INSERT INTO scim_event (id, tenant_id, resource_type, resource_id, kind, occurred_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.dbtx.Exec(ctx, q, e.ID, e.TenantID, e.ResourceType, e.ResourceID, e.Kind, e.OccurredAt, snapshot)
	if err != nil {
		return fmt.Errorf("saving local event: %w", err)
	}
	return nil
}

// Get returns the persisted LocalEvent for id, or ErrNotFound.
func (s *EventStore) Get(ctx context.Context, id uuid.UUID) (LocalEvent, error) {
	const q = `SELECT id, tenant_id, resource_type, resource_id, kind, occurred_at, snapshot
		FROM scim_event WHERE id = $1`
	row := s.dbtx.QueryRow(ctx, q, id)

	var e LocalEvent
	var snapshot []byte
	if err := row.Scan(&e.ID, &e.TenantID, &e.ResourceType, &e.ResourceID, &e.Kind, &e.OccurredAt, &snapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LocalEvent{}, ErrNotFound
		}
		return LocalEvent{}, err
	}
	if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
		return LocalEvent{}, fmt.Errorf("unmarshaling event snapshot: %w", err)
	}
	return e, nil
}
