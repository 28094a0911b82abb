package scim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/scimcore/internal/db"
)

const deliveryColumns = `id, event_id, destination_id, status, retry_count, last_http_status,
	last_error, scim_resource_id, next_retry_at, claimed_at, created_at, completed_at`

// DeliveryStore is the durable Delivery State Store described in spec §4.2.
// It is deliberately thin: every method is one SQL statement against the
// db.DBTX interface, so it runs identically over a pool, a transaction, or a
// single pooled connection (the same shape pkg/roster/store.go and
// pkg/alert used in the teacher for their hand-written stores).
type DeliveryStore struct {
	dbtx db.DBTX
}

// NewDeliveryStore creates a DeliveryStore.
func NewDeliveryStore(dbtx db.DBTX) *DeliveryStore {
	return &DeliveryStore{dbtx: dbtx}
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	var lastError *string
	err := row.Scan(
		&d.ID, &d.EventID, &d.DestinationID, &d.Status, &d.RetryCount, &d.LastHTTPStatus,
		&lastError, &d.SCIMResourceID, &d.NextRetryAt, &d.ClaimedAt, &d.CreatedAt, &d.CompletedAt,
	)
	if lastError != nil {
		d.LastError = *lastError
	}
	return d, err
}

// InsertPending creates a PENDING Delivery for (eventID, destinationID),
// idempotently: a second call for the same pair returns the existing row
// rather than erroring or duplicating it.
func (s *DeliveryStore) InsertPending(ctx context.Context, eventID, destinationID uuid.UUID) (Delivery, error) {
	const q = `
		INSERT INTO delivery (id, event_id, destination_id, status, retry_count, created_at)
		VALUES (gen_random_uuid(), $1, $2, 'PENDING', 0, now())
		ON CONFLICT (event_id, destination_id) DO UPDATE SET event_id = delivery.event_id
		RETURNING ` + deliveryColumns

	row := s.dbtx.QueryRow(ctx, q, eventID, destinationID)
	return scanDelivery(row)
}

// ClaimDue atomically flips up to limit due Deliveries (PENDING, or RETRYING
// with next_retry_at <= now) to IN_PROGRESS, ordered by created_at ascending,
// and returns the claimed rows. SELECT ... FOR UPDATE SKIP LOCKED guarantees
// at-most-one worker owns a given row at a time even with multiple poller
// processes sharing the table.
func (s *DeliveryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	const q = `
		WITH due AS (
			SELECT id FROM delivery
			WHERE status = 'PENDING' OR (status = 'RETRYING' AND next_retry_at <= $1)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery
		SET status = 'IN_PROGRESS', claimed_at = $1
		FROM due
		WHERE delivery.id = due.id
		RETURNING ` + deliveryColumns

	rows, err := s.dbtx.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkSuccess transitions a Delivery to SUCCESS. scimResourceID is set on a
// successful CREATE and left nil otherwise.
func (s *DeliveryStore) MarkSuccess(ctx context.Context, id uuid.UUID, httpStatus int, scimResourceID *string) error {
	const q = `
		UPDATE delivery
		SET status = 'SUCCESS', last_http_status = $2, scim_resource_id = COALESCE($3, scim_resource_id),
		    next_retry_at = NULL, completed_at = now()
		WHERE id = $1`
	return s.exec(ctx, q, id, httpStatus, scimResourceID)
}

// MarkRetry transitions a Delivery to RETRYING with an incremented retry
// count and the next eligible claim time.
func (s *DeliveryStore) MarkRetry(ctx context.Context, id uuid.UUID, httpStatus *int, errMsg string, nextRetryAt time.Time, newRetryCount int) error {
	const q = `
		UPDATE delivery
		SET status = 'RETRYING', last_http_status = $2, last_error = $3,
		    next_retry_at = $4, retry_count = $5, claimed_at = NULL
		WHERE id = $1`
	return s.exec(ctx, q, id, httpStatus, truncateError(errMsg), nextRetryAt, newRetryCount)
}

// MarkFailed transitions a Delivery to the terminal FAILED state.
func (s *DeliveryStore) MarkFailed(ctx context.Context, id uuid.UUID, httpStatus *int, errMsg string) error {
	const q = `
		UPDATE delivery
		SET status = 'FAILED', last_http_status = $2, last_error = $3,
		    next_retry_at = NULL, completed_at = now()
		WHERE id = $1`
	return s.exec(ctx, q, id, httpStatus, truncateError(errMsg))
}

// MarkReclaimable resets IN_PROGRESS Deliveries whose claimed_at is older
// than threshold back to PENDING, making them eligible for the next
// ClaimDue call. This recovers Deliveries abandoned by a crashed worker.
func (s *DeliveryStore) MarkReclaimable(ctx context.Context, threshold time.Duration) (int64, error) {
	const q = `
		UPDATE delivery
		SET status = 'PENDING', claimed_at = NULL
		WHERE status = 'IN_PROGRESS' AND claimed_at IS NOT NULL AND claimed_at < (now() - $1::interval)`
	tag, err := s.dbtx.Exec(ctx, q, fmt.Sprintf("%d milliseconds", threshold.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByEvent returns every Delivery created for a given local event,
// across all destinations — used for operator debugging (§1.3 expansion).
func (s *DeliveryStore) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]Delivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM delivery WHERE event_id = $1 ORDER BY created_at ASC`
	rows, err := s.dbtx.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries by event: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListByDestination returns a newest-first page of at most limit Deliveries
// for one destination, created strictly before *before when before is set.
func (s *DeliveryStore) ListByDestination(ctx context.Context, destinationID uuid.UUID, before *time.Time, limit int) ([]Delivery, error) {
	const q = `
		SELECT ` + deliveryColumns + ` FROM delivery
		WHERE destination_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3`
	rows, err := s.dbtx.Query(ctx, q, destinationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries by destination: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeliveryStore) exec(ctx context.Context, q string, args ...any) error {
	tag, err := s.dbtx.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func truncateError(s string) string {
	const maxLen = 1000
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
