package scim

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Notifier is the best-effort wake-up side channel Intake nudges after
// inserting Deliveries, letting the poller run an extra tick right away
// instead of waiting out the full interval. It is a latency optimization only — a nil
// Notifier (or one whose Notify fails) degrades silently to tick-only
// polling, exactly like pkg/escalation/engine.go's Redis pub/sub channel in
// the teacher.
type Notifier interface {
	Notify(ctx context.Context)
}

// Intake implements §4.1 Event Intake & Fanout: translating one LocalEvent
// into one Delivery per enabled destination of its tenant.
type Intake struct {
	events       *EventStore
	deliveries   *DeliveryStore
	destinations *DestinationStore
	logger       *slog.Logger
	notifier     Notifier
	created      prometheus.Counter
}

// NewIntake creates an Intake. notifier may be nil.
func NewIntake(events *EventStore, deliveries *DeliveryStore, destinations *DestinationStore, logger *slog.Logger, notifier Notifier, created prometheus.Counter) *Intake {
	return &Intake{
		events:       events,
		deliveries:   deliveries,
		destinations: destinations,
		logger:       logger,
		notifier:     notifier,
		created:      created,
	}
}

// OnLocalEvent is the subscriber side of the in-process publish/subscribe
// contract in §6: producers call Publish after their primary write commits,
// the core's subscription invokes this. Events whose resource type is not
// SCIM-relevant are dropped silently. Any persistence failure here is
// logged but never propagated — the primary local operation has already
// committed and must not observe a SCIM-layer error.
func (in *Intake) OnLocalEvent(ctx context.Context, e LocalEvent) {
	if !e.ResourceType.IsSCIMRelevant() {
		return
	}

	if err := in.events.Save(ctx, e); err != nil {
		in.logger.Error("scim intake: saving local event", "event_id", e.ID, "error", err)
		return
	}

	destinations, err := in.destinations.ListEnabledByTenant(ctx, e.TenantID)
	if err != nil {
		in.logger.Error("scim intake: listing enabled destinations", "tenant_id", e.TenantID, "error", err)
		return
	}

	created := 0
	for _, d := range destinations {
		if _, err := in.deliveries.InsertPending(ctx, e.ID, d.ID); err != nil {
			in.logger.Error("scim intake: inserting delivery",
				"event_id", e.ID, "destination_id", d.ID, "error", err)
			continue
		}
		created++
	}

	if in.created != nil {
		in.created.Add(float64(created))
	}

	if created > 0 && in.notifier != nil {
		in.notifier.Notify(ctx)
	}
}
