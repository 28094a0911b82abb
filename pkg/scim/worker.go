package scim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/scimcore/internal/scimclient"
	"github.com/wisbric/scimcore/internal/telemetry"
)

// The interfaces below name only the slice of each store's method set the
// Worker actually calls. *DestinationStore, *EventStore, *DeliveryStore, and
// *MappingStore all satisfy them; tests substitute in-memory fakes instead
// of standing up Postgres.

type destinationGetter interface {
	Get(ctx context.Context, id uuid.UUID) (Destination, error)
}

type eventGetter interface {
	Get(ctx context.Context, id uuid.UUID) (LocalEvent, error)
}

type deliveryMarker interface {
	MarkSuccess(ctx context.Context, id uuid.UUID, httpStatus int, scimResourceID *string) error
	MarkRetry(ctx context.Context, id uuid.UUID, httpStatus *int, errMsg string, nextRetryAt time.Time, newRetryCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, httpStatus *int, errMsg string) error
}

type mappingGetSetter interface {
	Get(ctx context.Context, destinationID uuid.UUID, resourceType ResourceType, localID string) (ResourceMapping, error)
	Upsert(ctx context.Context, destinationID uuid.UUID, resourceType ResourceType, localID, scimResourceID string) (ResourceMapping, error)
	Delete(ctx context.Context, destinationID uuid.UUID, resourceType ResourceType, localID string) error
}

// scimDoer is the slice of *scimclient.Client the Worker calls.
type scimDoer interface {
	Do(ctx context.Context, baseURL, token string, req scimclient.Request) scimclient.Response
}

// Worker implements §4.4 Delivery Worker: it takes one claimed Delivery to a
// terminal or RETRYING state. It is the ScheduledProcessor's DeliveryProcessor.
type Worker struct {
	destinations  destinationGetter
	events        eventGetter
	deliveries    deliveryMarker
	mappings      mappingGetSetter
	translator    *Translator
	signer        TokenSigner
	client        scimDoer
	issuerURL     string
	tokenLifetime time.Duration
	logger        *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(destinations destinationGetter, events eventGetter, deliveries deliveryMarker, mappings mappingGetSetter,
	translator *Translator, signer TokenSigner, client scimDoer, issuerURL string, tokenLifetime time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		destinations:  destinations,
		events:        events,
		deliveries:    deliveries,
		mappings:      mappings,
		translator:    translator,
		signer:        signer,
		client:        client,
		issuerURL:     issuerURL,
		tokenLifetime: tokenLifetime,
		logger:        logger,
	}
}

var _ DeliveryProcessor = (*Worker)(nil)

// outcome classifies a SCIM HTTP response into the three dispositions of
// the spec §7 error taxonomy the worker must act on.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomePermanent
)

// classify applies the general disposition rules: 2xx success; 408/429/5xx/
// transport (status 0) retryable; any other 4xx permanent.
func classify(resp scimclient.Response) outcome {
	switch {
	case resp.IsSuccess():
		return outcomeSuccess
	case resp.Status == 0, resp.Status == 408, resp.Status == 429, resp.Status >= 500:
		return outcomeRetryable
	default:
		return outcomePermanent
	}
}

// classifyDelete applies the DELETE-specific 404 rule from spec §9's open
// question resolution: a 404 to a DELETE with a (possibly stale) mapping is
// treated as success, not a permanent failure.
func classifyDelete(resp scimclient.Response) outcome {
	if resp.Status == 404 {
		return outcomeSuccess
	}
	return classify(resp)
}

// decideOperation implements §4.4 step 2. skip reports a membership UPDATE,
// which is always a no-op success with zero network calls.
func decideOperation(rt ResourceType, kind EventKind, deleteAction DeleteAction) (op OperationKind, skip bool) {
	switch rt {
	case ResourceUser:
		switch kind {
		case EventCreate:
			return OpCreateUser, false
		case EventUpdate:
			return OpUpdateUser, false
		case EventDelete:
			if deleteAction == DeleteActionDeactivate {
				return OpDeactivateUser, false
			}
			return OpDeleteUser, false
		}
	case ResourceGroup:
		switch kind {
		case EventCreate:
			return OpCreateGroup, false
		case EventUpdate:
			return OpUpdateGroup, false
		case EventDelete:
			return OpDeleteGroup, false
		}
	case ResourceGroupMember:
		switch kind {
		case EventCreate:
			return OpAddGroupMember, false
		case EventDelete:
			return OpRemoveGroupMember, false
		case EventUpdate:
			return "", true
		}
	}
	return "", true
}

// Process advances one claimed Delivery by exactly one attempt.
func (w *Worker) Process(ctx context.Context, d Delivery) {
	started := time.Now()
	opLabel := "unresolved"
	defer func() {
		telemetry.DeliveryDuration.WithLabelValues(opLabel).Observe(time.Since(started).Seconds())
	}()

	destination, err := w.destinations.Get(ctx, d.DestinationID)
	if err != nil || !destination.Enabled {
		w.terminal(ctx, d, DeliveryFailed, nil, "destination missing or disabled", "failed")
		return
	}

	event, err := w.events.Get(ctx, d.EventID)
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "local event not found", "failed")
		return
	}

	op, skip := decideOperation(event.ResourceType, event.Kind, destination.DeleteAction)
	if skip {
		w.terminal(ctx, d, DeliverySuccess, intp(200), "", "synthetic_success")
		return
	}
	opLabel = string(op)

	if !destination.HasOperation(op) {
		w.terminal(ctx, d, DeliverySuccess, intp(200), "", "synthetic_success")
		return
	}

	w.perform(ctx, d, destination, event, op)
}

// perform resolves mappings, mints a token, translates the payload, invokes
// the SCIM HTTP client, and applies the resulting disposition.
func (w *Worker) perform(ctx context.Context, d Delivery, destination Destination, event LocalEvent, op OperationKind) {
	switch op {
	case OpCreateUser:
		w.create(ctx, d, destination, event, "Users", ResourceUser, func(scimID string) (map[string]any, error) {
			return w.translator.SerializeUser(destination.AttributeMapping, event.Snapshot, scimID)
		})
	case OpUpdateUser:
		w.update(ctx, d, destination, event, op, "Users", ResourceUser, func(scimID string) (map[string]any, error) {
			return w.translator.SerializeUser(destination.AttributeMapping, event.Snapshot, scimID)
		})
	case OpDeactivateUser:
		w.deactivate(ctx, d, destination, event)
	case OpDeleteUser:
		w.delete(ctx, d, destination, event, "Users", ResourceUser)
	case OpCreateGroup:
		w.create(ctx, d, destination, event, "Groups", ResourceGroup, func(scimID string) (map[string]any, error) {
			return w.translator.SerializeGroup(destination.AttributeMapping, event.Snapshot, scimID)
		})
	case OpUpdateGroup:
		w.update(ctx, d, destination, event, op, "Groups", ResourceGroup, func(scimID string) (map[string]any, error) {
			return w.translator.SerializeGroup(destination.AttributeMapping, event.Snapshot, scimID)
		})
	case OpDeleteGroup:
		w.delete(ctx, d, destination, event, "Groups", ResourceGroup)
	case OpAddGroupMember:
		w.membership(ctx, d, destination, event, op, true)
	case OpRemoveGroupMember:
		w.membership(ctx, d, destination, event, op, false)
	default:
		w.terminal(ctx, d, DeliveryFailed, nil, fmt.Sprintf("unrecognized operation kind %q", op), "failed")
	}
}

// create performs a CREATE for a User or Group: no mapping is required, a
// new ResourceMapping is recorded from the response id on success.
func (w *Worker) create(ctx context.Context, d Delivery, destination Destination, event LocalEvent, resourcePath string, rt ResourceType, buildBody func(scimID string) (map[string]any, error)) {
	body, err := buildBody("")
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "translating payload: "+err.Error(), "failed")
		return
	}

	token, err := w.mintToken(ctx, destination, ScopeForOperation(opForResourcePath(resourcePath)))
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "minting token: "+err.Error(), "failed")
		return
	}

	resp := w.client.Do(ctx, destination.BaseURL, token, scimclient.Request{
		Method: "POST", ResourcePath: resourcePath, Body: body,
	})

	switch classify(resp) {
	case outcomeSuccess:
		if resp.SCIMResourceID == "" {
			w.terminal(ctx, d, DeliveryFailed, statusPtr(resp), "downstream CREATE response carried no id", "failed")
			return
		}
		if _, err := w.mappings.Upsert(ctx, destination.ID, rt, event.ResourceID, resp.SCIMResourceID); err != nil {
			w.logger.Error("scim worker: recording resource mapping", "delivery_id", d.ID, "error", err)
		}
		scimID := resp.SCIMResourceID
		if err := w.deliveries.MarkSuccess(ctx, d.ID, resp.Status, &scimID); err != nil {
			w.logger.Error("scim worker: recording terminal delivery state", "delivery_id", d.ID, "error", err)
		}
		telemetry.DeliveriesTotal.WithLabelValues("success").Inc()
		telemetry.DeliveryRetryCount.Observe(float64(d.RetryCount))
	case outcomeRetryable:
		w.retryOrFail(ctx, d, destination.RetryPolicy, statusPtr(resp), responseError(resp))
	default:
		w.terminal(ctx, d, DeliveryFailed, statusPtr(resp), responseError(resp), "failed")
	}
}

// update performs UPDATE_USER/UPDATE_GROUP via PUT: requires an existing
// mapping, permanent failure if absent (§4.4 step 4's UPDATE rule).
func (w *Worker) update(ctx context.Context, d Delivery, destination Destination, event LocalEvent, op OperationKind, resourcePath string, rt ResourceType, buildBody func(scimID string) (map[string]any, error)) {
	mapping, err := w.mappings.Get(ctx, destination.ID, rt, event.ResourceID)
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "resource mapping not found for "+string(op), "failed")
		return
	}

	body, err := buildBody(mapping.SCIMResourceID)
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "translating payload: "+err.Error(), "failed")
		return
	}

	token, err := w.mintToken(ctx, destination, ScopeForOperation(op))
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "minting token: "+err.Error(), "failed")
		return
	}

	resp := w.client.Do(ctx, destination.BaseURL, token, scimclient.Request{
		Method: "PUT", ResourcePath: resourcePath, ResourceID: mapping.SCIMResourceID, Body: body,
	})

	switch classify(resp) {
	case outcomeSuccess:
		w.terminal(ctx, d, DeliverySuccess, statusPtr(resp), "", "success")
	case outcomeRetryable:
		w.retryOrFail(ctx, d, destination.RetryPolicy, statusPtr(resp), responseError(resp))
	default:
		w.terminal(ctx, d, DeliveryFailed, statusPtr(resp), responseError(resp), "failed")
	}
}

// deactivate performs DEACTIVATE_USER via a PATCH that sets active=false.
// DEACTIVATE_USER is produced only from a USER DELETE event (§4.4 step 2),
// so a missing mapping follows the DELETE missing-mapping rule rather than
// UPDATE's: there is nothing downstream to deactivate, which is synthetic
// success, not an error. Like DELETE, the mapping is
// removed on success (spec §8 scenario S4): the local resource is gone,
// and the destination's copy is now inert, so there is nothing left to
// track it against.
func (w *Worker) deactivate(ctx context.Context, d Delivery, destination Destination, event LocalEvent) {
	mapping, err := w.mappings.Get(ctx, destination.ID, ResourceUser, event.ResourceID)
	if err != nil {
		w.terminal(ctx, d, DeliverySuccess, intp(200), "", "synthetic_success")
		return
	}

	token, err := w.mintToken(ctx, destination, ScopeForOperation(OpDeactivateUser))
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "minting token: "+err.Error(), "failed")
		return
	}

	resp := w.client.Do(ctx, destination.BaseURL, token, scimclient.Request{
		Method: "PATCH", ResourcePath: "Users", ResourceID: mapping.SCIMResourceID, Body: w.translator.DeactivatePatch(),
	})

	switch classify(resp) {
	case outcomeSuccess:
		if err := w.mappings.Delete(ctx, destination.ID, ResourceUser, event.ResourceID); err != nil {
			w.logger.Error("scim worker: removing resource mapping after deactivate", "delivery_id", d.ID, "error", err)
		}
		w.terminal(ctx, d, DeliverySuccess, statusPtr(resp), "", "success")
	case outcomeRetryable:
		w.retryOrFail(ctx, d, destination.RetryPolicy, statusPtr(resp), responseError(resp))
	default:
		w.terminal(ctx, d, DeliveryFailed, statusPtr(resp), responseError(resp), "failed")
	}
}

// delete performs DELETE_USER/DELETE_GROUP. A missing mapping is synthetic
// success (nothing downstream to remove); a 404 from the server is also
// treated as success (spec §9 open-question resolution), and in both cases
// the mapping is removed.
func (w *Worker) delete(ctx context.Context, d Delivery, destination Destination, event LocalEvent, resourcePath string, rt ResourceType) {
	mapping, err := w.mappings.Get(ctx, destination.ID, rt, event.ResourceID)
	if err != nil {
		w.terminal(ctx, d, DeliverySuccess, intp(200), "", "synthetic_success")
		return
	}

	op := OpDeleteUser
	if rt == ResourceGroup {
		op = OpDeleteGroup
	}
	token, err := w.mintToken(ctx, destination, ScopeForOperation(op))
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "minting token: "+err.Error(), "failed")
		return
	}

	resp := w.client.Do(ctx, destination.BaseURL, token, scimclient.Request{
		Method: "DELETE", ResourcePath: resourcePath, ResourceID: mapping.SCIMResourceID,
	})

	switch classifyDelete(resp) {
	case outcomeSuccess:
		if err := w.mappings.Delete(ctx, destination.ID, rt, event.ResourceID); err != nil {
			w.logger.Error("scim worker: removing resource mapping after delete", "delivery_id", d.ID, "error", err)
		}
		w.terminal(ctx, d, DeliverySuccess, statusPtr(resp), "", "success")
	case outcomeRetryable:
		w.retryOrFail(ctx, d, destination.RetryPolicy, statusPtr(resp), responseError(resp))
	default:
		w.terminal(ctx, d, DeliveryFailed, statusPtr(resp), responseError(resp), "failed")
	}
}

// membership performs ADD_GROUP_MEMBER/REMOVE_GROUP_MEMBER. Both mappings
// (group and user) must already exist; either absent is a permanent
// failure, and the operation is skipped (logged) rather than retried.
func (w *Worker) membership(ctx context.Context, d Delivery, destination Destination, event LocalEvent, op OperationKind, add bool) {
	groupLocalID, userLocalID, ok := membershipIDs(event.Snapshot)
	if !ok {
		w.terminal(ctx, d, DeliveryFailed, nil, "group member event snapshot missing groupId/userId", "failed")
		return
	}

	groupMapping, err := w.mappings.Get(ctx, destination.ID, ResourceGroup, groupLocalID)
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "resource mapping not found for group, membership op skipped", "failed")
		return
	}
	userMapping, err := w.mappings.Get(ctx, destination.ID, ResourceUser, userLocalID)
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "resource mapping not found for user, membership op skipped", "failed")
		return
	}

	var body map[string]any
	if add {
		body = w.translator.AddMemberPatch(userMapping.SCIMResourceID)
	} else {
		body = w.translator.RemoveMemberPatch(userMapping.SCIMResourceID)
	}

	token, err := w.mintToken(ctx, destination, ScopeForOperation(op))
	if err != nil {
		w.terminal(ctx, d, DeliveryFailed, nil, "minting token: "+err.Error(), "failed")
		return
	}

	resp := w.client.Do(ctx, destination.BaseURL, token, scimclient.Request{
		Method: "PATCH", ResourcePath: "Groups", ResourceID: groupMapping.SCIMResourceID, Body: body,
	})

	switch classify(resp) {
	case outcomeSuccess:
		w.terminal(ctx, d, DeliverySuccess, statusPtr(resp), "", "success")
	case outcomeRetryable:
		w.retryOrFail(ctx, d, destination.RetryPolicy, statusPtr(resp), responseError(resp))
	default:
		w.terminal(ctx, d, DeliveryFailed, statusPtr(resp), responseError(resp), "failed")
	}
}

// mintToken mints a fresh token scoped to a single required scope; it is
// never cached across attempts.
func (w *Worker) mintToken(ctx context.Context, destination Destination, scope Scope) (string, error) {
	return w.signer.MintToken(ctx, TokenRequest{
		Issuer:   w.issuerURL,
		Subject:  destination.ClientAppID.String(),
		Audience: destination.BaseURL,
		ClientID: destination.ClientAppID.String(),
		Scopes:   []string{string(scope)},
		Lifetime: w.tokenLifetime,
	})
}

// retryOrFail applies §4.4 step 8: consult the destination's retry policy
// and either schedule the next attempt or transition to FAILED.
func (w *Worker) retryOrFail(ctx context.Context, d Delivery, policy RetryPolicy, httpStatus *int, errMsg string) {
	if IsExhausted(d.RetryCount, policy) {
		w.terminal(ctx, d, DeliveryFailed, httpStatus, errMsg, "failed")
		return
	}
	nextRetryAt := time.Now().Add(Backoff(d.RetryCount, policy))
	if err := w.deliveries.MarkRetry(ctx, d.ID, httpStatus, errMsg, nextRetryAt, d.RetryCount+1); err != nil {
		w.logger.Error("scim worker: marking delivery for retry", "delivery_id", d.ID, "error", err)
	}
	telemetry.DeliveriesTotal.WithLabelValues("retrying").Inc()
}

// terminal records a SUCCESS or FAILED transition and its metrics. status
// DeliveryRetrying must never be passed here; use retryOrFail instead.
func (w *Worker) terminal(ctx context.Context, d Delivery, status DeliveryStatus, httpStatus *int, errMsg, metricOutcome string) {
	var err error
	switch status {
	case DeliverySuccess:
		err = w.deliveries.MarkSuccess(ctx, d.ID, derefOr(httpStatus, 200), nil)
	case DeliveryFailed:
		err = w.deliveries.MarkFailed(ctx, d.ID, httpStatus, errMsg)
	default:
		w.logger.Error("scim worker: terminal called with non-terminal status", "delivery_id", d.ID, "status", status)
		return
	}
	if err != nil {
		w.logger.Error("scim worker: recording terminal delivery state", "delivery_id", d.ID, "error", err)
	}
	telemetry.DeliveriesTotal.WithLabelValues(metricOutcome).Inc()
	telemetry.DeliveryRetryCount.Observe(float64(d.RetryCount))
}

func membershipIDs(snapshot map[string]any) (groupLocalID, userLocalID string, ok bool) {
	gm, isMap := snapshot["groupMember"].(map[string]any)
	if !isMap {
		return "", "", false
	}
	groupID, gOK := gm["groupId"].(string)
	userID, uOK := gm["userId"].(string)
	if !gOK || !uOK || groupID == "" || userID == "" {
		return "", "", false
	}
	return groupID, userID, true
}

// opForResourcePath resolves the CREATE operation kind for the token's scope
// lookup, since create() is shared between Users and Groups.
func opForResourcePath(resourcePath string) OperationKind {
	if resourcePath == "Groups" {
		return OpCreateGroup
	}
	return OpCreateUser
}

func statusPtr(resp scimclient.Response) *int {
	s := resp.Status
	return &s
}

func responseError(resp scimclient.Response) string {
	if resp.ErrorMessage != "" {
		return resp.ErrorMessage
	}
	return fmt.Sprintf("downstream returned HTTP %d", resp.Status)
}

func intp(v int) *int { return &v }

func derefOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
