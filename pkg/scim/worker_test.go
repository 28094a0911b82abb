package scim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/scimcore/internal/scimclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes -----------------------------------------------------------------

type fakeDestinations struct {
	byID map[uuid.UUID]Destination
}

func (f *fakeDestinations) Get(_ context.Context, id uuid.UUID) (Destination, error) {
	d, ok := f.byID[id]
	if !ok {
		return Destination{}, ErrNotFound
	}
	return d, nil
}

type fakeEvents struct {
	byID map[uuid.UUID]LocalEvent
}

func (f *fakeEvents) Get(_ context.Context, id uuid.UUID) (LocalEvent, error) {
	e, ok := f.byID[id]
	if !ok {
		return LocalEvent{}, ErrNotFound
	}
	return e, nil
}

type fakeDeliveries struct {
	successes []uuid.UUID
	retries   []uuid.UUID
	failures  []uuid.UUID
	lastErr   string
	lastNext  time.Time
	lastCount int
}

func (f *fakeDeliveries) MarkSuccess(_ context.Context, id uuid.UUID, _ int, _ *string) error {
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeDeliveries) MarkRetry(_ context.Context, id uuid.UUID, _ *int, errMsg string, nextRetryAt time.Time, newRetryCount int) error {
	f.retries = append(f.retries, id)
	f.lastErr = errMsg
	f.lastNext = nextRetryAt
	f.lastCount = newRetryCount
	return nil
}

func (f *fakeDeliveries) MarkFailed(_ context.Context, id uuid.UUID, _ *int, errMsg string) error {
	f.failures = append(f.failures, id)
	f.lastErr = errMsg
	return nil
}

type mappingKey struct {
	dest  uuid.UUID
	rt    ResourceType
	local string
}

type fakeMappings struct {
	byKey map[mappingKey]ResourceMapping
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{byKey: map[mappingKey]ResourceMapping{}}
}

func (f *fakeMappings) Get(_ context.Context, destinationID uuid.UUID, rt ResourceType, localID string) (ResourceMapping, error) {
	m, ok := f.byKey[mappingKey{destinationID, rt, localID}]
	if !ok {
		return ResourceMapping{}, ErrNotFound
	}
	return m, nil
}

func (f *fakeMappings) Upsert(_ context.Context, destinationID uuid.UUID, rt ResourceType, localID, scimResourceID string) (ResourceMapping, error) {
	m := ResourceMapping{DestinationID: destinationID, ResourceType: rt, LocalID: localID, SCIMResourceID: scimResourceID}
	f.byKey[mappingKey{destinationID, rt, localID}] = m
	return m, nil
}

func (f *fakeMappings) Delete(_ context.Context, destinationID uuid.UUID, rt ResourceType, localID string) error {
	delete(f.byKey, mappingKey{destinationID, rt, localID})
	return nil
}

type fakeSigner struct{}

func (fakeSigner) MintToken(context.Context, TokenRequest) (string, error) { return "test-token", nil }

type fakeClient struct {
	responses []scimclient.Response // consumed in order; last one repeats
	requests  []scimclient.Request
	calls     int
}

func (f *fakeClient) Do(_ context.Context, _, _ string, req scimclient.Request) scimclient.Response {
	f.requests = append(f.requests, req)
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx]
}

func newTestWorker(destinations map[uuid.UUID]Destination, events map[uuid.UUID]LocalEvent, deliveries *fakeDeliveries, mappings *fakeMappings, client *fakeClient) *Worker {
	return NewWorker(
		&fakeDestinations{byID: destinations},
		&fakeEvents{byID: events},
		deliveries,
		mappings,
		NewTranslator(),
		fakeSigner{},
		client,
		"https://issuer.example",
		time.Hour,
		discardLogger(),
	)
}

// --- scenarios ---------------------------------------------------------------

func TestWorker_S1_CreateUserSuccess(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{
		ID: destID, BaseURL: "https://downstream.example",
		EnabledOps:   map[OperationKind]bool{OpCreateUser: true},
		RetryPolicy:  DefaultRetryPolicy(),
		Enabled:      true,
		DeleteAction: DeleteActionDeactivate,
	}
	event := LocalEvent{
		ID: eventID, ResourceType: ResourceUser, Kind: EventCreate, ResourceID: "u-A",
		Snapshot: map[string]any{
			"user":    map[string]any{"id": "u-A", "username": "alice", "email": "a@x"},
			"profile": map[string]any{"given_name": "Al", "family_name": "Ice"},
		},
	}
	deliveries := &fakeDeliveries{}
	mappings := newFakeMappings()
	client := &fakeClient{responses: []scimclient.Response{{Status: 201, Body: []byte(`{"id":"dw-u-1"}`), SCIMResourceID: "dw-u-1"}}}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, mappings, client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID})

	if len(deliveries.successes) != 1 {
		t.Fatalf("expected 1 success, got %d (failures=%d retries=%d)", len(deliveries.successes), len(deliveries.failures), len(deliveries.retries))
	}
	if len(client.requests) != 1 || client.requests[0].ResourcePath != "Users" || client.requests[0].Method != "POST" {
		t.Fatalf("unexpected request: %+v", client.requests)
	}
	body := client.requests[0].Body.(map[string]any)
	if body["userName"] != "alice" || body["externalId"] != "u-A" {
		t.Errorf("unexpected body: %+v", body)
	}
	mapping, err := mappings.Get(context.Background(), destID, ResourceUser, "u-A")
	if err != nil || mapping.SCIMResourceID != "dw-u-1" {
		t.Errorf("expected mapping u-A->dw-u-1, got %+v err=%v", mapping, err)
	}
}

func TestWorker_S2_UpdateWithoutMappingFails(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{ID: destID, BaseURL: "https://downstream.example", EnabledOps: map[OperationKind]bool{OpUpdateUser: true}, RetryPolicy: DefaultRetryPolicy(), Enabled: true}
	event := LocalEvent{ID: eventID, ResourceType: ResourceUser, Kind: EventUpdate, ResourceID: "u-B", Snapshot: map[string]any{}}
	deliveries := &fakeDeliveries{}
	client := &fakeClient{}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, newFakeMappings(), client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID})

	if len(deliveries.failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(deliveries.failures))
	}
	if len(client.requests) != 0 {
		t.Errorf("expected zero HTTP calls, got %d", len(client.requests))
	}
}

func TestWorker_S3_TransientRetryThenSuccess(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{ID: destID, BaseURL: "https://downstream.example", EnabledOps: map[OperationKind]bool{OpCreateUser: true}, RetryPolicy: DefaultRetryPolicy(), Enabled: true}
	event := LocalEvent{ID: eventID, ResourceType: ResourceUser, Kind: EventCreate, ResourceID: "u-A", Snapshot: map[string]any{"user": map[string]any{"username": "alice"}}}
	deliveries := &fakeDeliveries{}
	client := &fakeClient{responses: []scimclient.Response{{Status: 503}, {Status: 503}, {Status: 200, SCIMResourceID: "dw-u-1"}}}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, newFakeMappings(), client)
	delivery := Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID, RetryCount: 0}
	w.Process(context.Background(), delivery)

	if len(deliveries.retries) != 1 {
		t.Fatalf("expected 1 retry, got %d (successes=%d failures=%d)", len(deliveries.retries), len(deliveries.successes), len(deliveries.failures))
	}
	if deliveries.lastCount != 1 {
		t.Errorf("expected retry_count=1, got %d", deliveries.lastCount)
	}
	wantNext := time.Now().Add(1 * time.Second)
	if deliveries.lastNext.Before(wantNext.Add(-500*time.Millisecond)) || deliveries.lastNext.After(wantNext.Add(500*time.Millisecond)) {
		t.Errorf("next_retry_at = %v, want ~%v", deliveries.lastNext, wantNext)
	}

	// Second attempt: 503 again, retry_count 1 -> 2, next_retry_at ~now+2s.
	delivery.RetryCount = 1
	w.Process(context.Background(), delivery)
	if len(deliveries.retries) != 2 {
		t.Fatalf("expected 2 retries, got %d (successes=%d failures=%d)", len(deliveries.retries), len(deliveries.successes), len(deliveries.failures))
	}
	if deliveries.lastCount != 2 {
		t.Errorf("expected retry_count=2, got %d", deliveries.lastCount)
	}
	wantNext = time.Now().Add(2 * time.Second)
	if deliveries.lastNext.Before(wantNext.Add(-500*time.Millisecond)) || deliveries.lastNext.After(wantNext.Add(500*time.Millisecond)) {
		t.Errorf("next_retry_at = %v, want ~%v", deliveries.lastNext, wantNext)
	}

	// Third attempt: 200 -> SUCCESS.
	delivery.RetryCount = 2
	w.Process(context.Background(), delivery)
	if len(deliveries.successes) != 1 || len(deliveries.failures) != 0 {
		t.Fatalf("expected success on third attempt, got successes=%d failures=%d", len(deliveries.successes), len(deliveries.failures))
	}
}

func TestWorker_S4_DeactivateRemovesMapping(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{
		ID: destID, BaseURL: "https://downstream.example",
		EnabledOps:   map[OperationKind]bool{OpDeactivateUser: true},
		DeleteAction: DeleteActionDeactivate,
		RetryPolicy:  DefaultRetryPolicy(),
		Enabled:      true,
	}
	event := LocalEvent{ID: eventID, ResourceType: ResourceUser, Kind: EventDelete, ResourceID: "u-A"}
	deliveries := &fakeDeliveries{}
	mappings := newFakeMappings()
	mappings.byKey[mappingKey{destID, ResourceUser, "u-A"}] = ResourceMapping{DestinationID: destID, ResourceType: ResourceUser, LocalID: "u-A", SCIMResourceID: "dw-u-1"}
	client := &fakeClient{responses: []scimclient.Response{{Status: 200}}}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, mappings, client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID})

	if len(deliveries.successes) != 1 {
		t.Fatalf("expected success, got failures=%d retries=%d", len(deliveries.failures), len(deliveries.retries))
	}
	req := client.requests[0]
	if req.Method != "PATCH" || req.ResourceID != "dw-u-1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	body := req.Body.(map[string]any)
	ops := body["Operations"].([]map[string]any)
	if ops[0]["path"] != "active" || ops[0]["value"] != false {
		t.Errorf("unexpected patch body: %+v", body)
	}
	if _, err := mappings.Get(context.Background(), destID, ResourceUser, "u-A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected mapping to be removed after deactivate, got err=%v", err)
	}
}

func TestWorker_S5_AddGroupMember(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{ID: destID, BaseURL: "https://downstream.example", EnabledOps: map[OperationKind]bool{OpAddGroupMember: true}, RetryPolicy: DefaultRetryPolicy(), Enabled: true}
	event := LocalEvent{
		ID: eventID, ResourceType: ResourceGroupMember, Kind: EventCreate,
		Snapshot: map[string]any{"groupMember": map[string]any{"groupId": "G", "userId": "U"}},
	}
	deliveries := &fakeDeliveries{}
	mappings := newFakeMappings()
	mappings.byKey[mappingKey{destID, ResourceGroup, "G"}] = ResourceMapping{SCIMResourceID: "g1"}
	mappings.byKey[mappingKey{destID, ResourceUser, "U"}] = ResourceMapping{SCIMResourceID: "u1"}
	client := &fakeClient{responses: []scimclient.Response{{Status: 200}}}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, mappings, client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID})

	if len(deliveries.successes) != 1 {
		t.Fatalf("expected success, got failures=%d retries=%d", len(deliveries.failures), len(deliveries.retries))
	}
	req := client.requests[0]
	if req.Method != "PATCH" || req.ResourcePath != "Groups" || req.ResourceID != "g1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWorker_SyntheticSuccessWhenOperationDisabled(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{ID: destID, BaseURL: "https://downstream.example", EnabledOps: map[OperationKind]bool{}, RetryPolicy: DefaultRetryPolicy(), Enabled: true}
	event := LocalEvent{ID: eventID, ResourceType: ResourceUser, Kind: EventCreate, ResourceID: "u-A"}
	deliveries := &fakeDeliveries{}
	client := &fakeClient{}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, newFakeMappings(), client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID})

	if len(deliveries.successes) != 1 {
		t.Fatalf("expected synthetic success, got failures=%d retries=%d", len(deliveries.failures), len(deliveries.retries))
	}
	if len(client.requests) != 0 {
		t.Errorf("expected zero HTTP calls for a disabled operation, got %d", len(client.requests))
	}
}

func TestWorker_MaxRetriesZeroFailsImmediately(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	policy := RetryPolicy{MaxRetries: 0, InitialBackoffMS: 1000, MaxBackoffMS: 300000, Multiplier: 2.0}
	dest := Destination{ID: destID, BaseURL: "https://downstream.example", EnabledOps: map[OperationKind]bool{OpCreateUser: true}, RetryPolicy: policy, Enabled: true}
	event := LocalEvent{ID: eventID, ResourceType: ResourceUser, Kind: EventCreate, ResourceID: "u-A"}
	deliveries := &fakeDeliveries{}
	client := &fakeClient{responses: []scimclient.Response{{Status: 503}}}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, newFakeMappings(), client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID, RetryCount: 0})

	if len(deliveries.failures) != 1 {
		t.Fatalf("expected immediate failure with max_retries=0, got successes=%d retries=%d", len(deliveries.successes), len(deliveries.retries))
	}
}

func TestWorker_DeleteWith404TreatedAsSuccess(t *testing.T) {
	destID, eventID := uuid.New(), uuid.New()
	dest := Destination{ID: destID, BaseURL: "https://downstream.example", EnabledOps: map[OperationKind]bool{OpDeleteUser: true}, DeleteAction: DeleteActionHardDelete, RetryPolicy: DefaultRetryPolicy(), Enabled: true}
	event := LocalEvent{ID: eventID, ResourceType: ResourceUser, Kind: EventDelete, ResourceID: "u-A"}
	deliveries := &fakeDeliveries{}
	mappings := newFakeMappings()
	mappings.byKey[mappingKey{destID, ResourceUser, "u-A"}] = ResourceMapping{SCIMResourceID: "dw-u-1"}
	client := &fakeClient{responses: []scimclient.Response{{Status: 404}}}

	w := newTestWorker(map[uuid.UUID]Destination{destID: dest}, map[uuid.UUID]LocalEvent{eventID: event}, deliveries, mappings, client)
	w.Process(context.Background(), Delivery{ID: uuid.New(), EventID: eventID, DestinationID: destID})

	if len(deliveries.successes) != 1 {
		t.Fatalf("expected 404-on-delete to be treated as success, got failures=%d retries=%d", len(deliveries.failures), len(deliveries.retries))
	}
	if _, err := mappings.Get(context.Background(), destID, ResourceUser, "u-A"); err != ErrNotFound {
		t.Error("expected mapping to be removed after 404-on-delete")
	}
}
