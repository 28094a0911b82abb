// Package scim implements the outbound SCIM v2 provisioning core: fan-out of
// local lifecycle events into per-destination Deliveries, durable delivery
// state, resource-identity mapping, SCIM payload translation, and the
// scheduler/worker pair that drives attempts to completion.
package scim

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ResourceType is the local entity kind a LocalEvent describes.
type ResourceType string

const (
	ResourceUser         ResourceType = "USER"
	ResourceGroup        ResourceType = "GROUP"
	ResourceGroupMember  ResourceType = "GROUP_MEMBER"
)

// IsSCIMRelevant reports whether rt is one of the three types Event Intake
// fans out. Anything else is dropped silently by OnLocalEvent.
func (rt ResourceType) IsSCIMRelevant() bool {
	switch rt {
	case ResourceUser, ResourceGroup, ResourceGroupMember:
		return true
	default:
		return false
	}
}

// EventKind is the lifecycle action a LocalEvent records.
type EventKind string

const (
	EventCreate EventKind = "CREATE"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// LocalEvent is the contract produced by external collaborators (the local
// User/Group/Membership services) after their primary write commits. The
// core persists its own copy at fan-out time so later retries can still
// read the snapshot that was true at occurrence time.
type LocalEvent struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ResourceType ResourceType
	ResourceID   string
	Kind         EventKind
	OccurredAt   time.Time
	// Snapshot is the tenant-local structural dump of the entity, e.g. for
	// USER: {"user": {...}, "profile": {...}}, for GROUP: {"group": {...}},
	// for GROUP_MEMBER: {"groupMember": {"groupId": ..., "userId": ...}}.
	Snapshot map[string]any
}

// DeleteAction selects what a DELETE on a USER resource translates to.
type DeleteAction string

const (
	DeleteActionDeactivate DeleteAction = "DEACTIVATE"
	DeleteActionHardDelete DeleteAction = "HARD_DELETE"
)

// OperationKind is one of the nine SCIM operations the core may emit.
type OperationKind string

const (
	OpCreateUser        OperationKind = "CREATE_USER"
	OpUpdateUser        OperationKind = "UPDATE_USER"
	OpDeactivateUser    OperationKind = "DEACTIVATE_USER"
	OpDeleteUser        OperationKind = "DELETE_USER"
	OpCreateGroup       OperationKind = "CREATE_GROUP"
	OpUpdateGroup       OperationKind = "UPDATE_GROUP"
	OpDeleteGroup       OperationKind = "DELETE_GROUP"
	OpAddGroupMember    OperationKind = "ADD_GROUP_MEMBER"
	OpRemoveGroupMember OperationKind = "REMOVE_GROUP_MEMBER"
)

// AllOperationKinds lists the nine operation kinds. Enabled operations
// supplied to Service.Create/Update are not checked against this list.
var AllOperationKinds = []OperationKind{
	OpCreateUser, OpUpdateUser, OpDeactivateUser, OpDeleteUser,
	OpCreateGroup, OpUpdateGroup, OpDeleteGroup,
	OpAddGroupMember, OpRemoveGroupMember,
}

// Scope is one of the four named SCIM scopes.
type Scope string

const (
	ScopeUsersRead   Scope = "scim:users:read"
	ScopeUsersWrite  Scope = "scim:users:write"
	ScopeGroupsRead  Scope = "scim:groups:read"
	ScopeGroupsWrite Scope = "scim:groups:write"
)

// AllScopes lists the four named scopes EnsureTenantScopes must guarantee exist.
var AllScopes = []Scope{ScopeUsersRead, ScopeUsersWrite, ScopeGroupsRead, ScopeGroupsWrite}

// operationScope maps every operation kind to the single scope it requires.
// All user write/deactivate/delete operations require users:write; all group
// write/delete and membership PATCH operations require groups:write.
var operationScope = map[OperationKind]Scope{
	OpCreateUser:        ScopeUsersWrite,
	OpUpdateUser:        ScopeUsersWrite,
	OpDeactivateUser:    ScopeUsersWrite,
	OpDeleteUser:        ScopeUsersWrite,
	OpCreateGroup:       ScopeGroupsWrite,
	OpUpdateGroup:       ScopeGroupsWrite,
	OpDeleteGroup:       ScopeGroupsWrite,
	OpAddGroupMember:    ScopeGroupsWrite,
	OpRemoveGroupMember: ScopeGroupsWrite,
}

// AttributeMapping maps a SCIM target attribute path (dotted/bracket, e.g.
// "emails[0].value") to a source expression: the literals "true"/"false", or
// a "$."-prefixed path resolved against a LocalEvent's data view.
type AttributeMapping map[string]string

// RetryPolicy governs backoff and the retry ceiling for one destination.
type RetryPolicy struct {
	MaxRetries       int
	InitialBackoffMS int64
	MaxBackoffMS     int64
	Multiplier       float64
}

// DefaultRetryPolicy returns the spec's default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       5,
		InitialBackoffMS: 1000,
		MaxBackoffMS:     300000,
		Multiplier:       2.0,
	}
}

// Destination is a configured downstream SCIM service provider bound to one
// tenant ("SCIM application" on some admin surfaces).
type Destination struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	ClientAppID      uuid.UUID
	Name             string
	BaseURL          string
	AttributeMapping AttributeMapping
	EnabledOps       map[OperationKind]bool
	DeleteAction     DeleteAction
	RetryPolicy      RetryPolicy
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasOperation reports whether op is in d.EnabledOps.
func (d Destination) HasOperation(op OperationKind) bool {
	return d.EnabledOps[op]
}

// DeliveryStatus is the lifecycle state of one Delivery row.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryInProgress DeliveryStatus = "IN_PROGRESS"
	DeliverySuccess    DeliveryStatus = "SUCCESS"
	DeliveryRetrying   DeliveryStatus = "RETRYING"
	DeliveryFailed     DeliveryStatus = "FAILED"
)

// IsTerminal reports whether s is a terminal status (SUCCESS or FAILED).
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// Delivery is the durable record of propagating one local event to one
// destination: one row per (event_id, destination_id).
type Delivery struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	DestinationID  uuid.UUID
	Status         DeliveryStatus
	RetryCount     int
	LastHTTPStatus *int
	LastError      string
	SCIMResourceID *string
	NextRetryAt    *time.Time
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ResourceMapping binds (destination, local resource type, local id) to the
// opaque id the downstream SCIM server assigned.
type ResourceMapping struct {
	ID             uuid.UUID
	DestinationID  uuid.UUID
	ResourceType   ResourceType
	LocalID        string
	SCIMResourceID string
	CreatedAt      time.Time
}

// Sentinel errors returned by the state stores and the facade. Workers and
// the service layer branch on these with errors.Is.
var (
	ErrNotFound          = errors.New("scim: not found")
	ErrDestinationExists = errors.New("scim: destination name already in use for this tenant")
	ErrMissingMapping    = errors.New("scim: resource mapping not found")
	ErrScopesMissing     = errors.New("scim: client application is missing required scopes")
)
