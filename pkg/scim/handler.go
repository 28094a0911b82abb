package scim

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/scimcore/internal/httpserver"
)

// Handler provides thin HTTP handlers over Service for the Destination admin
// surface, plus the event ingestion route. internal/app mounts these routes
// under /api/v1/scim in api mode; they carry no authentication of their own.
type Handler struct {
	service *Service
	intake  *Intake
	logger  *slog.Logger
}

// NewHandler creates a Handler. intake may be nil, in which case
// POST /events responds 501 — a deployment embedding this package as a
// library calls Intake.OnLocalEvent directly and has no use for the HTTP
// ingestion route.
func NewHandler(service *Service, intake *Intake, logger *slog.Logger) *Handler {
	return &Handler{service: service, intake: intake, logger: logger}
}

// Routes returns a chi.Router with the Destination admin routes and the
// event ingestion route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/destinations", h.handleCreate)
	r.Get("/destinations", h.handleList)
	r.Get("/destinations/{id}", h.handleGet)
	r.Put("/destinations/{id}", h.handleUpdate)
	r.Delete("/destinations/{id}", h.handleDelete)
	r.Post("/destinations/{id}/test-connection", h.handleTestConnection)
	r.Get("/destinations/{id}/deliveries", h.handleListDeliveries)
	r.Get("/events/{id}/deliveries", h.handleListDeliveriesByEvent)
	r.Post("/events", h.handleIngestEvent)
	return r
}

type createDestinationBody struct {
	TenantID         uuid.UUID        `json:"tenant_id" validate:"required"`
	Name             string           `json:"name" validate:"required"`
	BaseURL          string           `json:"base_url" validate:"required,url"`
	AttributeMapping AttributeMapping `json:"attribute_mapping"`
	EnabledOps       []OperationKind  `json:"enabled_operations" validate:"required,min=1"`
	DeleteAction     DeleteAction     `json:"delete_action" validate:"required,oneof=DEACTIVATE HARD_DELETE"`
	RetryPolicy      RetryPolicy      `json:"retry_policy"`
	Enabled          bool             `json:"enabled"`
	ClientAppID      *uuid.UUID       `json:"client_app_id,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createDestinationBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	req := CreateDestinationRequest{
		TenantID:         body.TenantID,
		Name:             body.Name,
		BaseURL:          body.BaseURL,
		AttributeMapping: body.AttributeMapping,
		EnabledOps:       body.EnabledOps,
		DeleteAction:     body.DeleteAction,
		RetryPolicy:      body.RetryPolicy,
		Enabled:          body.Enabled,
	}
	if body.ClientAppID != nil {
		req.ClientAppID = *body.ClientAppID
	} else {
		req.AutoProvision = true
	}

	result, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("creating scim destination", "error", err)
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"destination": result.Destination,
		"secret":      result.Secret,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid or missing tenant_id")
		return
	}

	items, err := h.service.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing scim destinations", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list destinations")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"destinations": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, err, "destination")
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	var body createDestinationBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	d, err := h.service.Update(r.Context(), UpdateDestinationRequest{
		ID:               id,
		Name:             body.Name,
		BaseURL:          body.BaseURL,
		AttributeMapping: body.AttributeMapping,
		EnabledOps:       body.EnabledOps,
		DeleteAction:     body.DeleteAction,
		RetryPolicy:      body.RetryPolicy,
		Enabled:          body.Enabled,
	})
	if err != nil {
		h.logger.Error("updating scim destination", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.notFoundOrError(w, err, "destination")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.service.TestConnection(r.Context(), id, r.URL.Query().Get("probe_path"))
	if err != nil {
		h.notFoundOrError(w, err, "destination")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var before *time.Time
	if params.After != nil {
		before = &params.After.CreatedAt
	}

	items, err := h.service.ListDeliveriesByDestination(r.Context(), id, before, params.Limit)
	if err != nil {
		h.logger.Error("listing deliveries by destination", "error", err, "destination_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list deliveries")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"deliveries": items, "count": len(items)})
}

func (h *Handler) handleListDeliveriesByEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListDeliveriesByEvent(r.Context(), id)
	if err != nil {
		h.logger.Error("listing deliveries by event", "error", err, "event_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list deliveries")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"deliveries": items, "count": len(items)})
}

type ingestEventBody struct {
	TenantID     uuid.UUID      `json:"tenant_id" validate:"required"`
	ResourceType ResourceType   `json:"resource_type" validate:"required"`
	ResourceID   string         `json:"resource_id" validate:"required"`
	Kind         EventKind      `json:"kind" validate:"required,oneof=CREATE UPDATE DELETE"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Snapshot     map[string]any `json:"snapshot"`
}

// handleIngestEvent is the HTTP-reachable equivalent of Intake.OnLocalEvent
// for deployments that run scimcore out of process from the services that
// produce LocalEvents, rather than importing pkg/scim as a library.
func (h *Handler) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if h.intake == nil {
		httpserver.RespondError(w, http.StatusNotImplemented, "not_implemented", "event ingestion is not configured on this deployment")
		return
	}

	var body ingestEventBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	occurredAt := body.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	h.intake.OnLocalEvent(r.Context(), LocalEvent{
		ID:           uuid.New(),
		TenantID:     body.TenantID,
		ResourceType: body.ResourceType,
		ResourceID:   body.ResourceID,
		Kind:         body.Kind,
		OccurredAt:   occurredAt,
		Snapshot:     body.Snapshot,
	})

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) notFoundOrError(w http.ResponseWriter, err error, noun string) {
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", noun+" not found")
		return
	}
	h.logger.Error("scim handler error", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
