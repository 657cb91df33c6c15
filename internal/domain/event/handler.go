package event

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/domain/consent"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires the authenticated API surface. public carries the
// anonymous share-link submission endpoint and must not sit behind auth.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	api.POST("/patients/:id/events", h.Create)
	api.GET("/patients/:id/timeline", h.Timeline)
	api.GET("/patients/:id/medications/active", h.ActiveMedications)
	api.GET("/events/:id", h.Get)
	api.GET("/events/:id/amendments", h.AmendmentChain)
	api.GET("/events/:id/document", h.Document)
	api.DELETE("/events/:id", h.Retract)
	api.POST("/events/:id/approve", h.Approve)

	public.POST("/share-links/:token/second-opinions", h.SubmitViaShareLink)
}

type createRequest struct {
	Type                string     `json:"type"`
	ClinicalTS          time.Time  `json:"clinical_ts"`
	SourceType          string     `json:"source_type"`
	SourceOrg           string     `json:"source_org"`
	Visibility          string     `json:"visibility"`
	AmendsEventID       *uuid.UUID `json:"amends_event_id"`
	AmendmentReason     string     `json:"amendment_reason"`
	ParentEventID       *uuid.UUID `json:"parent_event_id"`
	RelationshipType    string     `json:"relationship_type"`
	ExternalSystem      string     `json:"external_system"`
	ExternalResourceID  string     `json:"external_resource_id"`
	OriginalPayloadHash string     `json:"original_payload_hash"`
	FHIRResourceType    string     `json:"fhir_resource_type"`
	FHIRLogicalID       string     `json:"fhir_logical_id"`
	FHIRVersionID       string     `json:"fhir_version_id"`
	ConfirmedExtraction bool       `json:"confirmed_extraction"`
	Details             Details    `json:"details"`
}

func (r createRequest) draft(patientID uuid.UUID) *Event {
	return &Event{
		PatientID:           patientID,
		Type:                Type(r.Type),
		ClinicalTS:          r.ClinicalTS,
		SourceType:          SourceType(r.SourceType),
		SourceOrg:           r.SourceOrg,
		Visibility:          Visibility(r.Visibility),
		AmendsEventID:       r.AmendsEventID,
		AmendmentReason:     r.AmendmentReason,
		ParentEventID:       r.ParentEventID,
		Relationship:        Relationship(r.RelationshipType),
		ExternalSystem:      r.ExternalSystem,
		ExternalResourceID:  r.ExternalResourceID,
		OriginalPayloadHash: r.OriginalPayloadHash,
		FHIRResourceType:    r.FHIRResourceType,
		FHIRLogicalID:       r.FHIRLogicalID,
		FHIRVersionID:       r.FHIRVersionID,
		Details:             r.Details,
	}
}

func (h *Handler) Create(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	e, err := h.svc.Append(c.Request().Context(), actor, req.draft(patientID),
		AppendOptions{ConfirmedExtraction: req.ConfirmedExtraction}, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	e, err := h.svc.Get(c.Request().Context(), actor, id, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Timeline(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var f Filters
	for _, t := range c.QueryParams()["type"] {
		if !ValidTypes[Type(t)] {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown event type "+t)
		}
		f.Types = append(f.Types, Type(t))
	}
	if v := c.QueryParam("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC 3339")
		}
		f.From = &from
	}
	if v := c.QueryParam("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC 3339")
		}
		f.To = &to
	}

	pg := pagination.FromContext(c)
	page, err := h.svc.Timeline(c.Request().Context(), actor, patientID, f, pg.Limit, pg.Offset, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	resp := pagination.NewResponse(page.Events, page.Total, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":     resp.Data,
		"total":    resp.Total,
		"limit":    resp.Limit,
		"offset":   resp.Offset,
		"has_more": resp.HasMore,
		"withheld": page.Withheld,
	})
}

func (h *Handler) ActiveMedications(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	states, err := h.svc.ActiveMedications(c.Request().Context(), actor, patientID, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	return c.JSON(http.StatusOK, states)
}

func (h *Handler) AmendmentChain(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	chain, err := h.svc.AmendmentChain(c.Request().Context(), actor, id, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	return c.JSON(http.StatusOK, chain)
}

func (h *Handler) Document(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	data, doc, err := h.svc.Document(c.Request().Context(), actor, id, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+doc.Title+`"`)
	return c.Blob(http.StatusOK, doc.ContentType, data)
}

type retractRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Retract(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req retractRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if err := h.svc.Retract(c.Request().Context(), actor, id, req.Reason, audit.OriginFrom(c)); err != nil {
		return mapEventError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if err := h.svc.Approve(c.Request().Context(), actor, id, audit.OriginFrom(c)); err != nil {
		return mapEventError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type shareLinkSubmission struct {
	Validator string        `json:"validator"`
	Draft     createRequest `json:"draft"`
}

func (h *Handler) SubmitViaShareLink(c echo.Context) error {
	var req shareLinkSubmission
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// PatientID comes from the link itself, never from the caller.
	draft := req.Draft.draft(uuid.Nil)
	e, err := h.svc.SubmitViaShareLink(c.Request().Context(), c.Param("token"), req.Validator, draft, audit.OriginFrom(c))
	if err != nil {
		return mapEventError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func mapEventError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "event not found")
	case errors.Is(err, ErrValidationFailed):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidLineage):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConcurrentAmendment):
		return echo.NewHTTPError(http.StatusConflict, "a newer amendment exists, retry against it")
	case errors.Is(err, ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, "event is not pending approval")
	case errors.Is(err, ErrChecksumMismatch):
		return echo.NewHTTPError(http.StatusConflict, "document failed integrity verification")
	case errors.Is(err, ErrForbidden), errors.Is(err, consent.ErrNoActiveConsent):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, consent.ErrShareLinkExpired):
		return echo.NewHTTPError(http.StatusGone, "share link expired")
	case errors.Is(err, consent.ErrShareLinkInvalid),
		errors.Is(err, consent.ErrShareLinkLocked),
		errors.Is(err, consent.ErrValidatorMismatch):
		return echo.NewHTTPError(http.StatusForbidden, "share link rejected")
	case errors.Is(err, audit.ErrAuditWriteFailed):
		return echo.NewHTTPError(http.StatusInternalServerError, "operation aborted")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
