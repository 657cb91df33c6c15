package consent

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/consents", h.Grant)
	api.GET("/patients/:id/consents", h.ListGrants)
	api.DELETE("/consents/:id", h.Revoke)

	api.POST("/patients/:id/share-links", h.CreateShareLink)
	api.DELETE("/share-links/:id", h.RevokeShareLink)
}

type grantRequest struct {
	GranteeID    string     `json:"grantee_id"`
	GranteeEmail string     `json:"grantee_email"`
	Scope        string     `json:"scope"`
	DataTypes    []string   `json:"data_types"`
	RangeStart   *time.Time `json:"range_start"`
	RangeEnd     *time.Time `json:"range_end"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) Grant(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	g := &Grant{
		PatientID:    patientID,
		GranteeEmail: req.GranteeEmail,
		Scope:        Scope(req.Scope),
		DataTypes:    req.DataTypes,
		RangeStart:   req.RangeStart,
		RangeEnd:     req.RangeEnd,
		ExpiresAt:    req.ExpiresAt,
	}
	if req.GranteeID != "" {
		granteeID, err := uuid.Parse(req.GranteeID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid grantee id")
		}
		g.GranteeID = granteeID
	}

	if err := h.svc.Grant(c.Request().Context(), actor, g, audit.OriginFrom(c)); err != nil {
		return mapConsentError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) ListGrants(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListGrants(c.Request().Context(), actor, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return mapConsentError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Revoke(c echo.Context) error {
	grantID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid grant id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if err := h.svc.Revoke(c.Request().Context(), actor, grantID, audit.OriginFrom(c)); err != nil {
		return mapConsentError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type shareLinkRequest struct {
	ValidatorType string `json:"validator_type"`
	Validator     string `json:"validator"`
}

type shareLinkResponse struct {
	*ShareLink
	Token string `json:"token"`
}

func (h *Handler) CreateShareLink(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req shareLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	link, token, err := h.svc.CreateShareLink(c.Request().Context(), actor, patientID,
		ValidatorType(req.ValidatorType), req.Validator, audit.OriginFrom(c))
	if err != nil {
		return mapConsentError(err)
	}
	return c.JSON(http.StatusCreated, shareLinkResponse{ShareLink: link, Token: token})
}

func (h *Handler) RevokeShareLink(c echo.Context) error {
	linkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid share link id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if err := h.svc.RevokeShareLink(c.Request().Context(), actor, linkID, audit.OriginFrom(c)); err != nil {
		return mapConsentError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func mapConsentError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrValidationFailed):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNoActiveConsent):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrShareLinkExpired):
		return echo.NewHTTPError(http.StatusGone, "share link expired")
	case errors.Is(err, ErrShareLinkInvalid), errors.Is(err, ErrShareLinkLocked), errors.Is(err, ErrValidatorMismatch):
		// One message for all share-link denials so callers cannot infer
		// which check failed.
		return echo.NewHTTPError(http.StatusForbidden, "share link rejected")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
