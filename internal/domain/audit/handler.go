package audit

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/pkg/pagination"
)

// OriginFrom extracts request provenance for audit entries.
func OriginFrom(c echo.Context) Origin {
	requestID, _ := c.Get("request_id").(string)
	return Origin{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		RequestID: requestID,
	}
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/audit", h.GetTrail)
}

func (h *Handler) GetTrail(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	pg := pagination.FromContext(c)
	entries, total, err := h.svc.Trail(c.Request().Context(), actor, patientID, pg.Limit, pg.Offset, OriginFrom(c))
	if err != nil {
		if errors.Is(err, ErrTrailForbidden) {
			return echo.NewHTTPError(http.StatusForbidden, "access denied")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}
