package account

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/doctors/:id", h.GetDoctor)
	api.PUT("/doctors/:id/availability", h.SetAvailability, auth.RequireRole(auth.RoleDoctor))
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

type availabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

func (h *Handler) SetAvailability(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return apperr.HTTP(err)
	}

	ctx := c.Request().Context()
	p, err := h.svc.GetDoctor(ctx, id)
	if err != nil {
		return apperr.HTTP(err)
	}
	if !auth.IsSelfOrAdmin(ctx, p.UserID.String()) {
		return apperr.HTTP(apperr.New(apperr.CodeForbidden, "only the doctor may change availability"))
	}

	p, err = h.svc.SetAvailability(ctx, id, *req.Available)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}
