package oracle

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/platform/apperr"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/licenses/authorities", h.ListAuthorities)
	api.POST("/licenses/validate", h.Validate)
}

func (h *Handler) ListAuthorities(c echo.Context) error {
	return c.JSON(http.StatusOK, Authorities())
}

type validateRequest struct {
	LicenseNumber string `json:"license_number" validate:"required,max=64"`
}

// Validate lets registration forms reject malformed license numbers before
// submission. A malformed number is a 200 with valid=false.
func (h *Handler) Validate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTP(apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if err := c.Validate(&req); err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, ValidateFormat(req.LicenseNumber))
}
