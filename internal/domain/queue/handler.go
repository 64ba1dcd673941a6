package queue

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/auth"
	"github.com/caregate/caregate/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("/queue", auth.RequireRole(auth.RolePatient))
	patient.POST("", h.Join)
	patient.GET("/me", h.Mine)
	patient.DELETE("/:id", h.Leave)
	patient.POST("/:id/rating", h.Rate)

	api.GET("/doctors/:id/queue", h.Snapshot)
	doctor := api.Group("/doctors/:id/queue", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/history", h.History)
	doctor.POST("/:queueId/start", h.Start)
	doctor.POST("/:queueId/complete", h.Complete)
	doctor.POST("/:queueId/status", h.SetStatus)
}

func actorID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authenticated user id is not a valid id")
	}
	return id, nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// doctorScope resolves the doctor in the path and checks the caller owns it.
func (h *Handler) doctorScope(c echo.Context) (uuid.UUID, error) {
	doctorID, err := parseID(c, "id")
	if err != nil {
		return uuid.Nil, err
	}
	ctx := c.Request().Context()
	userID, err := h.svc.DoctorUserID(ctx, doctorID)
	if err != nil {
		return uuid.Nil, apperr.HTTP(err)
	}
	if !auth.IsSelfOrAdmin(ctx, userID.String()) {
		return uuid.Nil, apperr.HTTP(apperr.New(apperr.CodeForbidden, "only the doctor may manage this queue"))
	}
	return doctorID, nil
}

func (h *Handler) Join(c echo.Context) error {
	patientID, err := actorID(c)
	if err != nil {
		return err
	}
	var req JoinInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return apperr.HTTP(err)
	}
	e, err := h.svc.Join(c.Request().Context(), patientID, req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Mine(c echo.Context) error {
	patientID, err := actorID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.ActiveForPatient(c.Request().Context(), patientID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Leave(c echo.Context) error {
	patientID, err := actorID(c)
	if err != nil {
		return err
	}
	queueID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	e, err := h.svc.Leave(c.Request().Context(), queueID, patientID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Rate(c echo.Context) error {
	patientID, err := actorID(c)
	if err != nil {
		return err
	}
	queueID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req RateInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return apperr.HTTP(err)
	}
	e, err := h.svc.Rate(c.Request().Context(), queueID, patientID, req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Snapshot(c echo.Context) error {
	doctorID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	snap, err := h.svc.Snapshot(c.Request().Context(), doctorID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) History(c echo.Context) error {
	doctorID, err := h.doctorScope(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	entries, total, err := h.svc.History(c.Request().Context(), doctorID, Status(c.QueryParam("status")), p.Limit, p.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p).WithNext(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) Start(c echo.Context) error {
	return h.doctorAction(c, h.svc.StartConsultation)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.doctorAction(c, h.svc.CompleteConsultation)
}

func (h *Handler) doctorAction(c echo.Context, fn func(ctx context.Context, queueID, doctorID uuid.UUID) (*Entry, error)) error {
	doctorID, err := h.doctorScope(c)
	if err != nil {
		return err
	}
	queueID, err := parseID(c, "queueId")
	if err != nil {
		return err
	}
	e, err := fn(c.Request().Context(), queueID, doctorID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

type statusRequest struct {
	Status Status `json:"status" validate:"required,oneof=no-show cancelled"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	doctorID, err := h.doctorScope(c)
	if err != nil {
		return err
	}
	queueID, err := parseID(c, "queueId")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return apperr.HTTP(err)
	}
	e, err := h.svc.SetStatus(c.Request().Context(), queueID, doctorID, req.Status)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}
