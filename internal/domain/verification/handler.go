package verification

import (
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
	doctor := api.Group("/verification", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("", h.Submit)
	doctor.POST("/documents", h.UploadDocuments)
	doctor.GET("/status", h.CheckStatus)
	doctor.POST("/appeal", h.SubmitAppeal)

	admin := api.Group("/admin/verifications", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.List)
	admin.POST("/sweep", h.Sweep)
	admin.GET("/:id", h.Get)
	admin.POST("/:id/run", h.Run)
	admin.POST("/:id/approve", h.Approve)
	admin.POST("/:id/reject", h.Reject)
	admin.POST("/:id/hold", h.Hold)
	admin.POST("/:id/request-documents", h.RequestDocuments)
	admin.POST("/:id/appeal-decision", h.DecideAppeal)
	admin.POST("/:id/suspend", h.Suspend)
	admin.POST("/:id/retry-activation", h.RetryActivation)
	admin.POST("/:id/documents/:docId/review", h.ReviewDocument)
}

// actorID is the authenticated user's id; user ids are UUIDs.
func actorID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authenticated user id is not a valid id")
	}
	return id, nil
}

func reviewer(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func recordID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bindValid(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(v); err != nil {
		return apperr.HTTP(err)
	}
	return nil
}

func (h *Handler) Submit(c echo.Context) error {
	uid, err := actorID(c)
	if err != nil {
		return err
	}
	var req SubmitInput
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.Submit(c.Request().Context(), uid, req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type uploadRequest struct {
	Documents []DocumentInput `json:"documents" validate:"required,min=1,dive"`
}

func (h *Handler) UploadDocuments(c echo.Context) error {
	uid, err := actorID(c)
	if err != nil {
		return err
	}
	var req uploadRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.UploadDocuments(c.Request().Context(), uid, req.Documents)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) CheckStatus(c echo.Context) error {
	uid, err := actorID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.CheckStatus(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SubmitAppeal(c echo.Context) error {
	uid, err := actorID(c)
	if err != nil {
		return err
	}
	var req AppealInput
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.SubmitAppeal(c.Request().Context(), uid, req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	if status == "" {
		status = StatusManualReview
	}
	p := pagination.FromContext(c)
	recs, total, err := h.svc.ListByStatus(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	if recs == nil {
		recs = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, p).WithNext(c.Path(), c.QueryParams()))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Run(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.RunAutomatedVerification(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Sweep(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.svc.SweepStale(ctx)
	if err != nil {
		return apperr.HTTP(err)
	}
	reassessed, err := h.svc.ReassessDue(ctx)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"timed_out":   res.TimedOut,
		"retriggered": res.Retriggered,
		"reassessed":  reassessed,
	})
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req notesRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.AdminApprove(c.Request().Context(), id, reviewer(c), req.Notes)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	Notes  string `json:"notes" validate:"max=2000"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.AdminReject(c.Request().Context(), id, reviewer(c), req.Reason, req.Notes)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Hold(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req notesRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.AdminHold(c.Request().Context(), id, reviewer(c), req.Notes)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type requestDocumentsRequest struct {
	Documents []string `json:"documents" validate:"required,min=1,dive,required"`
	Notes     string   `json:"notes" validate:"max=2000"`
}

func (h *Handler) RequestDocuments(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req requestDocumentsRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.AdminRequestDocuments(c.Request().Context(), id, reviewer(c), req.Documents, req.Notes)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type appealDecisionRequest struct {
	Accept *bool  `json:"accept" validate:"required"`
	Notes  string `json:"notes" validate:"max=2000"`
}

func (h *Handler) DecideAppeal(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req appealDecisionRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.DecideAppeal(c.Request().Context(), id, reviewer(c), *req.Accept, req.Notes)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type suspendRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) Suspend(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req suspendRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.Suspend(c.Request().Context(), id, reviewer(c), req.Reason)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) RetryActivation(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.RetryActivation(c.Request().Context(), id, reviewer(c))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type reviewDocumentRequest struct {
	Verified *bool  `json:"verified" validate:"required"`
	Notes    string `json:"notes" validate:"max=2000"`
}

func (h *Handler) ReviewDocument(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	docID, err := uuid.Parse(c.Param("docId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	var req reviewDocumentRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.ReviewDocument(c.Request().Context(), id, docID, reviewer(c), *req.Verified, req.Notes)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}
