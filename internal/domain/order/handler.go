package order

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/auth"
	"github.com/ehr/recordsync/internal/platform/coordinator"
	"github.com/ehr/recordsync/internal/platform/versioning"
	"github.com/ehr/recordsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("physician", "nurse", "registrar"))
	readGroup.GET("/orders", h.ListOrders)
	readGroup.GET("/orders/:id", h.GetOrder)

	// Only physicians place orders; nurses carry them out.
	api.POST("/orders", h.CreateOrder, auth.RequireRole("physician"))
	api.POST("/orders/:id/execute", h.ExecuteOrder, auth.RequireRole("physician", "nurse"))
}

type CreateResponse struct {
	Data    *Order              `json:"data"`
	Outcome coordinator.Outcome `json:"outcome"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	o, outcome, err := h.svc.Create(c.Request().Context(), auth.Caller(c), in)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if !outcome.Succeeded(apperr.StoreLocal) {
		status = http.StatusAccepted
	} else {
		versioning.SetVersionHeaders(c, o.Version, o.UpdatedAt)
	}
	return c.JSON(status, CreateResponse{Data: o, Outcome: outcome})
}

func (h *Handler) GetOrder(c echo.Context) error {
	o, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, o.Version, o.UpdatedAt)
	return c.JSON(http.StatusOK, o)
}

// ListOrders lists orders, filtered by ?patient_id= when given.
func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type executeRequest struct {
	ExecutedBy string `json:"executed_by"`
	Version    int    `json:"version"`
}

func (h *Handler) ExecuteOrder(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	expected, err := versioning.ExpectedVersion(c, req.Version)
	if err != nil {
		return err
	}
	o, err := h.svc.Execute(c.Request().Context(), auth.Caller(c), c.Param("id"), req.ExecutedBy, expected)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, o.Version, o.UpdatedAt)
	return c.JSON(http.StatusOK, o)
}
