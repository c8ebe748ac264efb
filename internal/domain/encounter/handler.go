package encounter

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/auth"
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
	readGroup.GET("/encounters", h.ListEncounters)
	readGroup.GET("/encounters/:id", h.GetEncounter)

	writeGroup := api.Group("", auth.RequireRole("physician", "nurse", "registrar"))
	writeGroup.POST("/encounters", h.CreateEncounter)
	writeGroup.PATCH("/encounters/:id/status", h.UpdateEncounterStatus)
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	enc, err := h.svc.Create(c.Request().Context(), auth.Caller(c), in)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, enc.Version, enc.UpdatedAt)
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	enc, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, enc.Version, enc.UpdatedAt)
	return c.JSON(http.StatusOK, enc)
}

// ListEncounters lists encounters, filtered by ?patient_id= when given.
func (h *Handler) ListEncounters(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateEncounterStatus(c echo.Context) error {
	var in StatusInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	expected, err := versioning.ExpectedVersion(c, in.Version)
	if err != nil {
		return err
	}
	enc, err := h.svc.UpdateStatus(c.Request().Context(), auth.Caller(c), c.Param("id"), expected, in)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, enc.Version, enc.UpdatedAt)
	return c.JSON(http.StatusOK, enc)
}
