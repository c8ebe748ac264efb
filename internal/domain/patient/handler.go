package patient

import (
	"encoding/json"
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
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/:id", h.GetPatient)

	writeGroup := api.Group("", auth.RequireRole("physician", "nurse", "registrar"))
	writeGroup.POST("/patients", h.CreatePatient)
	writeGroup.PATCH("/patients/:id", h.PatchPatient)
}

// CreateResponse reports the patient together with the per-store outcome.
type CreateResponse struct {
	Data    *Patient            `json:"data"`
	Outcome coordinator.Outcome `json:"outcome"`
}

// CreatePatient answers 201 when the local cache holds the patient and 202
// when only the EMR accepted it.
func (h *Handler) CreatePatient(c echo.Context) error {
	var d Demographics
	if err := c.Bind(&d); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	p, outcome, err := h.svc.Create(c.Request().Context(), auth.Caller(c), d)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if !outcome.Succeeded(apperr.StoreLocal) {
		status = http.StatusAccepted
	} else {
		versioning.SetVersionHeaders(c, p.Version, p.UpdatedAt)
		c.Response().Header().Set("Location", c.Request().URL.Path+"/"+p.ID)
	}
	return c.JSON(status, CreateResponse{Data: p, Outcome: outcome})
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if versioning.NotModified(c, p.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	versioning.SetVersionHeaders(c, p.Version, p.UpdatedAt)
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("q"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// PatchPatient takes a JSON object of fields to change. The base version
// comes from If-Match or a "version" member of the body.
func (h *Handler) PatchPatient(c echo.Context) error {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	bodyVersion := 0
	if raw, ok := patch["version"]; ok {
		if err := json.Unmarshal(raw, &bodyVersion); err != nil {
			return apperr.Validation("version must be an integer")
		}
		delete(patch, "version")
	}
	expected, err := versioning.ExpectedVersion(c, bodyVersion)
	if err != nil {
		return err
	}
	p, err := h.svc.Patch(c.Request().Context(), auth.Caller(c), c.Param("id"), expected, patch)
	if err != nil {
		return err
	}
	versioning.SetVersionHeaders(c, p.Version, p.UpdatedAt)
	return c.JSON(http.StatusOK, p)
}
