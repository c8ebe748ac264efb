package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/auth"
	"github.com/ehr/recordsync/internal/platform/middleware"
)

// asUser sets the identity from the X-Test-User / X-Test-Role headers.
func asUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, c.Request().Header.Get("X-Test-User"))
		ctx = context.WithValue(ctx, auth.UserRolesKey, []string{c.Request().Header.Get("X-Test-Role")})
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	f := newFixture(t)
	e := echo.New()
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(zerolog.Nop())
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1", asUser))
	return e, f
}

func request(e *echo.Echo, method, path, body, user, role string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Test-User", user)
	req.Header.Set("X-Test-Role", role)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const labOrder = `{"patient_id":"` + testPatient + `","order_type":"lab","items":[{"drug_name":"CBC"}]}`

func TestHandler_CreateOrder(t *testing.T) {
	e, _ := newTestServer(t)

	rec := request(e, http.MethodPost, "/api/v1/orders", labOrder, "nurse-park", "nurse")
	if rec.Code != http.StatusForbidden {
		t.Errorf("nurses cannot place orders, got %d", rec.Code)
	}

	rec = request(e, http.MethodPost, "/api/v1/orders", labOrder, "dr-lee", "physician")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.OrderedBy != "dr-lee" {
		t.Errorf("expected ordered_by dr-lee, got %q", resp.Data.OrderedBy)
	}
	if len(resp.Data.Items) != 1 || resp.Data.Items[0].ItemID != "OI-"+resp.Data.ID+"-001" {
		t.Errorf("unexpected items %+v", resp.Data.Items)
	}
}

func TestHandler_ExecuteOrder(t *testing.T) {
	e, _ := newTestServer(t)
	rec := request(e, http.MethodPost, "/api/v1/orders", labOrder, "dr-lee", "physician")
	var resp CreateResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	path := "/api/v1/orders/" + resp.Data.ID + "/execute"

	rec = request(e, http.MethodPost, path, `{}`, "nurse-park", "nurse")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("execute without a version: expected 400, got %d", rec.Code)
	}

	rec = request(e, http.MethodPost, path, `{}`, "nurse-park", "nurse", "If-Match", `W/"1"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var o Order
	json.Unmarshal(rec.Body.Bytes(), &o)
	if o.Status != StatusCompleted || o.ExecutedBy != "nurse-park" {
		t.Errorf("unexpected order %+v", o)
	}

	rec = request(e, http.MethodPost, path, `{"version":1}`, "nurse-kim", "nurse")
	if rec.Code != http.StatusConflict {
		t.Errorf("second execution from version 1: expected 409, got %d", rec.Code)
	}
}

func TestHandler_GetAndListOrders(t *testing.T) {
	e, _ := newTestServer(t)
	rec := request(e, http.MethodPost, "/api/v1/orders", labOrder, "dr-lee", "physician")
	var resp CreateResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	rec = request(e, http.MethodGet, "/api/v1/orders/"+resp.Data.ID, "", "nurse-park", "nurse")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("unexpected ETag %q", rec.Header().Get("ETag"))
	}

	rec = request(e, http.MethodGet, "/api/v1/orders?patient_id="+otherPatient, "", "nurse-park", "nurse")
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 0 {
		t.Errorf("expected no orders for %s, got %d", otherPatient, page.Total)
	}

	rec = request(e, http.MethodGet, "/api/v1/orders/O-2025-000404", "", "nurse-park", "nurse")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
