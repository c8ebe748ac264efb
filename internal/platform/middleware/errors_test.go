package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apperr.Kind
		wantStore  string
	}{
		{"validation", apperr.Validation("gender is invalid"), http.StatusBadRequest, apperr.KindValidation, ""},
		{"rejection", apperr.Rejection(apperr.StoreExternal, "invalid phone"), http.StatusUnprocessableEntity, apperr.KindExternalRejection, "emr"},
		{"unavailable", apperr.Unavailable(apperr.StoreExternal, errors.New("timeout")), http.StatusServiceUnavailable, apperr.KindExternalUnavailable, "emr"},
		{"conflict", apperr.Conflict("stale"), http.StatusConflict, apperr.KindConflict, ""},
		{"collision", apperr.Collision(), http.StatusConflict, apperr.KindIdempotency, ""},
		{"both failed", apperr.BothFailed(map[string]string{"local": "failure"}), http.StatusBadGateway, apperr.KindDualWriteBothFailed, ""},
		{"not found", apperr.NotFound("patient", "P-2025-000404"), http.StatusNotFound, apperr.KindNotFound, ""},
		{"echo 404", echo.ErrNotFound, http.StatusNotFound, apperr.KindNotFound, ""},
		{"echo 401", echo.NewHTTPError(http.StatusUnauthorized, "invalid token"), http.StatusUnauthorized, "UNAUTHORIZED", ""},
		{"deadline", fmt.Errorf("load record: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, apperr.KindExternalUnavailable, ""},
		{"plain", errors.New("boom"), http.StatusInternalServerError, apperr.KindInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

			HTTPErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if body.ErrorCode != tt.wantCode {
				t.Errorf("expected error_code %s, got %s", tt.wantCode, body.ErrorCode)
			}
			if body.StatusCode != tt.wantStatus {
				t.Errorf("expected status_code %d, got %d", tt.wantStatus, body.StatusCode)
			}
			if body.Store != tt.wantStore {
				t.Errorf("expected store %q, got %q", tt.wantStore, body.Store)
			}
		})
	}
}

func TestHTTPErrorHandler_HidesInternalCause(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	HTTPErrorHandler(zerolog.Nop())(apperr.Internal(errors.New("pq: password authentication failed"), "load record"), c)

	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Error != "internal server error" {
		t.Errorf("internal cause leaked: %q", body.Error)
	}
}

func TestHTTPErrorHandler_CarriesDualWriteDetail(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	detail := map[string]string{"local": "failure", "emr": "failure"}
	HTTPErrorHandler(zerolog.Nop())(apperr.BothFailed(detail), c)

	var body struct {
		Detail map[string]string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Detail["emr"] != "failure" {
		t.Errorf("expected outcome detail, got %v", body.Detail)
	}
}
