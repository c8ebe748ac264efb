package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string      `json:"error"`
	ErrorCode  apperr.Kind `json:"error_code"`
	StatusCode int         `json:"status_code"`
	Store      string      `json:"store,omitempty"`
	Detail     interface{} `json:"detail,omitempty"`
}

// codeForStatus labels echo errors that never passed through apperr.
func codeForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return apperr.KindValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperr.KindNotFound
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusGatewayTimeout, http.StatusServiceUnavailable:
		return apperr.KindExternalUnavailable
	}
	return apperr.KindInternal
}

// Body converts err into the response body.
func Body(err error) ErrorBody {
	if ae, ok := apperr.As(err); ok {
		b := ErrorBody{
			Error:      ae.Message,
			ErrorCode:  ae.Kind,
			StatusCode: ae.HTTPStatus(),
			Store:      ae.Store,
			Detail:     ae.Detail,
		}
		if ae.Kind == apperr.KindExternalUnavailable && ae.Err != nil {
			b.Error = ae.Error()
		}
		if ae.Kind == apperr.KindInternal {
			b.Error = "internal server error"
		}
		return b
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return ErrorBody{Error: msg, ErrorCode: codeForStatus(he.Code), StatusCode: he.Code}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorBody{Error: "request processing exceeded the allowed time limit", ErrorCode: codeForStatus(http.StatusGatewayTimeout), StatusCode: http.StatusGatewayTimeout}
	}
	return ErrorBody{Error: "internal server error", ErrorCode: apperr.KindInternal, StatusCode: http.StatusInternalServerError}
}

// HTTPErrorHandler renders errors as ErrorBody. Internal errors are logged
// with the request id; their cause is never sent to the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		body := Body(err)
		if body.StatusCode >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Str("error_code", string(body.ErrorCode)).Msg("request failed")
		}
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(body.StatusCode)
		} else {
			werr = c.JSON(body.StatusCode, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}
