package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// errRequestTimeout is returned when the request deadline passes before the
// handler produced a response.
var errRequestTimeout = echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")

// RequestTimeout sets a deadline on the request context. The handler runs on
// the calling goroutine and always finishes before the middleware returns, so
// wrapping middleware (the idempotency recorder in particular) never sees a
// response written behind its back. A handler that gives up on the deadline,
// or returns without responding after it, yields a 504 error value for the
// error handler to render. A response already written stands.
// The deadline also bounds the EMR call made by the coordinators, so a
// timed-out write-through never reaches the local store.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			if err == nil || errors.Is(err, context.DeadlineExceeded) {
				return errRequestTimeout
			}
			return err
		}
	}
}
