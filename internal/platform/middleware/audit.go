package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/auth"
	"github.com/ehr/recordsync/internal/platform/events"
	"github.com/ehr/recordsync/internal/platform/record"
)

const apiPrefix = "/api/v1/"

// collections maps API collection names to record kinds.
var collections = map[string]record.Kind{
	"patients":   record.KindPatient,
	"encounters": record.KindEncounter,
	"orders":     record.KindOrder,
}

// AccessAudit logs every clinical API access as a phi_access line and emits
// an audit event for successful reads. Mutations are audited by the services
// that perform them, so only GETs reach the emitter.
func AccessAudit(logger zerolog.Logger, emitter events.Emitter) echo.MiddlewareFunc {
	if emitter == nil {
		emitter = events.Discard
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if ae, ok := apperr.As(err); ok {
					status = ae.HTTPStatus()
				}
			}
			kind, id := resourceFromPath(path)
			actor := auth.UserIDFromContext(req.Context())
			action := methodToAction(req.Method, id)
			requestID, _ := c.Get("request_id").(string)

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", requestID).
				Str("user_id", actor).
				Strs("user_roles", auth.RolesFromContext(req.Context())).
				Str("kind", string(kind)).
				Str("entity_id", id).
				Str("action", action).
				Str("method", req.Method).
				Str("path", path).
				Str("remote_ip", c.RealIP()).
				Int("status", status).
				Msg("phi_access")

			if req.Method == http.MethodGet && err == nil && status/100 == 2 && kind != "" {
				summary := req.Method + " " + path
				if q := req.URL.RawQuery; q != "" {
					summary += "?" + q
				}
				emitter.Emit(events.Audit(actor, action, kind, id, summary, nil, nil))
			}
			return err
		}
	}
}

func methodToAction(method, id string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		if id == "" {
			return "search"
		}
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath parses /api/v1/<collection>[/<id>[/...]].
func resourceFromPath(path string) (record.Kind, string) {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	kind, ok := collections[segments[0]]
	if !ok {
		return "", ""
	}
	if len(segments) > 1 {
		return kind, segments[1]
	}
	return kind, ""
}
