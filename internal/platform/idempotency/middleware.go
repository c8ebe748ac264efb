package idempotency

import (
	"bytes"
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Header names.
const (
	HeaderKey       = "Idempotency-Key"
	HeaderLegacyKey = "X-Idempotency-Key"
	HeaderReplayed  = "X-Idempotency-Replayed"
)

// CallerFunc extracts the caller identity that scopes idempotency keys.
type CallerFunc func(c echo.Context) string

// Middleware guards POST, PUT, PATCH and DELETE requests carrying an
// Idempotency-Key (or legacy X-Idempotency-Key) header.
func Middleware(g *Gate, caller CallerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			switch req.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return next(c)
			}
			key := req.Header.Get(HeaderKey)
			if key == "" {
				key = req.Header.Get(HeaderLegacyKey)
			}
			if key == "" {
				return next(c)
			}

			who := ""
			if caller != nil {
				who = caller(c)
			}
			origWriter := c.Response().Writer

			resp, replayed, err := g.Guard(req.Context(), Request{
				Caller: who,
				Key:    key,
				Method: req.Method,
				Path:   req.URL.Path,
			}, func(context.Context) (*Response, error) {
				rec := &recorder{ResponseWriter: origWriter, body: &bytes.Buffer{}, statusCode: http.StatusOK, headers: make(http.Header)}
				c.Response().Writer = rec
				defer func() { c.Response().Writer = origWriter }()
				herr := next(c)
				if herr != nil {
					// Anything buffered is discarded; the error handler must
					// still be able to respond.
					c.Response().Committed = false
					return nil, herr
				}
				return &Response{StatusCode: rec.statusCode, Headers: rec.headers, Body: rec.body.Bytes()}, nil
			})
			if err != nil {
				return err
			}
			if replayed {
				origWriter.Header().Set(HeaderReplayed, "true")
			}
			return writeResponse(c.Response(), origWriter, resp)
		}
	}
}

// writeResponse sends resp on the underlying writer. The handler already
// marked the echo response committed, so it is bypassed and only its
// bookkeeping is updated for the logging and metrics middleware.
func writeResponse(er *echo.Response, w http.ResponseWriter, resp *Response) error {
	for k, vals := range resp.Headers {
		w.Header().Del(k)
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, err := w.Write(resp.Body)
	er.Status = resp.StatusCode
	er.Size = int64(n)
	er.Committed = true
	return err
}

// recorder buffers the status, headers and body written by the handler.
type recorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *recorder) Header() http.Header { return r.headers }

func (r *recorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
