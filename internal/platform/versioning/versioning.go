// Package versioning maps record versions onto HTTP validators: weak ETags
// on reads and If-Match preconditions on writes.
package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, version int, updatedAt time.Time) {
	if version < 1 {
		return
	}
	c.Response().Header().Set("ETag", FormatETag(version))
	if !updatedAt.IsZero() {
		c.Response().Header().Set("Last-Modified", updatedAt.UTC().Format(http.TimeFormat))
	}
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ExpectedVersion resolves the version a mutating request was based on. The
// If-Match header wins over bodyVersion; a request carrying neither is
// rejected, since unconditional updates would bypass the concurrency guard.
func ExpectedVersion(c echo.Context, bodyVersion int) (int, error) {
	if h := c.Request().Header.Get("If-Match"); h != "" {
		v, err := ParseETag(h)
		if err != nil {
			return 0, apperr.Validation("invalid If-Match header: %v", err)
		}
		if bodyVersion > 0 && bodyVersion != v {
			return 0, apperr.Validation("If-Match version %d disagrees with body version %d", v, bodyVersion)
		}
		return v, nil
	}
	if bodyVersion < 1 {
		return 0, apperr.Validation("the current version is required (If-Match header or \"version\" field)")
	}
	return bodyVersion, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, version int) bool {
	h := c.Request().Header.Get("If-None-Match")
	if h == "" {
		return false
	}
	v, err := ParseETag(h)
	if err != nil {
		return false
	}
	return v == version
}
