package emr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

const fhirContentType = "application/fhir+json"

// DefaultTimeout bounds every EMR round trip.
const DefaultTimeout = 10 * time.Second

// FHIRClient is an Adapter for a FHIR R4 REST endpoint.
type FHIRClient struct {
	baseURL  string
	token    string
	http     *http.Client
	logger   zerolog.Logger
	observer Observer
}

// FHIRConfig configures a FHIRClient.
type FHIRConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewFHIRClient creates a client. observer may be nil.
func NewFHIRClient(cfg FHIRConfig, logger zerolog.Logger, observer Observer) *FHIRClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FHIRClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		observer: observer,
	}
}

func (c *FHIRClient) Create(ctx context.Context, kind record.Kind, localID string, res Resource) (ref string, err error) {
	defer c.observe("create", time.Now(), &err)

	rt, ok := ResourceType(kind)
	if !ok {
		return "", rejectUnknownKind(kind)
	}
	body, err := gjson.Marshal(WithIdentifier(res, rt, localID))
	if err != nil {
		return "", apperr.Internal(err, "encode %s", rt)
	}

	resp, data, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+rt, body)
	if err != nil {
		return "", err
	}
	if err := classify(resp, data); err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	_ = gjson.Unmarshal(data, &created)
	if created.ID == "" {
		created.ID = refFromLocation(resp.Header.Get("Location"), rt)
	}
	if created.ID == "" {
		return "", apperr.Unavailable(apperr.StoreExternal, fmt.Errorf("create %s: response carried no resource id", rt))
	}
	return created.ID, nil
}

func (c *FHIRClient) Update(ctx context.Context, kind record.Kind, ref string, changes Changes) (err error) {
	defer c.observe("update", time.Now(), &err)

	rt, ok := ResourceType(kind)
	if !ok {
		return rejectUnknownKind(kind)
	}
	for field := range changes {
		if !supports(rt, field) {
			return apperr.Validation("field %q of %s is not owned by the EMR", field, rt)
		}
	}

	url := c.baseURL + "/" + rt + "/" + ref
	resp, data, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return apperr.Rejection(apperr.StoreExternal, fmt.Sprintf("%s %s not found", rt, ref))
	}
	if err := classify(resp, data); err != nil {
		return err
	}

	var current Resource
	if err := gjson.Unmarshal(data, &current); err != nil {
		return apperr.Unavailable(apperr.StoreExternal, fmt.Errorf("decode %s/%s: %w", rt, ref, err))
	}
	body, err := gjson.Marshal(MergePatient(current, changes))
	if err != nil {
		return apperr.Internal(err, "encode %s", rt)
	}

	resp, data, err = c.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	return classify(resp, data)
}

func (c *FHIRClient) Health(ctx context.Context) (err error) {
	defer c.observe("health", time.Now(), &err)
	resp, data, err := c.do(ctx, http.MethodGet, c.baseURL+"/metadata", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return apperr.Unavailable(apperr.StoreExternal, fmt.Errorf("metadata returned %d: %s", resp.StatusCode, truncate(data)))
	}
	return nil
}

// do performs one request. A temporary DNS failure means nothing reached the
// server, so it is retried once.
func (c *FHIRClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, nil, apperr.Internal(err, "build %s %s", method, url)
		}
		req.Header.Set("Accept", fhirContentType)
		if body != nil {
			req.Header.Set("Content-Type", fhirContentType)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err == nil {
			data, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			if rerr != nil {
				return nil, nil, apperr.Unavailable(apperr.StoreExternal, fmt.Errorf("read response: %w", rerr))
			}
			return resp, data, nil
		}

		lastErr = err
		var dnsErr *net.DNSError
		if attempt == 1 && errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) && ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("method", method).Str("url", url).Msg("emr dns lookup failed, retrying once")
			continue
		}
		break
	}
	c.logger.Error().Err(lastErr).Str("method", method).Str("url", url).Msg("emr request failed")
	return nil, nil, apperr.Unavailable(apperr.StoreExternal, lastErr)
}

func (c *FHIRClient) observe(op string, start time.Time, err *error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveEMRCall(op, apperr.KindOf(*err), time.Since(start))
}

// classify maps a response onto the error taxonomy. Client errors that
// describe the payload are rejections; everything else is unavailability.
func classify(resp *http.Response, body []byte) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusConflict,
		code == http.StatusPreconditionFailed, code == http.StatusUnprocessableEntity:
		return apperr.Rejection(apperr.StoreExternal, diagnostics(body, code))
	default:
		return apperr.Unavailable(apperr.StoreExternal, fmt.Errorf("status %d: %s", code, truncate(body)))
	}
}

type operationOutcome struct {
	ResourceType string `json:"resourceType"`
	Issue        []struct {
		Severity    string `json:"severity"`
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics"`
	} `json:"issue"`
	Error string `json:"error"`
}

// diagnostics extracts a human-readable reason from an OperationOutcome.
func diagnostics(body []byte, code int) string {
	var oo operationOutcome
	if err := gjson.Unmarshal(body, &oo); err == nil {
		if oo.ResourceType == "OperationOutcome" && len(oo.Issue) > 0 {
			if d := oo.Issue[0].Diagnostics; d != "" {
				return d
			}
			return "validation failed"
		}
		if oo.Error != "" {
			return oo.Error
		}
	}
	if s := truncate(body); s != "" {
		return s
	}
	return fmt.Sprintf("HTTP %d", code)
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

// refFromLocation extracts the logical id from ".../<Type>/<id>/_history/<v>".
func refFromLocation(loc, resourceType string) string {
	i := strings.Index(loc, resourceType+"/")
	if i < 0 {
		return ""
	}
	rest := loc[i+len(resourceType)+1:]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
