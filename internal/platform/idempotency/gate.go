package idempotency

import (
	"context"
	"net/http"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordsync/internal/platform/apperr"
)

const (
	DefaultInFlightTTL = 2 * time.Minute
	DefaultResponseTTL = 5 * time.Minute
)

// Results reported to the Observer.
const (
	ResultMiss      = "miss"
	ResultReplay    = "replay"
	ResultCollision = "collision"
	ResultReleased  = "released"
)

// Fingerprint hashes (caller, key, path) into a store key.
func Fingerprint(caller, key, path string) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(caller))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	return cristalbase64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Response is a captured handler response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

func (r *Response) success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Handler performs the guarded side effect.
type Handler func(ctx context.Context) (*Response, error)

// Request identifies one guarded call.
type Request struct {
	Caller string
	Key    string
	Method string
	Path   string
}

// Observer is told the outcome of every guarded call.
type Observer interface {
	ObserveIdempotency(result string)
}

// Config configures a Gate.
type Config struct {
	InFlightTTL time.Duration
	ResponseTTL time.Duration
}

// Gate guarantees at most one executed handler per fingerprint within the
// response TTL.
type Gate struct {
	store    Store
	cfg      Config
	logger   zerolog.Logger
	observer Observer
	nowFunc  func() time.Time
}

// NewGate creates a Gate. observer may be nil.
func NewGate(store Store, cfg Config, logger zerolog.Logger, observer Observer) *Gate {
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = DefaultInFlightTTL
	}
	if cfg.ResponseTTL <= 0 {
		cfg.ResponseTTL = DefaultResponseTTL
	}
	return &Gate{store: store, cfg: cfg, logger: logger, observer: observer, nowFunc: time.Now}
}

func (g *Gate) observe(result string) {
	if g.observer != nil {
		g.observer.ObserveIdempotency(result)
	}
}

// Guard runs h at most once per (caller, key, path). A request without a key
// runs h directly. A duplicate that arrives while the first is running gets
// an IDEMPOTENCY_COLLISION error; one that arrives after a 2xx completion
// gets the cached response with replayed set. A failed handler (error or
// non-2xx) releases the slot so the client may retry with the same key.
func (g *Gate) Guard(ctx context.Context, req Request, h Handler) (resp *Response, replayed bool, err error) {
	if req.Key == "" {
		resp, err = h(ctx)
		return resp, false, err
	}
	fp := Fingerprint(req.Caller, req.Key, req.Path)

	// A marker can expire between SetNX and Get; one more attempt covers it.
	for attempt := 0; attempt < 2; attempt++ {
		marker := &Entry{State: StateInFlight, Owner: uuid.NewString(), Method: req.Method, Path: req.Path, CreatedAt: g.nowFunc().UTC()}
		acquired, err := g.store.SetNX(ctx, fp, marker, g.cfg.InFlightTTL)
		if err != nil {
			return nil, false, apperr.Unavailable("idempotency", err)
		}
		if acquired {
			g.observe(ResultMiss)
			resp, err := g.run(ctx, fp, marker.Owner, req, h)
			return resp, false, err
		}

		cur, ok, err := g.store.Get(ctx, fp)
		if err != nil {
			return nil, false, apperr.Unavailable("idempotency", err)
		}
		if !ok {
			continue
		}
		if cur.Method != "" && req.Method != "" && cur.Method != req.Method {
			return nil, false, apperr.Validation("idempotency key was already used for a different operation")
		}
		if cur.State == StateDone {
			g.observe(ResultReplay)
			return &Response{StatusCode: cur.StatusCode, Headers: cur.Headers, Body: cur.Body}, true, nil
		}
		break
	}
	g.observe(ResultCollision)
	g.logger.Info().Str("caller", req.Caller).Str("path", req.Path).Msg("duplicate request while original is in flight")
	return nil, false, apperr.Collision()
}

func (g *Gate) run(ctx context.Context, fp, owner string, req Request, h Handler) (resp *Response, err error) {
	completed := false
	defer func() {
		if completed {
			return
		}
		// Release on error, non-2xx and panic alike. The caller's context may
		// already be done, so the release gets its own. A marker that expired
		// and was taken over by a retry belongs to that retry and is kept.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		released, derr := g.store.Release(dctx, fp, owner)
		if derr != nil {
			g.logger.Error().Err(derr).Str("path", req.Path).Msg("failed to release idempotency slot")
			return
		}
		if !released {
			g.logger.Warn().Str("path", req.Path).Msg("idempotency slot was taken over after its marker expired")
			return
		}
		g.observe(ResultReleased)
	}()

	resp, err = h(ctx)
	if err != nil || !resp.success() {
		return resp, err
	}

	done := &Entry{
		State:      StateDone,
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		CreatedAt:  g.nowFunc().UTC(),
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := g.store.Set(sctx, fp, done, g.cfg.ResponseTTL); serr != nil {
		// The side effect happened; report it and let the marker be released.
		g.logger.Error().Err(serr).Str("path", req.Path).Msg("failed to cache idempotent response")
		return resp, nil
	}
	completed = true
	return resp, nil
}
