// Package ratelimithttp exposes the limiter over HTTP: a JSON check
// endpoint and a middleware that limits any handler per client.
package ratelimithttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ratelimitd/internal/httpmw"
	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/ratelimit"
)

// maxKeyLen bounds path keys, the prefixed key becomes a storage key
const maxKeyLen = 512

// Limiter is the part of *ratelimit.Client the handlers call
type Limiter interface {
	CheckLimit(ctx context.Context, key string, max, windowMs int64) (ratelimit.Result, error)
	Limits() (maxRequests, windowMs int64)
}

type Metrics interface {
	IncRateLimitDenied()
}

type nopMetrics struct{}

func (nopMetrics) IncRateLimitDenied() {}

// checkRequest fields are optional, zero falls back to the current policy
type checkRequest struct {
	Max      int64 `json:"max"`
	WindowMs int64 `json:"window_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type API struct {
	limiter Limiter
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
}

func NewAPI(limiter Limiter, logger log.Logger, m Metrics) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &API{limiter: limiter, logger: logger, metrics: m, now: time.Now}
}

// RegisterRoutes mounts POST /api/v1/limits/{key}
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("limits.check")).Post("/api/v1/limits/{key}", api.handleCheck)
}

// RegisterPolicyRoutes mounts GET /api/v1/policy. It is public and read
// only, so main puts it behind the per-client middleware.
func (api *API) RegisterPolicyRoutes(r chi.Router) {
	r.With(httpmw.Scope("policy.get")).Get("/api/v1/policy", api.handlePolicy)
}

type policyResponse struct {
	MaxRequests int64 `json:"max_requests"`
	WindowMs    int64 `json:"window_ms"`
}

func (api *API) handlePolicy(w http.ResponseWriter, r *http.Request) {
	max, windowMs := api.limiter.Limits()
	api.writeJSON(r.Context(), w, http.StatusOK, policyResponse{MaxRequests: max, WindowMs: windowMs})
}

func (api *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if len(key) > maxKeyLen {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "key too long"})
		return
	}

	var req checkRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	defMax, defWindow := api.limiter.Limits()
	if req.Max == 0 {
		req.Max = defMax
	}
	if req.WindowMs == 0 {
		req.WindowMs = defWindow
	}

	res, err := api.limiter.CheckLimit(ctx, key, req.Max, req.WindowMs)
	if err != nil {
		if errors.Is(err, ratelimit.ErrInvalidRequest) {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		log.FromContext(ctx).Error(ctx, err, "rate limit check failed", "key", key)
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "rate limiter unavailable"})
		return
	}

	setLimitHeaders(w.Header(), res, api.now())
	status := http.StatusOK
	if !res.Success {
		api.metrics.IncRateLimitDenied()
		status = http.StatusTooManyRequests
	}
	api.writeJSON(ctx, w, status, res)
}

// decodeOptional accepts an empty body
func decodeOptional(body io.Reader, v any) error {
	if body == nil {
		return nil
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// setLimitHeaders writes X-RateLimit-* with reset in epoch seconds, plus
// Retry-After on denial
func setLimitHeaders(h http.Header, res ratelimit.Result, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt((res.Reset+999)/1000, 10))
	if !res.Success {
		h.Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter(now)/time.Second), 10))
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
