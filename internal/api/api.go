// Package api serves jump hash lookups and pool placement over HTTP/JSON.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/internal/pool"
	"github.com/arencloud/nservers/internal/telemetry"
	"github.com/arencloud/nservers/pkg/jump"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JumpObserver is told about every batch of raw jump evaluations.
type JumpObserver interface {
	ObserveJump(numBuckets int32, n int)
}

type Handler struct {
	log      *slog.Logger
	pool     *pool.Pool
	obs      JumpObserver
	limiter  *rate.Limiter
	bodyCap  int64
	maxBatch int
	mux      *http.ServeMux

	draining atomic.Bool
}

func New(log *slog.Logger, cfg *config.Config, p *pool.Pool, obs JumpObserver) *Handler {
	h := &Handler{
		log:      log.With("component", "api"),
		pool:     p,
		obs:      obs,
		bodyCap:  1 << 20,
		maxBatch: cfg.API.MaxBatchKeys,
		mux:      http.NewServeMux(),
	}
	if h.maxBatch <= 0 {
		h.maxBatch = 10000
	}
	if l := cfg.API.Limits; l != nil {
		if l.RPS > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(l.RPS), max(l.Burst, 1))
		}
		if l.BodyBytesCap > 0 {
			h.bodyCap = l.BodyBytesCap
		}
	}
	h.mux.HandleFunc("GET /v1/jump", h.handleJump)
	h.mux.HandleFunc("POST /v1/jump", h.handleJumpBatch)
	h.mux.HandleFunc("GET /v1/locate", h.handleLocate)
	h.mux.HandleFunc("GET /v1/servers", h.handleServers)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return h
}

func (h *Handler) SetDraining(on bool) { h.draining.Store(on) }

func (h *Handler) IsDraining() bool { return h.draining.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		w.Header().Set("Connection", "close")
		writeError(w, http.StatusServiceUnavailable, "server is draining")
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyCap)
	h.mux.ServeHTTP(w, r)
}

type jumpResponse struct {
	Key     uint64 `json:"key"`
	Buckets int32  `json:"buckets"`
	Bucket  int64  `json:"bucket"`
}

func (h *Handler) handleJump(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "jump")
	defer span.End()

	q := r.URL.Query()
	key, err := parseKey(q.Get("key"))
	if err != nil {
		telemetry.LookupError(ctx, "jump", "bad_key")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buckets, err := parseBuckets(q.Get("buckets"))
	if err != nil {
		telemetry.LookupError(ctx, "jump", "bad_buckets")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := jump.Hash(key, buckets)
	span.SetAttributes(attribute.Int("nservers.buckets", int(buckets)), attribute.Int64("nservers.bucket", b))
	telemetry.Lookup(ctx, "jump", 1)
	if h.obs != nil {
		h.obs.ObserveJump(buckets, 1)
	}
	writeJSON(w, http.StatusOK, jumpResponse{Key: key, Buckets: buckets, Bucket: b})
}

type batchRequest struct {
	Keys    []uint64 `json:"keys"`
	Buckets *int64   `json:"buckets"`
}

type batchResponse struct {
	Buckets int32   `json:"buckets"`
	Results []int64 `json:"results"`
}

func (h *Handler) handleJumpBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "jump.batch")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		telemetry.LookupError(ctx, "jump", "bad_body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		telemetry.LookupError(ctx, "jump", "bad_body")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Buckets == nil {
		writeError(w, http.StatusBadRequest, "buckets is required")
		return
	}
	buckets, err := checkBuckets(*req.Buckets)
	if err != nil {
		telemetry.LookupError(ctx, "jump", "bad_buckets")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Keys) > h.maxBatch {
		telemetry.LookupError(ctx, "jump", "batch_too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "too many keys, max "+strconv.Itoa(h.maxBatch))
		return
	}

	out := batchResponse{Buckets: buckets, Results: make([]int64, len(req.Keys))}
	for i, k := range req.Keys {
		out.Results[i] = jump.Hash(k, buckets)
	}
	span.SetAttributes(attribute.Int("nservers.keys", len(req.Keys)), attribute.Int("nservers.buckets", int(buckets)))
	telemetry.Lookup(ctx, "jump", len(req.Keys))
	if h.obs != nil {
		h.obs.ObserveJump(buckets, len(req.Keys))
	}
	writeJSON(w, http.StatusOK, out)
}

type locateResponse struct {
	Key      string          `json:"key"`
	Server   config.Server   `json:"server"`
	Replicas []config.Server `json:"replicas,omitempty"`
}

func (h *Handler) handleLocate(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "locate")
	defer span.End()

	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		telemetry.LookupError(ctx, "locate", "bad_key")
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	n := h.pool.DefaultReplicas()
	if s := q.Get("replicas"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			telemetry.LookupError(ctx, "locate", "bad_replicas")
			writeError(w, http.StatusBadRequest, "replicas must be a positive integer")
			return
		}
		n = v
	}

	servers, err := h.pool.LocateN(key, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, pool.ErrNoServers):
			telemetry.LookupError(ctx, "locate", "no_servers")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, jump.ErrTooManyReplicas):
			telemetry.LookupError(ctx, "locate", "too_many_replicas")
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("locate failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	telemetry.Lookup(ctx, "locate", 1)
	span.SetAttributes(attribute.String("nservers.server", servers[0].Name))
	resp := locateResponse{Key: key, Server: servers[0]}
	if len(servers) > 1 {
		resp.Replicas = servers
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": h.pool.Status()})
}

// parseKey accepts a decimal or 0x-prefixed hexadecimal uint64.
func parseKey(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("key is required")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, errors.New("key must be an unsigned 64-bit integer")
	}
	return v, nil
}

func parseBuckets(s string) (int32, error) {
	if strings.TrimSpace(s) == "" {
		return 0, errors.New("buckets is required")
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.New("buckets must be an integer")
	}
	return checkBuckets(v)
}

// checkBuckets admits [0, MaxInt32]. Zero is allowed and yields the -1 sentinel.
func checkBuckets(v int64) (int32, error) {
	if v < 0 {
		return 0, errors.New("buckets must not be negative")
	}
	if v > 1<<31-1 {
		return 0, errors.New("buckets exceeds the 32-bit range")
	}
	return int32(v), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
