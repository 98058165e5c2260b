// Package routerapi implements the router's HTTP surface (spec.md §6):
// key-to-shard routing and a reverse-proxying /kv endpoint that
// forwards to the owning shard.
package routerapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/devrev/kvring/internal/apierrors"
	"github.com/devrev/kvring/internal/hashring"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server proxies /kv traffic to the shard selected by the hash ring.
type Server struct {
	ring       *hashring.Ring
	shards     []string
	vnodes     int
	client     *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	limiter    *rate.Limiter
	forwardTimeout time.Duration
}

// Config configures a router Server.
type Config struct {
	Shards         []string
	VNodes         int
	Client         *http.Client
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Registry       *prometheus.Registry
	RateLimit      rate.Limit // requests/sec, 0 disables limiting
	RateBurst      int
	ForwardTimeout time.Duration
}

// New builds a router Server from cfg.
func New(cfg Config) *Server {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	forwardTimeout := cfg.ForwardTimeout
	if forwardTimeout <= 0 {
		forwardTimeout = 3 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst <= 0 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	return &Server{
		ring:           hashring.Build(cfg.Shards, cfg.VNodes),
		shards:         cfg.Shards,
		vnodes:         cfg.VNodes,
		client:         client,
		logger:         logger,
		metrics:        cfg.Metrics,
		registry:       cfg.Registry,
		limiter:        limiter,
		forwardTimeout: forwardTimeout,
	}
}

// Routes builds the mux.Router exposing the router's HTTP surface.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/route", s.handleRoute).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(s.registry)).Methods(http.MethodGet)
	r.HandleFunc("/kv", s.rateLimited(s.handleKV))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		apierrors.Write(w, s.logger, http.StatusNotFound, apierrors.CodeNotFoundPath, "not found")
	})
	return r
}

// rateLimited applies the router's request-rate limit, present here
// only — a shard's own fan-out-bounded write path has no comparable
// unbounded client-facing surface to protect (SPEC_FULL.md §[DOMAIN]
// HTTP plumbing).
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			apierrors.Write(w, s.logger, http.StatusTooManyRequests, apierrors.CodeRateLimited, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"shards": s.shards,
		"vnodes": s.vnodes,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		apierrors.Write(w, s.logger, http.StatusBadRequest, apierrors.CodeMissingKey, "missing key parameter")
		return
	}
	shard := s.ring.Pick(key)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"shard": shard,
	})
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		apierrors.Write(w, s.logger, http.StatusBadRequest, apierrors.CodeMissingKey, "missing key parameter")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPut && r.Method != http.MethodDelete {
		apierrors.Write(w, s.logger, http.StatusMethodNotAllowed, apierrors.CodeMethodNotAllowed, "method not allowed")
		return
	}

	shard := s.ring.Pick(key)
	s.proxy(w, r, shard, key)
}

// proxy forwards the request to the owning shard, preserving the
// original Content-Type header verbatim (REDESIGN FLAG: the teacher's
// api-gateway rewrites content types through a fixed proto mapping;
// this router passes it through unchanged so JSON vs. raw-string
// storage decisions stay entirely the shard's concern).
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, shard, key string) {
	var body io.Reader
	if r.Method == http.MethodPut {
		body = r.Body
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.forwardTimeout)
	defer cancel()

	u, err := url.Parse(shard)
	if err != nil {
		apierrors.Write(w, s.logger, http.StatusInternalServerError, apierrors.CodeInternal, "failed to build proxy request")
		return
	}
	u.Path = "/kv"
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		apierrors.Write(w, s.logger, http.StatusInternalServerError, apierrors.CodeInternal, "failed to build proxy request")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("routerapi: proxy request failed", zap.String("shard", shard), zap.Error(err))
		apierrors.Write(w, s.logger, http.StatusBadGateway, apierrors.CodeUpstream, "shard unreachable")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		apierrors.Write(w, s.logger, http.StatusBadGateway, apierrors.CodeUpstream, "failed to read shard response")
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
