// Package server exposes the render service over HTTP: job submission,
// stats and health endpoints, administrative actions and a websocket feed
// of observable events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/breaker"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/config"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/fingerprint"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/orchestrator"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/pool"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/render"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg       config.ServerConfig
	svc       *orchestrator.Service
	hub       *Hub
	mux       *http.ServeMux
	server    *http.Server
	limiter   *rate.Limiter
	startedAt time.Time
}

// NewServer wires the routes. hub may be nil to disable the event feed.
func NewServer(cfg config.ServerConfig, svc *orchestrator.Service, hub *Hub) *Server {
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		hub:       hub,
		mux:       http.NewServeMux(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.IngressRPS), cfg.IngressBurst),
		startedAt: time.Now(),
	}

	s.mux.HandleFunc("/v1/jobs", s.handleJobs)
	s.mux.HandleFunc("/v1/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/v1/health", s.handleHealth)
	s.mux.HandleFunc("/v1/stats/pool", s.handlePoolStats)
	s.mux.HandleFunc("/v1/stats/queue", s.handleQueueStats)
	s.mux.HandleFunc("/v1/stats/cache", s.handleCacheStats)
	s.mux.HandleFunc("/v1/stats/ratelimit", s.handleRateLimitStats)
	s.mux.HandleFunc("/v1/stats/telemetry", s.handleTelemetry)
	s.mux.HandleFunc("/v1/admin/workers/recycle", s.handleRecycleWorkers)
	s.mux.HandleFunc("/v1/admin/cache/clean", s.handleCleanCache)
	s.mux.HandleFunc("/v1/admin/cache/purge", s.handlePurgeCache)
	s.mux.HandleFunc("/v1/admin/ratelimit/reset", s.handleResetLimits)
	if hub != nil {
		s.mux.HandleFunc("/v1/events", hub.handleSubscribe)
	}

	return s
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.middleware(s.mux),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// middleware applies the ingress rate limit and request logging.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[Server] %s %s from %s (%s)",
			r.Method, r.URL.Path, r.RemoteAddr, time.Since(start).Round(time.Millisecond))
	})
}

// submitRequest is the POST /v1/jobs body.
type submitRequest struct {
	Identity  string            `json:"identity"`
	Operation string            `json:"operation"`
	Source    string            `json:"source"`
	Params    map[string]string `json:"params"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"jobs": s.svc.RecentJobs(50)})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Identity == "" {
		// Fall back to the caller's address so anonymous clients still get
		// per-source limiting.
		req.Identity = r.RemoteAddr
	}

	job, err := s.svc.Submit(r.Context(), orchestrator.Request{
		Identity:  req.Identity,
		Operation: req.Operation,
		Source:    req.Source,
		Params:    req.Params,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeSubmitError maps pipeline errors to HTTP statuses.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var rle *orchestrator.RateLimitError
	switch {
	case errors.As(err, &rle):
		seconds := int(rle.RetryAfter.Seconds() + 0.5)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		msg := "rate limit exceeded"
		if rle.Banned {
			msg = "identity temporarily banned"
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               msg,
			"retry_after_seconds": seconds,
		})
	case errors.Is(err, orchestrator.ErrAlreadyInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "identical request already in progress"})
	case errors.Is(err, pool.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render queue full, try again later"})
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render workers unavailable, try again later"})
	case errors.Is(err, orchestrator.ErrShutdown), errors.Is(err, pool.ErrPoolClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service shutting down"})
	case errors.Is(err, fingerprint.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, render.ErrShaderInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		// Internal details (tool stderr, paths) stay in the logs; the
		// caller only learns that the job failed.
		log.Printf("[Server] job failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/v1/jobs/"):]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id required"})
		return
	}
	job, ok := s.svc.JobByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"breaker":        s.svc.BreakerState().String(),
		"goroutines":     runtime.NumGoroutine(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_used_percent"] = vm.UsedPercent
	}
	if s.svc.BreakerState() != breaker.Closed {
		resp["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.PoolStats())
}

// queueStats is the waiting-line view of the pool snapshot.
type queueStats struct {
	QueueLength        int     `json:"queue_length"`
	Processing         int     `json:"processing"`
	QueueCapacity      int     `json:"queue_capacity"`
	AvgWaitTimeSeconds float64 `json:"avg_wait_time_seconds"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ps := s.svc.PoolStats()
	writeJSON(w, http.StatusOK, queueStats{
		QueueLength:        ps.WaitingCount,
		Processing:         ps.ActiveCount,
		QueueCapacity:      ps.QueueCapacity,
		AvgWaitTimeSeconds: ps.AvgWaitSeconds,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.AdmissionStats())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(0)
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window"})
			return
		}
		window = d
	}

	reports := map[string]any{}
	for _, name := range s.svc.TelemetryCategories() {
		reports[name] = s.svc.TelemetryReport(name, window)
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleRecycleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	n := s.svc.RecycleWorkers()
	writeJSON(w, http.StatusOK, map[string]int{"recycled": n})
}

func (s *Server) handleCleanCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	n := s.svc.CleanCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	fp := r.URL.Query().Get("fingerprint")
	if fp == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fingerprint required"})
		return
	}
	purged := s.svc.PurgeCacheEntry(r.Context(), fp)
	writeJSON(w, http.StatusOK, map[string]bool{"purged": purged})
}

func (s *Server) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identity required"})
		return
	}
	op := r.URL.Query().Get("operation")
	s.svc.ResetLimits(identity, op)
	writeJSON(w, http.StatusOK, map[string]string{"reset": identity, "operation": op})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
