// Package orchestrator runs the render pipeline: fingerprint, cache
// lookup, duplicate suppression, admission, worker execution behind the
// circuit breaker, cache write-back and telemetry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/accounts"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/admission"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/breaker"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/cache"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/config"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/dedup"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/fingerprint"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/pool"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/render"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/telemetry"
)

var (
	// ErrAlreadyInProgress is returned when an identical request is
	// already executing (or just finished, within the grace delay).
	ErrAlreadyInProgress = errors.New("orchestrator: identical request already in progress")

	// ErrShutdown is returned once the service is draining.
	ErrShutdown = errors.New("orchestrator: shutting down")
)

// RateLimitError is returned when admission denies a request.
type RateLimitError struct {
	RetryAfter time.Duration
	Banned     bool
}

func (e *RateLimitError) Error() string {
	if e.Banned {
		return fmt.Sprintf("rate limited: identity banned for %s", e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// JobStatus is a job's terminal (or current) state.
type JobStatus string

const (
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusTimeout   JobStatus = "timeout"
)

// Job is the externally visible record of one submission.
type Job struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Identity    string    `json:"identity"`
	Operation   string    `json:"operation"`
	Status      JobStatus `json:"status"`
	CacheHit    bool      `json:"cache_hit"`
	Location    string    `json:"location,omitempty"`
	Error       string    `json:"error,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Request is one submission.
type Request struct {
	Identity  string
	Operation string
	Source    string
	Params    map[string]string
}

// Event is an observable service event pushed to subscribers (breaker
// transitions, slow operations, job completions).
type Event struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// HistoryStore records finished jobs. Satisfied by *accounts.Store.
type HistoryStore interface {
	InsertHistory(accounts.HistoryRecord) error
}

// Deps are the externally constructed collaborators. Artifacts is
// required; the rest may be nil (nil Renderer makes every render fail,
// useful only in tests that never reach execution).
type Deps struct {
	Renderer  render.Renderer
	Artifacts cache.ArtifactStore
	Durable   *cache.RedisTier
	Bans      admission.BanStore
	History   HistoryStore
}

// Option configures a Service.
type Option func(*Service)

// WithEventSink registers a subscriber for observable events. The sink
// runs on the caller's goroutine and must not block.
func WithEventSink(fn func(Event)) Option {
	return func(s *Service) { s.eventSink = fn }
}

// recentJobsKept bounds the in-memory job registry.
const recentJobsKept = 200

// Service owns the pipeline components and the background sweeps.
type Service struct {
	cfg      *config.Config
	renderer render.Renderer
	history  HistoryStore

	cache     *cache.Cache
	admission *admission.Controller
	dedup     *dedup.Table
	pool      *pool.Pool
	breaker   *breaker.Breaker
	telemetry *telemetry.Recorder

	eventSink func(Event)

	mu       sync.Mutex
	jobs     map[string]*Job
	jobOrder []string
	draining bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the pipeline from configuration and collaborators.
func New(cfg *config.Config, deps Deps, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		renderer: deps.Renderer,
		history:  deps.History,
		jobs:     make(map[string]*Job),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	cacheOpts := []cache.Option{}
	if deps.Durable != nil {
		cacheOpts = append(cacheOpts, cache.WithDurableTier(deps.Durable))
	}
	s.cache = cache.New(deps.Artifacts, cfg.Cache.MaxTotalBytes, cacheOpts...)

	s.admission = admission.NewController(admission.Config{
		Window:         cfg.Admission.Window,
		DefaultCeiling: cfg.Admission.DefaultCeiling,
		Ceilings:       cfg.Admission.Ceilings,
		GlobalCeiling:  cfg.Admission.GlobalCeiling,
		AbuseWindow:    cfg.Admission.AbuseWindow,
		AbuseThreshold: cfg.Admission.AbuseThreshold,
		BanDuration:    cfg.Admission.BanDuration,
	}, deps.Bans)

	s.dedup = dedup.NewTable(cfg.Dedup.GraceDelay, cfg.Dedup.MaxAge)
	s.pool = pool.New(cfg.Pool.Size, cfg.Pool.QueueCapacity)

	s.breaker = breaker.New("render-pool", cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout,
		breaker.OnStateChange(func(name string, from, to breaker.State) {
			s.emit("breaker", fmt.Sprintf("%s: %s -> %s", name, from, to))
		}))

	s.telemetry = telemetry.NewRecorder(
		cfg.Telemetry.HistorySize,
		cfg.Telemetry.SlowThresholds,
		cfg.Telemetry.DefaultSlowThreshold,
		telemetry.OnSlow(func(sig telemetry.SlowSignal) {
			s.emit("slow-operation", fmt.Sprintf("%s took %s (threshold %s)", sig.Name, sig.Duration, sig.Threshold))
		}))

	return s
}

// Start launches the background sweep loops.
func (s *Service) Start() {
	s.sweepLoop(s.cfg.Cache.SweepInterval, func() {
		if n := s.cache.EvictExpired(context.Background()); n > 0 {
			log.Printf("orchestrator: swept %d expired cache entries", n)
		}
	})
	s.sweepLoop(s.cfg.Admission.SweepInterval, func() {
		s.admission.Sweep()
	})
	s.sweepLoop(s.cfg.Dedup.SweepInterval, func() {
		s.dedup.Sweep()
	})
}

func (s *Service) sweepLoop(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Shutdown drains the service: new submissions are refused, in-flight
// jobs get the shutdown grace to finish, then remaining handles are
// force-recycled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	deadline := time.Now().Add(s.cfg.Pool.ShutdownGrace)
	for time.Now().Before(deadline) {
		if s.pool.Stats().ActiveCount == 0 {
			break
		}
		select {
		case <-ctx.Done():
			s.pool.CloseAll()
			s.pool.Close()
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if n := s.pool.CloseAll(); n > 0 {
		log.Printf("orchestrator: force-recycled %d handles at shutdown", n)
	}
	s.pool.Close()
	return nil
}

// Submit runs one request through the full pipeline and blocks until the
// job reaches a terminal state.
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return nil, ErrShutdown
	}
	if req.Identity == "" {
		return nil, fmt.Errorf("%w: empty identity", fingerprint.ErrInvalidInput)
	}
	if req.Operation == "" {
		req.Operation = "render-gif"
	}

	fp, err := fingerprint.Fingerprint(req.Source, req.Params)
	if err != nil {
		return nil, err
	}

	// Cache hit short-circuits everything downstream, admission included.
	lookupStart := time.Now()
	if e, ok := s.cache.Lookup(ctx, fp); ok {
		s.telemetry.Record("cache-lookup", telemetry.OutcomeSuccess, time.Since(lookupStart), nil)
		job := s.newJob(fp, req)
		job.Status = StatusCompleted
		job.CacheHit = true
		job.Location = e.Location
		job.CompletedAt = time.Now()
		s.trackJob(job)
		s.finishJob(job)
		return job, nil
	}
	s.telemetry.Record("cache-lookup", telemetry.OutcomeFailure, time.Since(lookupStart), nil)

	lockKey := dedup.KeyWithFingerprint(req.Identity, req.Operation, fp)
	if !s.dedup.TryAcquire(lockKey) {
		s.telemetry.Record("dedup", telemetry.OutcomeRejected, 0, ErrAlreadyInProgress)
		return nil, ErrAlreadyInProgress
	}
	defer s.dedup.Release(lockKey)

	if d := s.admission.Check(req.Identity, req.Operation); !d.Allowed {
		s.telemetry.Record("admission", telemetry.OutcomeRejected, 0, nil)
		return nil, &RateLimitError{RetryAfter: d.RetryAfter, Banned: d.Banned}
	}

	job := s.newJob(fp, req)
	s.trackJob(job)

	res, renderErr, execErr := s.execute(ctx, job, req)

	switch {
	case execErr != nil:
		s.mutateJob(job, func(j *Job) {
			j.CompletedAt = time.Now()
			j.Status = StatusFailed
			if errors.Is(execErr, context.DeadlineExceeded) {
				j.Status = StatusTimeout
			}
			j.Error = execErr.Error()
		})
		s.finishJob(job)
		return nil, execErr
	case renderErr != nil:
		s.mutateJob(job, func(j *Job) {
			j.CompletedAt = time.Now()
			j.Status = StatusFailed
			j.Error = renderErr.Error()
		})
		s.finishJob(job)
		return nil, renderErr
	}

	// A cache write failure degrades reuse, never the job that already
	// rendered.
	location := ""
	if e, err := s.cache.Store(ctx, fp, res.Data, s.cfg.Cache.TTL); err == nil {
		location = e.Location
	}
	s.mutateJob(job, func(j *Job) {
		j.CompletedAt = time.Now()
		j.Status = StatusCompleted
		j.Location = location
	})
	s.finishJob(job)
	return job, nil
}

// mutateJob applies changes to a tracked job under the registry lock so
// snapshot reads never observe torn writes.
func (s *Service) mutateJob(job *Job, fn func(*Job)) {
	s.mu.Lock()
	fn(job)
	s.mu.Unlock()
}

// execute borrows a handle and runs the render under the breaker.
// renderErr carries shader-level failures (the caller's fault, invisible
// to the breaker); execErr carries infrastructure failures.
func (s *Service) execute(ctx context.Context, job *Job, req Request) (res render.Result, renderErr, execErr error) {
	// An open circuit rejects before the submission commits to a pool
	// slot, so callers are not left waiting in the queue for a render
	// that cannot run.
	if s.breaker.Rejects() {
		return render.Result{}, nil, breaker.ErrCircuitOpen
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return render.Result{}, nil, err
	}
	s.mutateJob(job, func(j *Job) {
		j.StartedAt = time.Now()
		j.Status = StatusRunning
	})

	span := s.telemetry.StartSpan("render", map[string]string{
		"job":    job.ID,
		"worker": h.ID(),
	})

	execErr = s.breaker.Do(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.Pool.JobTimeout)
		defer cancel()

		type outcome struct {
			res render.Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			r, err := s.renderer.Render(rctx, render.Input{Source: req.Source, Params: req.Params})
			done <- outcome{res: r, err: err}
		}()

		select {
		case out := <-done:
			switch {
			case out.err == nil:
				res = out.res
				s.pool.Release(h, pool.OutcomeOK)
				return nil
			case errors.Is(out.err, render.ErrShaderInvalid):
				// The worker did its job; the shader is at fault.
				renderErr = out.err
				s.pool.Release(h, pool.OutcomeOK)
				return nil
			case ctx.Err() != nil:
				// Caller cancelled; not a worker fault and not a breaker
				// failure.
				renderErr = ctx.Err()
				s.pool.Release(h, pool.OutcomeOK)
				return nil
			case rctx.Err() != nil:
				s.pool.Release(h, pool.OutcomeTimeout)
				return fmt.Errorf("render timed out after %s: %w", s.cfg.Pool.JobTimeout, context.DeadlineExceeded)
			default:
				s.pool.Release(h, pool.OutcomeCrashed)
				return fmt.Errorf("render failed: %w", out.err)
			}
		case <-h.Recycled():
			// Release is a no-op once the handle is recycled; the renderer
			// goroutine unwinds via rctx.
			cancel()
			return pool.ErrWorkerRecycled
		}
	})

	if errors.Is(execErr, breaker.ErrCircuitOpen) {
		// The breaker rejected before the closure ran; the handle was
		// never used.
		s.pool.Release(h, pool.OutcomeOK)
	}

	switch {
	case execErr != nil:
		s.telemetry.EndSpan(span, telemetry.OutcomeFailure, execErr)
	case renderErr != nil:
		s.telemetry.EndSpan(span, telemetry.OutcomeFailure, renderErr)
	default:
		s.telemetry.EndSpan(span, telemetry.OutcomeSuccess, nil)
	}
	return res, renderErr, execErr
}

func (s *Service) newJob(fp string, req Request) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		Identity:    req.Identity,
		Operation:   req.Operation,
		QueuedAt:    time.Now(),
	}
}

// trackJob registers a job in the bounded recent registry.
func (s *Service) trackJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	for len(s.jobOrder) > recentJobsKept {
		delete(s.jobs, s.jobOrder[0])
		s.jobOrder = s.jobOrder[1:]
	}
}

// finishJob records the terminal state in history and emits the event.
func (s *Service) finishJob(job *Job) {
	if job.CompletedAt.IsZero() {
		job.CompletedAt = time.Now()
	}
	if s.history != nil {
		rec := accounts.HistoryRecord{
			JobID:       job.ID,
			Fingerprint: job.Fingerprint,
			Identity:    job.Identity,
			Operation:   job.Operation,
			Status:      string(job.Status),
			QueuedAt:    job.QueuedAt,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
			CacheHit:    job.CacheHit,
			Error:       job.Error,
		}
		if !job.StartedAt.IsZero() {
			rec.DurationMs = job.CompletedAt.Sub(job.StartedAt).Milliseconds()
		}
		if err := s.history.InsertHistory(rec); err != nil {
			log.Printf("orchestrator: record job history: %v", err)
		}
	}
	s.emit("job", fmt.Sprintf("job %s %s (cache_hit=%t)", job.ID, job.Status, job.CacheHit))
}

func (s *Service) emit(typ, msg string) {
	if s.eventSink != nil {
		s.eventSink(Event{Type: typ, Message: msg, At: time.Now()})
	}
}

// JobByID returns a copy of a tracked job.
func (s *Service) JobByID(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// RecentJobs returns copies of tracked jobs, newest first.
func (s *Service) RecentJobs(limit int) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, limit)
	for i := len(s.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.jobs[s.jobOrder[i]])
	}
	return out
}

// PoolStats exposes the worker pool snapshot.
func (s *Service) PoolStats() pool.Stats { return s.pool.Stats() }

// CacheStats exposes the result cache snapshot.
func (s *Service) CacheStats() cache.Stats { return s.cache.Stats() }

// AdmissionStats exposes the rate limiter snapshot.
func (s *Service) AdmissionStats() admission.Stats { return s.admission.Stats() }

// BreakerState exposes the circuit state.
func (s *Service) BreakerState() breaker.State { return s.breaker.State() }

// TelemetryReport summarizes one category over a trailing window.
func (s *Service) TelemetryReport(name string, window time.Duration) telemetry.Report {
	return s.telemetry.Report(name, window)
}

// TelemetryCategories lists recorded categories.
func (s *Service) TelemetryCategories() []string { return s.telemetry.Categories() }

// RecycleWorkers force-recycles every worker handle (administrative).
func (s *Service) RecycleWorkers() int { return s.pool.CloseAll() }

// CleanCache evicts expired entries and enforces the size bound.
func (s *Service) CleanCache(ctx context.Context) int {
	n := s.cache.EvictExpired(ctx)
	s.cache.EvictBySize(ctx, s.cfg.Cache.MaxTotalBytes)
	return n
}

// PurgeCacheEntry removes one fingerprint (administrative).
func (s *Service) PurgeCacheEntry(ctx context.Context, fp string) bool {
	return s.cache.Purge(ctx, fp)
}

// ResetLimits clears admission windows for an identity (administrative).
// An empty op clears every window plus the abuse counter; otherwise only
// the window for that operation kind.
func (s *Service) ResetLimits(identity, op string) {
	if op == "" {
		s.admission.ResetAll(identity)
		return
	}
	s.admission.Reset(identity, op)
}
