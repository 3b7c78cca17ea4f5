package pgguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/pgguard/hooks"
)

// State is the externally observable supervisor state.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "healthy"
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithDriver replaces the pgx driver, e.g. with a test double.
func WithDriver(d Driver) Option {
	return func(s *Supervisor) { s.driver = d }
}

// WithAuditSink uses an externally owned sink. The supervisor does not close it.
func WithAuditSink(sink *AuditSink) Option {
	return func(s *Supervisor) { s.audit = sink }
}

// WithAuditHandler sets the durable audit handler used when Config.DurableAudit is on.
func WithAuditHandler(h AuditHandler) Option {
	return func(s *Supervisor) { s.auditHandler = h }
}

// WithSleep replaces the backoff sleep. fn must return ctx.Err() when ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// WithJitter replaces the backoff jitter source. fn(n) must return a value in [0, n).
func WithJitter(fn func(n time.Duration) time.Duration) Option {
	return func(s *Supervisor) { s.jitter = fn }
}

// Supervisor owns the active pool, gates calls while degraded and runs at
// most one reconnection loop at a time. It is safe for concurrent use and
// is meant to be built once at start-up and passed to every component that
// needs database access.
type Supervisor struct {
	cfg          Config
	logger       *slog.Logger
	driver       Driver
	audit        *AuditSink
	ownsAudit    bool
	auditHandler AuditHandler
	metrics      *supervisorMetrics
	tracer       trace.Tracer
	sleep        func(ctx context.Context, d time.Duration) error
	jitter       jitterFunc

	handle       atomic.Pointer[PoolHandle]
	degraded     atomic.Bool
	reconnecting atomic.Bool
	generation   atomic.Uint64
	retryAfter   atomic.Int64 // time.Duration
	since        atomic.Int64 // unix nanos of the current episode start
	episodeID    atomic.Pointer[string]
	episodes     atomic.Uint64
	runs         atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed transitions and wg.Add
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds the first pool and returns a supervisor. Only configuration
// errors fail construction: when the database is unreachable the supervisor
// starts degraded and reconnects in the background.
func New(ctx context.Context, cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "pgguard")),
		tracer: cfg.Tracer,
		sleep:  sleepContext,
		jitter: defaultJitter,
	}
	for _, opt := range opts {
		opt(s)
	}

	metrics, err := newSupervisorMetrics(cfg.MetricsRegistry)
	if err != nil {
		return nil, fmt.Errorf("pgguard: failed to register metrics: %w", err)
	}
	s.metrics = metrics

	if s.driver == nil {
		tracer, err := s.queryTracer()
		if err != nil {
			return nil, err
		}
		s.driver = &PgxDriver{Tracer: tracer, Logger: s.logger}
	}

	if s.audit == nil {
		ac := AuditConfig{Logger: s.logger, Environment: cfg.Environment}
		if cfg.DurableAudit {
			if s.auditHandler == nil {
				s.logger.Warn("durable audit enabled without a handler, events are logged only")
			}
			ac.Handler = s.auditHandler
		}
		s.audit = NewAuditSink(ac)
		s.ownsAudit = true
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	h, pid, err := s.newObservedPool(ctx)
	if err != nil {
		var gErr *Error
		if errors.As(err, &gErr) && gErr.Code == CodeInvalidConfig {
			s.cancel()
			return nil, err
		}
		s.audit.Emit(ctx, AuditEvent{Type: EventPoolStartFailed}.WithError(err))
		s.reconnecting.Store(true)
		s.beginEpisode(nil, Classify(err), err, 0)
		return s, nil
	}

	s.handle.Store(h)
	s.metrics.setDegraded(false)
	s.audit.Emit(ctx, AuditEvent{
		Type:       EventPoolStarted,
		BackendPID: pid,
		Details: map[string]any{
			"generation": h.Generation(),
			"max_conns":  cfg.MaxConns,
			"min_conns":  cfg.MinConns,
		},
	})
	// errors reported while the pool was still being validated
	if err := h.Failure(); err != nil {
		s.observe(h, err, 0)
	}
	return s, nil
}

// queryTracer assembles the pgx tracers enabled by the configuration.
func (s *Supervisor) queryTracer() (pgx.QueryTracer, error) {
	var tracers []pgx.QueryTracer
	if s.cfg.LogQueries || s.cfg.LogSlowQueries > 0 {
		tracers = append(tracers, hooks.NewLoggerHook(s.cfg.Logger, s.cfg.LogQueries, s.cfg.LogSlowQueries))
	}
	if s.cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(s.cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("pgguard: failed to create metrics hook: %w", err)
		}
		tracers = append(tracers, hook)
	}
	if s.cfg.Tracer != nil {
		tracers = append(tracers, hooks.NewTracingHook(s.cfg.Tracer))
	}
	return hooks.Chain(tracers...), nil
}

// newObservedPool is the single factory for every pool, first or
// replacement: it opens the pool with the failure observer attached and
// validates it with a probe. A pool that fails validation is drained.
func (s *Supervisor) newObservedPool(ctx context.Context) (*PoolHandle, uint32, error) {
	var ref atomic.Pointer[PoolHandle]
	observe := func(err error, pid uint32) {
		if h := ref.Load(); h != nil {
			s.observe(h, err, pid)
		}
	}

	pool, err := s.driver.Open(ctx, s.cfg, observe)
	if err != nil {
		return nil, 0, err
	}

	h := newPoolHandle(s.generation.Add(1), pool)
	h.onDrain = s.auditDrain
	ref.Store(h)

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	pid, err := pool.Probe(probeCtx)
	if err != nil {
		h.Drain()
		return nil, 0, err
	}
	return h, pid, nil
}

func (s *Supervisor) auditDrain(h *PoolHandle, begin bool) {
	t := EventDrainEnd
	if begin {
		t = EventDrainBegin
	}
	s.audit.Emit(s.ctx, AuditEvent{
		Type:      t,
		EpisodeID: s.currentEpisode(),
		Details:   map[string]any{"generation": h.Generation()},
	})
}

// observe classifies err raised by h and starts recovery when it is
// pool-fatal. Failures of replaced handles are ignored.
func (s *Supervisor) observe(h *PoolHandle, err error, pid uint32) {
	cat := Classify(err)
	if !cat.Fatal() || h == nil {
		return
	}
	h.markFailed(err)

	if s.handle.Load() != h {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	// the handle may have been replaced between the check and the CAS
	if s.handle.Load() != h {
		s.reconnecting.Store(false)
		return
	}
	s.metrics.poolFailure(cat)
	s.beginEpisode(h, cat, err, pid)
}

// beginEpisode runs on the CAS winner only: reconnecting is already true.
func (s *Supervisor) beginEpisode(failed *PoolHandle, cat Category, err error, pid uint32) {
	if !s.degraded.Load() {
		s.since.Store(time.Now().UnixNano())
	}
	episode := uuid.NewString()
	s.episodeID.Store(&episode)
	s.retryAfter.Store(int64(s.cfg.Reconnect.BaseDelay))
	s.degraded.Store(true)
	s.episodes.Add(1)

	s.metrics.setDegraded(true)
	s.metrics.setReconnecting(true)
	s.metrics.episode()

	t := EventPoolExhaustion
	if cat == CategoryAdminTermination {
		t = EventAdminTermination
	}
	details := map[string]any{"category": cat.String()}
	if failed != nil {
		details["generation"] = failed.Generation()
	}
	s.audit.Emit(s.ctx, AuditEvent{
		Type:       t,
		EpisodeID:  episode,
		BackendPID: pid,
		Details:    details,
	}.WithError(err))

	if failed != nil {
		s.goTracked(func() { failed.Drain() })
	}
	s.startReconnect(episode)
}

// startReconnect launches the scheduler without waiting for it.
func (s *Supervisor) startReconnect(episode string) {
	started := s.goTracked(func() {
		s.runs.Add(1)
		s.reconnect(s.ctx, episode)
	})
	if !started {
		s.reconnecting.Store(false)
		s.metrics.setReconnecting(false)
	}
}

// goTracked runs fn in a goroutine that Close waits for.
func (s *Supervisor) goTracked(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// IsAvailable reports whether calls are dispatched to the database. It is
// an in-memory flag read.
func (s *Supervisor) IsAvailable() bool {
	return !s.degraded.Load() && !s.closed.Load()
}

// State returns the current degradation state
func (s *Supervisor) State() State {
	if s.degraded.Load() {
		return StateDegraded
	}
	return StateHealthy
}

// Reconnecting reports whether a reconnection run is active
func (s *Supervisor) Reconnecting() bool {
	return s.reconnecting.Load()
}

// Reconnect re-arms recovery while degraded, typically after the attempt
// budget was exhausted. It reports whether a new run was started.
func (s *Supervisor) Reconnect(ctx context.Context) bool {
	if !s.degraded.Load() || s.closed.Load() {
		return false
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	episode := s.currentEpisode()
	s.metrics.setReconnecting(true)
	s.audit.Emit(ctx, AuditEvent{Type: EventManualReconnect, EpisodeID: episode})
	s.startReconnect(episode)
	return true
}

// Close stops reconnection, drains the active pool and flushes the audit
// sink if the supervisor owns it.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
		if h := s.handle.Load(); h != nil {
			h.Drain()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ownsAudit {
		return s.audit.Close(ctx)
	}
	return nil
}

// Query runs sql on the active pool. While degraded it returns a
// *DegradedError without any network call.
func (s *Supervisor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	h, err := s.activeHandle("Query")
	if err != nil {
		return nil, err
	}

	qctx, cancel := s.withQueryTimeout(ctx)
	dc, err := s.acquire(qctx, ctx, h, "Query")
	if err != nil {
		cancel()
		return nil, err
	}

	rows, err := dc.Query(qctx, sql, args...)
	if err != nil {
		dc.Release()
		cancel()
		s.observe(h, err, 0)
		return nil, err
	}
	return newObservedRows(rows, s, h, func() {
		dc.Release()
		cancel()
	}), nil
}

// QueryRow runs sql expecting at most one row. Errors are deferred to Scan,
// which also returns the connection to the pool.
func (s *Supervisor) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	h, err := s.activeHandle("QueryRow")
	if err != nil {
		return errRow{err: err}
	}

	qctx, cancel := s.withQueryTimeout(ctx)
	dc, err := s.acquire(qctx, ctx, h, "QueryRow")
	if err != nil {
		cancel()
		return errRow{err: err}
	}
	return &observedRow{row: dc.QueryRow(qctx, sql, args...), s: s, h: h, done: func() {
		dc.Release()
		cancel()
	}}
}

// Exec runs sql without returning rows.
func (s *Supervisor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	h, err := s.activeHandle("Exec")
	if err != nil {
		return pgconn.CommandTag{}, err
	}

	qctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	dc, err := s.acquire(qctx, ctx, h, "Exec")
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer dc.Release()

	tag, err := dc.Exec(qctx, sql, args...)
	if err != nil {
		s.observe(h, err, 0)
	}
	return tag, err
}

// Connect checks out a dedicated connection for multi-statement work. The
// caller must Release it.
func (s *Supervisor) Connect(ctx context.Context) (*Conn, error) {
	h, err := s.activeHandle("Connect")
	if err != nil {
		return nil, err
	}

	dc, err := s.acquire(ctx, ctx, h, "Connect")
	if err != nil {
		return nil, err
	}
	return &Conn{conn: dc, s: s, h: h}, nil
}

// acquire checks out a connection from h within ConnectTimeout. Running out
// of time while the caller's own context is still live means the pool had
// nothing to hand out, which is reported as a connection failure.
func (s *Supervisor) acquire(ctx, caller context.Context, h *PoolHandle, op string) (DriverConn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dc, err := h.pool.Acquire(acquireCtx)
	if err != nil {
		if caller.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = &Error{
				Code:    CodeConnectionFailed,
				Message: "timeout exceeded when trying to connect",
				Op:      op,
				Cause:   err,
			}
		}
		s.observe(h, err, 0)
		return nil, err
	}
	return dc, nil
}

// activeHandle gates a call: it never blocks and never touches the network.
func (s *Supervisor) activeHandle(op string) (*PoolHandle, error) {
	if s.closed.Load() {
		return nil, &Error{Code: CodeClosed, Message: "supervisor is closed", Op: op}
	}
	if s.degraded.Load() {
		s.metrics.reject(op)
		return nil, s.degradedError(op)
	}
	h := s.handle.Load()
	if h == nil {
		return nil, s.degradedError(op)
	}
	return h, nil
}

func (s *Supervisor) degradedError(op string) *DegradedError {
	e := &DegradedError{
		Op:           op,
		RetryAfter:   s.retryAfterHint(),
		Reconnecting: s.reconnecting.Load(),
	}
	if since := s.since.Load(); since != 0 {
		e.Since = time.Unix(0, since)
	}
	return e
}

func (s *Supervisor) retryAfterHint() time.Duration {
	if d := time.Duration(s.retryAfter.Load()); d > 0 {
		return d
	}
	return s.cfg.Reconnect.BaseDelay
}

func (s *Supervisor) currentEpisode() string {
	if p := s.episodeID.Load(); p != nil {
		return *p
	}
	return ""
}

// withQueryTimeout applies QueryTimeout unless ctx already expires sooner.
func (s *Supervisor) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= s.cfg.QueryTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
