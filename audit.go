package pgguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

// EventType identifies a supervisor state transition.
type EventType string

const (
	EventPoolStarted        EventType = "pool_started"
	EventPoolStartFailed    EventType = "pool_start_failed"
	EventAdminTermination   EventType = "admin_termination_detected"
	EventPoolExhaustion     EventType = "pool_exhaustion_detected"
	EventDrainBegin         EventType = "drain_begin"
	EventDrainEnd           EventType = "drain_end"
	EventReconnectAttempt   EventType = "reconnect_attempt"
	EventReconnectFailed    EventType = "reconnect_attempt_failed"
	EventReconnectSucceeded EventType = "reconnect_succeeded"
	EventReconnectExhausted EventType = "reconnect_exhausted"
	EventManualReconnect    EventType = "manual_reconnect"
	eventAuditWriteFailed   EventType = "audit_write_failed"
)

const (
	defaultAuditBufferSize    = 256
	defaultAuditWriteDeadline = 5 * time.Second
)

// AuditEvent is a single append-only record of a state transition.
type AuditEvent struct {
	ID           uuid.UUID      `json:"id"`
	Type         EventType      `json:"type"`
	EpisodeID    string         `json:"episode_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	BackendPID   uint32         `json:"backend_pid,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// WithError fills the error code and message from err.
func (e AuditEvent) WithError(err error) AuditEvent {
	if err == nil {
		return e
	}
	e.ErrorMessage = err.Error()
	var pgErr *pgconn.PgError
	var fieldErr sqlStateError
	switch {
	case errors.As(err, &pgErr):
		e.ErrorCode = pgErr.Code
	case errors.As(err, &fieldErr):
		e.ErrorCode = fieldErr.Field('C')
	}
	return e
}

// AuditHandler persists audit events.
// Implement this to store audit events in your preferred backend.
type AuditHandler func(ctx context.Context, event *AuditEvent) error

// AuditConfig configures the audit sink.
type AuditConfig struct {
	// Logger receives one structured record per event.
	Logger *slog.Logger

	// Environment is the deploy tag stamped on events that carry none.
	Environment string

	// Handler, when set, receives a durable copy of every event.
	Handler AuditHandler

	// BufferSize bounds pending durable writes (default: 256).
	BufferSize int

	// WriteTimeout bounds each durable write (default: 5s).
	WriteTimeout time.Duration
}

// AuditSink emits audit events. Emit never returns an error and never
// blocks: durable writes happen on a background worker and are dropped
// when the buffer is full.
type AuditSink struct {
	logger       *slog.Logger
	environment  string
	handler      AuditHandler
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan *AuditEvent
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAuditSink creates a sink and starts its durable writer when a handler is set.
func NewAuditSink(cfg AuditConfig) *AuditSink {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultAuditBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultAuditWriteDeadline
	}

	s := &AuditSink{
		logger:       cfg.Logger,
		environment:  cfg.Environment,
		handler:      cfg.Handler,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}

	if s.handler == nil {
		close(s.done)
		return s
	}

	s.queue = make(chan *AuditEvent, cfg.BufferSize)
	go s.run()
	return s
}

// Emit records an event.
func (s *AuditSink) Emit(ctx context.Context, event AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Environment == "" {
		event.Environment = s.environment
	}

	s.log(ctx, &event)

	if s.handler == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- &event:
	default:
		s.dropped.Add(1)
		s.logger.LogAttrs(ctx, slog.LevelWarn, "audit buffer full, durable record dropped",
			slog.String("event", string(event.Type)),
			slog.String("event_id", event.ID.String()))
	}
}

// Dropped returns how many durable records were discarded.
func (s *AuditSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Failed returns how many durable writes returned an error.
func (s *AuditSink) Failed() uint64 {
	return s.failed.Load()
}

// Close stops accepting durable records and waits for pending writes.
func (s *AuditSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.queue != nil {
			close(s.queue)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AuditSink) run() {
	defer close(s.done)
	for event := range s.queue {
		s.write(event)
	}
}

func (s *AuditSink) write(event *AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("audit handler panic: %v", p)
			}
		}()
		return s.handler(ctx, event)
	}()
	if err != nil {
		s.failed.Add(1)
		s.logger.LogAttrs(ctx, slog.LevelWarn, "database pool event",
			slog.String("event", string(eventAuditWriteFailed)),
			slog.String("event_id", event.ID.String()),
			slog.String("failed_event", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

func (s *AuditSink) log(ctx context.Context, event *AuditEvent) {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("event_id", event.ID.String()),
		slog.Time("at", event.Timestamp),
	}
	if event.EpisodeID != "" {
		attrs = append(attrs, slog.String("episode_id", event.EpisodeID))
	}
	if event.BackendPID != 0 {
		attrs = append(attrs, slog.Uint64("backend_pid", uint64(event.BackendPID)))
	}
	if event.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", event.ErrorCode))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}
	if event.Environment != "" {
		attrs = append(attrs, slog.String("env", event.Environment))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}
	s.logger.LogAttrs(ctx, eventLevel(event.Type), "database pool event", attrs...)
}

func eventLevel(t EventType) slog.Level {
	switch t {
	case EventAdminTermination, EventPoolExhaustion, EventReconnectFailed, EventPoolStartFailed:
		return slog.LevelWarn
	case EventReconnectExhausted:
		return slog.LevelError
	case EventDrainBegin, EventDrainEnd, EventReconnectAttempt:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// AuditLog is a database model for storing audit events.
//
// Create the table with MigrateAudit, or by hand:
//
//	CREATE TABLE pgguard_audit_events (
//	    id UUID PRIMARY KEY,
//	    event_type VARCHAR(64) NOT NULL,
//	    episode_id VARCHAR(64),
//	    backend_pid BIGINT,
//	    error_code VARCHAR(5),
//	    error_message TEXT,
//	    environment VARCHAR(64),
//	    details JSONB,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
type AuditLog struct {
	bun.BaseModel `bun:"table:pgguard_audit_events,alias:ae"`

	ID           uuid.UUID       `bun:"id,pk,type:uuid"`
	EventType    EventType       `bun:"event_type,notnull"`
	EpisodeID    string          `bun:"episode_id,nullzero"`
	BackendPID   int64           `bun:"backend_pid,nullzero"`
	ErrorCode    string          `bun:"error_code,nullzero"`
	ErrorMessage string          `bun:"error_message,nullzero"`
	Environment  string          `bun:"environment,nullzero"`
	Details      json.RawMessage `bun:"details,type:jsonb,nullzero"`
	CreatedAt    time.Time       `bun:"created_at,notnull,default:current_timestamp"`
}

// NewAuditLog converts an event into its table row.
func NewAuditLog(event *AuditEvent) (*AuditLog, error) {
	row := &AuditLog{
		ID:           event.ID,
		EventType:    event.Type,
		EpisodeID:    event.EpisodeID,
		BackendPID:   int64(event.BackendPID),
		ErrorCode:    event.ErrorCode,
		ErrorMessage: event.ErrorMessage,
		Environment:  event.Environment,
		CreatedAt:    event.Timestamp,
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return nil, fmt.Errorf("pgguard: encode audit details: %w", err)
		}
		row.Details = details
	}
	return row, nil
}

// NewDatabaseAuditHandler creates an AuditHandler that stores events in the database.
//
// Usage:
//
//	auditDB, err := pgguard.OpenAuditDB(pgguard.AuditStoreConfig{URL: url})
//	sup, err := pgguard.New(ctx, cfg, pgguard.WithAuditHandler(pgguard.NewDatabaseAuditHandler(auditDB)))
func NewDatabaseAuditHandler(db bun.IDB) AuditHandler {
	return func(ctx context.Context, event *AuditEvent) error {
		row, err := NewAuditLog(event)
		if err != nil {
			return err
		}
		_, err = db.NewInsert().Model(row).Exec(ctx)
		return err
	}
}
