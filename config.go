package pgguard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// ReconnectConfig bounds the reconnection loop
type ReconnectConfig struct {
	MaxAttempts int           // Attempts per degradation episode (default: 8)
	BaseDelay   time.Duration // First backoff step and jitter width (default: 250ms)
	CapDelay    time.Duration // Upper bound for any single delay (default: 5s)
}

// Config holds supervisor configuration. It is copied into the supervisor
// at construction and never mutated afterwards.
type Config struct {
	// Connection
	URL string // PostgreSQL connection string (required)

	// Pool settings
	MinConns          int           // Connections kept open (default: 2)
	MaxConns          int           // Max open connections (default: 10)
	IdleTimeout       time.Duration // Max idle time (default: 30s)
	MaxUses           int           // Uses before a connection is refreshed, 0 disables (default: 7500)
	HealthCheckPeriod time.Duration // Background pool health check (default: 30s)

	// Timeouts
	ConnectTimeout   time.Duration // Connection dial timeout (default: 5s)
	StatementTimeout time.Duration // Server side statement_timeout, 0 disables (default: 15s)
	QueryTimeout     time.Duration // Client side deadline per call, 0 disables (default: 20s)
	ProbeTimeout     time.Duration // Validation query deadline (default: 2s)

	// TCP keepalive
	KeepAlive      bool          // Enable TCP keepalive (default: true via DefaultConfig)
	KeepAliveDelay time.Duration // Initial keepalive delay (default: 10s)

	Reconnect ReconnectConfig

	// Audit
	Environment  string // Deploy/environment tag attached to audit events
	DurableAudit bool   // Also persist audit events through the configured handler

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger (default: slog.Default())
	LogQueries      bool                  // Log all queries
	LogSlowQueries  time.Duration         // Log queries slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		MinConns:          2,
		MaxConns:          10,
		IdleTimeout:       30 * time.Second,
		MaxUses:           7500,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    5 * time.Second,
		StatementTimeout:  15 * time.Second,
		QueryTimeout:      20 * time.Second,
		ProbeTimeout:      2 * time.Second,
		KeepAlive:         true,
		KeepAliveDelay:    10 * time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts: 8,
			BaseDelay:   250 * time.Millisecond,
			CapDelay:    5 * time.Second,
		},
	}
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.KeepAliveDelay == 0 {
		c.KeepAliveDelay = 10 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 8
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = 250 * time.Millisecond
	}
	if c.Reconnect.CapDelay == 0 {
		c.Reconnect.CapDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// validate rejects configurations the pool cannot be built from
func (c Config) validate() error {
	invalid := func(format string, args ...any) error {
		return &Error{
			Code:    CodeInvalidConfig,
			Message: fmt.Sprintf(format, args...),
			Op:      "New",
		}
	}

	switch {
	case c.URL == "":
		return invalid("database URL is required")
	case c.MaxConns < 1:
		return invalid("max connections must be positive, got %d", c.MaxConns)
	case c.MinConns < 0 || c.MinConns > c.MaxConns:
		return invalid("min connections must be within [0, %d], got %d", c.MaxConns, c.MinConns)
	case c.MaxUses < 0:
		return invalid("max uses must not be negative, got %d", c.MaxUses)
	case c.Reconnect.MaxAttempts < 1:
		return invalid("reconnect attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	case c.Reconnect.BaseDelay <= 0 || c.Reconnect.CapDelay < c.Reconnect.BaseDelay:
		return invalid("reconnect delays must satisfy 0 < base <= cap, got %s/%s", c.Reconnect.BaseDelay, c.Reconnect.CapDelay)
	}
	return nil
}

// WithLogger enables query logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogQueries = true
	return c
}

// WithSlowQueryLog logs queries slower than the threshold
func (c Config) WithSlowQueryLog(threshold time.Duration) Config {
	c.LogSlowQueries = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// WithReconnect overrides the reconnection budget
func (c Config) WithReconnect(maxAttempts int, base, limit time.Duration) Config {
	c.Reconnect = ReconnectConfig{MaxAttempts: maxAttempts, BaseDelay: base, CapDelay: limit}
	return c
}
