// Package hooks provides query observability for pgguard pools: pgx query
// tracers for the supervised pool and a bun query hook for the audit store.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/uptrace/bun"
)

// LoggerHook implements query logging. It serves both as a pgx.QueryTracer
// and as a bun.QueryHook.
type LoggerHook struct {
	logger        *slog.Logger
	logAll        bool
	slowThreshold time.Duration
}

var (
	_ pgx.QueryTracer = (*LoggerHook)(nil)
	_ bun.QueryHook   = (*LoggerHook)(nil)
)

// NewLoggerHook creates a new logger hook
func NewLoggerHook(logger *slog.Logger, logAll bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

type loggerStartKey struct{}

type queryStart struct {
	sql   string
	start time.Time
}

// TraceQueryStart is called by pgx before a query is executed
func (h *LoggerHook) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, loggerStartKey{}, queryStart{sql: data.SQL, start: time.Now()})
}

// TraceQueryEnd is called by pgx after a query is executed
func (h *LoggerHook) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(loggerStartKey{}).(queryStart)
	if !ok {
		return
	}
	h.record(ctx, qs.sql, time.Since(qs.start), data.Err)
}

// BeforeQuery is called by bun before a query is executed
func (h *LoggerHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called by bun after a query is executed
func (h *LoggerHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	h.record(ctx, event.Query, time.Since(event.StartTime), event.Err)
}

func (h *LoggerHook) record(ctx context.Context, query string, duration time.Duration, err error) {
	// Skip if not logging all, not slow and not failed
	if !h.logAll && err == nil && (h.slowThreshold == 0 || duration < h.slowThreshold) {
		return
	}

	attrs := []slog.Attr{
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(query)),
	}

	if h.logAll {
		attrs = append(attrs, slog.String("query", truncate(query)))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelError, "database query failed", attrs...)
	} else if h.slowThreshold > 0 && duration >= h.slowThreshold {
		if !h.logAll {
			attrs = append(attrs, slog.String("query", truncate(query)))
		}
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow database query", attrs...)
	} else {
		h.logger.LogAttrs(ctx, slog.LevelDebug, "database query", attrs...)
	}
}

func truncate(query string) string {
	if len(query) > 500 {
		return query[:500] + "..."
	}
	return query
}

// OperationType extracts the operation type from a query
func OperationType(query string) string {
	query = strings.TrimSpace(strings.ToUpper(query))
	switch {
	case strings.HasPrefix(query, "SELECT"):
		return "select"
	case strings.HasPrefix(query, "INSERT"):
		return "insert"
	case strings.HasPrefix(query, "UPDATE"):
		return "update"
	case strings.HasPrefix(query, "DELETE"):
		return "delete"
	case strings.HasPrefix(query, "WITH"):
		return "with"
	case strings.HasPrefix(query, "CREATE"):
		return "create"
	case strings.HasPrefix(query, "DROP"):
		return "drop"
	case strings.HasPrefix(query, "ALTER"):
		return "alter"
	case strings.HasPrefix(query, "BEGIN"):
		return "begin"
	case strings.HasPrefix(query, "COMMIT"):
		return "commit"
	case strings.HasPrefix(query, "ROLLBACK"):
		return "rollback"
	default:
		return "other"
	}
}
