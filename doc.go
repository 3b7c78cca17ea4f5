/*
Package pgguard keeps a PostgreSQL connection pool usable across
server-initiated terminations and exhaustion events.

A Supervisor owns exactly one pgxpool at a time. Every error the pool
surfaces, whether returned to a caller or delivered asynchronously by the
server, is classified. Admin terminations (SQLSTATE 57P01) and exhaustion
errors retire the pool: the supervisor turns degraded, drains the old pool
in the background and rebuilds a new one with capped exponential backoff.
While degraded, calls fail fast with a *DegradedError carrying a retry hint
and no network attempt is made.

# Basic Usage

	cfg := pgguard.DefaultConfig(os.Getenv("DATABASE_URL")).
	    WithLogger(slog.Default()).
	    WithSlowQueryLog(100 * time.Millisecond)

	sup, err := pgguard.New(ctx, cfg)
	if err != nil {
	    log.Fatal(err) // configuration errors only
	}
	defer sup.Close(context.Background())

	rows, err := sup.Query(ctx, "SELECT id, name FROM trips WHERE owner = $1", owner)

# Configuration from the environment

	cfg, err := pgguard.ConfigFromEnv(os.Getenv)

Recognized variables include DATABASE_URL, PG_MAX, PG_MIN,
PG_CONNECTION_TIMEOUT_MS, PG_STATEMENT_TIMEOUT_MS, PG_QUERY_TIMEOUT_MS
and DB_RECONNECT_MAX_ATTEMPTS. Unset variables keep their defaults.

# Degraded mode

	var now time.Time
	err := sup.QueryRow(r.Context(), "SELECT now()").Scan(&now)
	if pgguard.WriteUnavailable(w, err) {
	    return // 503 with Retry-After
	}

	if d, ok := pgguard.RetryAfter(err); ok {
	    // back off for d
	}

When a reconnection run gives up, the supervisor stays degraded until
Reconnect is called:

	if sup.Reconnect(ctx) {
	    // a new run started
	}

# Dedicated connections

	conn, err := sup.Connect(ctx)
	if err != nil {
	    return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)

A Conn belongs to the pool generation that produced it and refuses work once
that pool is retired.

# Audit trail

Lifecycle events (pool_started, admin_termination, reconnect_attempt,
reconnect_succeeded, reconnect_exhausted, ...) are written to the logger and,
with DurableAudit enabled, to the pgguard_audit_events table:

	auditDB, err := pgguard.OpenAuditDB(pgguard.AuditStoreConfig{URL: url})
	if _, err := pgguard.MigrateAudit(ctx, auditDB); err != nil {
	    return err
	}
	sup, err := pgguard.New(ctx, cfg,
	    pgguard.WithAuditHandler(pgguard.NewDatabaseAuditHandler(auditDB)))

# Observability

	cfg = cfg.WithMetrics(prometheus.DefaultRegisterer).
	    WithTracing(otel.Tracer("myapp"))

	status := sup.Health(ctx)
*/
package pgguard
