package pgguard

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/fernandezvara/pgguard/hooks"
)

// AuditStoreConfig configures the dedicated audit database connection.
type AuditStoreConfig struct {
	URL string // PostgreSQL connection string (required)

	MaxOpenConns int           // Max open connections (default: 2)
	DialTimeout  time.Duration // Connection dial timeout (default: 5s)
	ReadTimeout  time.Duration // Read timeout (default: 5s)
	WriteTimeout time.Duration // Write timeout (default: 5s)

	Logger     *slog.Logger // Optional query logger
	LogQueries bool         // Log every audit insert
}

func (c *AuditStoreConfig) applyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 2
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// OpenAuditDB opens the connection used for durable audit records. It is
// kept apart from the supervised pool so audit writes never consume pool
// capacity; when the database is down its failures surface as
// audit_write_failed log records only.
func OpenAuditDB(cfg AuditStoreConfig) (*bun.DB, error) {
	cfg.applyDefaults()

	if cfg.URL == "" {
		return nil, &Error{
			Code:    CodeInvalidConfig,
			Message: "audit database URL is required",
			Op:      "OpenAuditDB",
		}
	}

	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.URL),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
		pgdriver.WithReadTimeout(cfg.ReadTimeout),
		pgdriver.WithWriteTimeout(cfg.WriteTimeout),
	)

	sqlDB := sql.OpenDB(connector)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(time.Minute)

	db := bun.NewDB(sqlDB, pgdialect.New())
	if cfg.Logger != nil {
		db.AddQueryHook(hooks.NewLoggerHook(cfg.Logger, cfg.LogQueries, 0))
	}
	return db, nil
}
