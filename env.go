package pgguard

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvDatabaseURL        = "DATABASE_URL"
	EnvMaxConns           = "PG_MAX"
	EnvMinConns           = "PG_MIN"
	EnvIdleTimeout        = "PG_IDLE_TIMEOUT_MS"
	EnvConnectTimeout     = "PG_CONNECTION_TIMEOUT_MS"
	EnvKeepAlive          = "PG_KEEPALIVE"
	EnvKeepAliveDelay     = "PG_KEEPALIVE_DELAY_MS"
	EnvMaxUses            = "PG_MAX_USES"
	EnvStatementTimeout   = "PG_STATEMENT_TIMEOUT_MS"
	EnvQueryTimeout       = "PG_QUERY_TIMEOUT_MS"
	EnvReconnectAttempts  = "DB_RECONNECT_MAX_ATTEMPTS"
	EnvReconnectBaseDelay = "DB_RECONNECT_BASE_DELAY_MS"
	EnvReconnectCapDelay  = "DB_RECONNECT_CAP_DELAY_MS"
	EnvDurableAudit       = "DB_AUDIT_DURABLE"
	EnvDeployEnv          = "DEPLOY_ENV"
	EnvNodeEnv            = "NODE_ENV"
)

// ConfigFromEnv builds a Config from environment variables, starting from
// DefaultConfig. Unset variables keep their defaults; malformed ones are errors.
//
// Usage:
//
//	cfg, err := pgguard.ConfigFromEnv(os.Getenv)
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig(getenv(EnvDatabaseURL))
	p := envParser{getenv: getenv}

	p.int(EnvMaxConns, &cfg.MaxConns)
	p.int(EnvMinConns, &cfg.MinConns)
	p.millis(EnvIdleTimeout, &cfg.IdleTimeout)
	p.millis(EnvConnectTimeout, &cfg.ConnectTimeout)
	p.bool(EnvKeepAlive, &cfg.KeepAlive)
	p.millis(EnvKeepAliveDelay, &cfg.KeepAliveDelay)
	p.int(EnvMaxUses, &cfg.MaxUses)
	p.millis(EnvStatementTimeout, &cfg.StatementTimeout)
	p.millis(EnvQueryTimeout, &cfg.QueryTimeout)
	p.int(EnvReconnectAttempts, &cfg.Reconnect.MaxAttempts)
	p.millis(EnvReconnectBaseDelay, &cfg.Reconnect.BaseDelay)
	p.millis(EnvReconnectCapDelay, &cfg.Reconnect.CapDelay)
	p.bool(EnvDurableAudit, &cfg.DurableAudit)

	cfg.Environment = getenv(EnvDeployEnv)
	if cfg.Environment == "" {
		cfg.Environment = getenv(EnvNodeEnv)
	}

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// envParser records the first parse failure and ignores the rest.
type envParser struct {
	getenv func(string) string
	err    error
}

func (p *envParser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *envParser) fail(key, value string, cause error) {
	p.err = &Error{
		Code:    CodeInvalidConfig,
		Message: fmt.Sprintf("invalid value %q for %s", value, key),
		Op:      "ConfigFromEnv",
		Cause:   cause,
	}
}

func (p *envParser) int(key string, dst *int) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *envParser) millis(key string, dst *time.Duration) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		p.fail(key, v, err)
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (p *envParser) bool(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}
