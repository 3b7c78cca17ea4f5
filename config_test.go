package pgguard

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("postgres://localhost/test")

	if cfg.URL != "postgres://localhost/test" {
		t.Error("URL not set")
	}
	if cfg.MaxConns != 10 || cfg.MinConns != 2 {
		t.Errorf("expected 2..10 connections, got %d..%d", cfg.MinConns, cfg.MaxConns)
	}
	if cfg.MaxUses != 7500 {
		t.Errorf("expected MaxUses=7500, got %d", cfg.MaxUses)
	}
	if !cfg.KeepAlive {
		t.Error("expected keepalive enabled")
	}
	if cfg.StatementTimeout >= cfg.QueryTimeout {
		t.Errorf("statement timeout %s should fire before query timeout %s", cfg.StatementTimeout, cfg.QueryTimeout)
	}
	if cfg.Reconnect != (ReconnectConfig{MaxAttempts: 8, BaseDelay: 250 * time.Millisecond, CapDelay: 5 * time.Second}) {
		t.Errorf("unexpected reconnect defaults: %+v", cfg.Reconnect)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/test"}
	cfg.applyDefaults()

	if cfg.MaxConns != 10 {
		t.Errorf("expected MaxConns=10, got %d", cfg.MaxConns)
	}
	if cfg.ProbeTimeout != 2*time.Second {
		t.Errorf("expected ProbeTimeout=2s, got %s", cfg.ProbeTimeout)
	}
	if cfg.Reconnect.MaxAttempts != 8 {
		t.Errorf("expected 8 attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Logger == nil {
		t.Error("expected a default logger")
	}
	if cfg.validate() != nil {
		t.Errorf("defaults should validate: %v", cfg.validate())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"min above max", func(c *Config) { c.MinConns = 20 }},
		{"negative min", func(c *Config) { c.MinConns = -1 }},
		{"negative uses", func(c *Config) { c.MaxUses = -1 }},
		{"cap below base", func(c *Config) { c.Reconnect.CapDelay = 100 * time.Millisecond }},
		{"no attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("postgres://localhost/test")
			tt.mutate(&cfg)
			cfg.applyDefaults()
			if err := cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfig_Builders(t *testing.T) {
	cfg := DefaultConfig("postgres://localhost/test").
		WithSlowQueryLog(time.Second).
		WithReconnect(3, time.Second, 10*time.Second)

	if cfg.LogSlowQueries != time.Second {
		t.Errorf("expected slow query threshold 1s, got %s", cfg.LogSlowQueries)
	}
	if cfg.Reconnect.MaxAttempts != 3 || cfg.Reconnect.CapDelay != 10*time.Second {
		t.Errorf("unexpected reconnect config: %+v", cfg.Reconnect)
	}
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestConfigFromEnv(t *testing.T) {
	cfg, err := ConfigFromEnv(envMap(map[string]string{
		EnvDatabaseURL:        "postgres://coach@db/coach",
		EnvMaxConns:           "20",
		EnvMinConns:           "4",
		EnvIdleTimeout:        "10000",
		EnvConnectTimeout:     "3000",
		EnvKeepAlive:          "false",
		EnvKeepAliveDelay:     "2000",
		EnvMaxUses:            "100",
		EnvStatementTimeout:   "5000",
		EnvQueryTimeout:       "8000",
		EnvReconnectAttempts:  "5",
		EnvReconnectBaseDelay: "100",
		EnvReconnectCapDelay:  "2000",
		EnvDurableAudit:       "true",
		EnvDeployEnv:          "staging",
	}))
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	if cfg.URL != "postgres://coach@db/coach" {
		t.Errorf("unexpected URL %s", cfg.URL)
	}
	if cfg.MaxConns != 20 || cfg.MinConns != 4 {
		t.Errorf("expected 4..20 connections, got %d..%d", cfg.MinConns, cfg.MaxConns)
	}
	if cfg.IdleTimeout != 10*time.Second || cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("unexpected timeouts %s/%s", cfg.IdleTimeout, cfg.ConnectTimeout)
	}
	if cfg.KeepAlive || cfg.KeepAliveDelay != 2*time.Second {
		t.Errorf("unexpected keepalive %v/%s", cfg.KeepAlive, cfg.KeepAliveDelay)
	}
	if cfg.MaxUses != 100 {
		t.Errorf("expected MaxUses=100, got %d", cfg.MaxUses)
	}
	if cfg.StatementTimeout != 5*time.Second || cfg.QueryTimeout != 8*time.Second {
		t.Errorf("unexpected statement/query timeouts %s/%s", cfg.StatementTimeout, cfg.QueryTimeout)
	}
	if cfg.Reconnect != (ReconnectConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, CapDelay: 2 * time.Second}) {
		t.Errorf("unexpected reconnect config %+v", cfg.Reconnect)
	}
	if !cfg.DurableAudit {
		t.Error("expected durable audit")
	}
	if cfg.Environment != "staging" {
		t.Errorf("expected staging, got %s", cfg.Environment)
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv(envMap(map[string]string{
		EnvDatabaseURL: "postgres://localhost/test",
		EnvNodeEnv:     "production",
	}))
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	def := DefaultConfig("postgres://localhost/test")
	if cfg.MaxConns != def.MaxConns || cfg.Reconnect != def.Reconnect {
		t.Error("unset variables should keep defaults")
	}
	if cfg.Environment != "production" {
		t.Errorf("expected NODE_ENV fallback, got %s", cfg.Environment)
	}
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		EnvMaxConns:          "ten",
		EnvIdleTimeout:       "-5",
		EnvKeepAlive:         "maybe",
		EnvReconnectAttempts: "1.5",
	}

	for key, value := range tests {
		_, err := ConfigFromEnv(envMap(map[string]string{
			EnvDatabaseURL: "postgres://localhost/test",
			key:            value,
		}))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s=%q: expected ErrInvalidConfig, got %v", key, value, err)
		}
	}
}
