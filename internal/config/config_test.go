package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	cfg := FromEnv()

	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, 1000, cfg.RateLimit.GlobalLimit)
	assert.Equal(t, 20, cfg.RateLimit.AddressLimit)
	assert.Equal(t, 2, cfg.RateLimit.StrictLimit)
	assert.Equal(t, int64(1024), cfg.Admission.MaxBodyBytes)
	assert.Equal(t, 50*time.Millisecond, cfg.Admission.TimingNoiseMin)
	assert.Equal(t, 150*time.Millisecond, cfg.Admission.TimingNoiseMax)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.FailClosedWait)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example ,, https://b.example ")
	t.Setenv("RATE_LIMIT_ADDRESS", "5")
	t.Setenv("RATE_LIMIT_STRICT_MODE", "true")
	t.Setenv("RATE_LIMIT_TIMEOUT", "250ms")
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("CLICKHOUSE_CA_FILE", "/etc/clickhouse/ca.pem")
	t.Setenv("REDIS_TLS_CERT_FILE", "/etc/redis/client.crt")

	cfg := FromEnv()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Admission.AllowedOrigins)
	assert.Equal(t, 5, cfg.RateLimit.AddressLimit)
	assert.True(t, cfg.RateLimit.StrictMode)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimit.Timeout)
	assert.Equal(t, 8080, cfg.Server.Port, "unparseable values keep the default")
	assert.Equal(t, "/etc/clickhouse/ca.pem", cfg.Clickhouse.CAFile)
	assert.Equal(t, "/etc/redis/client.crt", cfg.Redis.TLSCertFile)
	assert.Equal(t, "/app/certs/ca.crt", cfg.Redis.TLSCAFile)
}

func TestValidate(t *testing.T) {
	t.Setenv("ENVIRONMENT", EnvDevelopment)
	valid := func() *Config {
		cfg := FromEnv()
		cfg.Store.Driver = StoreMemory
		cfg.Audit.Sink = AuditNone
		return cfg
	}

	require.NoError(t, valid().Validate())

	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "STORE_DRIVER"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres; c.Postgres.DSN = "" }, "DATABASE_URL"},
		{"memory in production", func(c *Config) { c.Environment = EnvProduction }, "not allowed in production"},
		{"unknown audit sink", func(c *Config) { c.Audit.Sink = "s3" }, "AUDIT_SINK"},
		{"zero limit", func(c *Config) { c.RateLimit.AddressLimit = 0 }, "rate limits"},
		{"noise out of order", func(c *Config) { c.Admission.TimingNoiseMax = time.Millisecond }, "TIMING_NOISE"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "SERVER_PORT"},
		{"production without redis", func(c *Config) {
			c.Environment = EnvProduction
			c.Store.Driver = StoreScylla
			c.Redis.URL = ""
		}, "REDIS_URL"},
		{"timing noise disabled", func(c *Config) {
			c.Admission.TimingNoiseMin = 0
			c.Admission.TimingNoiseMax = 0
		}, "TIMING_NOISE_MAX"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_ProductionWithRedis(t *testing.T) {
	t.Setenv("ENVIRONMENT", EnvProduction)
	cfg := FromEnv()
	cfg.Store.Driver = StoreScylla
	cfg.Audit.Sink = AuditNone
	cfg.Redis.URL = "rediss://redis.internal:6380"

	assert.NoError(t, cfg.Validate())
}
