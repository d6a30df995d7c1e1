package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitlist-service/internal/config"
)

func TestExtractHostPort(t *testing.T) {
	testCases := []struct {
		url      string
		hostPort string
		hostname string
	}{
		{"clickhouse://ch.internal", "ch.internal:9000", "ch.internal"},
		{"https://ch.internal", "ch.internal:9440", "ch.internal"},
		{"http://10.0.0.5:9001", "10.0.0.5:9001", "10.0.0.5"},
		{"ch.internal:19000", "ch.internal:19000", "ch.internal"},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.hostPort, extractHostPort(tc.url))
			assert.Equal(t, tc.hostname, extractHostname(tc.url))
		})
	}
}

func TestValidTableName(t *testing.T) {
	assert.True(t, validTableName("blocked_requests"))
	assert.True(t, validTableName("waitlist.blocked_requests"))
	assert.False(t, validTableName(""))
	assert.False(t, validTableName("blocked; DROP TABLE x"))
	assert.False(t, validTableName("blocked`"))
}

func TestNewClickHouseClient_RequiresConfig(t *testing.T) {
	cfg := &config.Config{Environment: config.EnvTest}

	_, err := NewClickHouseClient(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLICKHOUSE_URL")

	cfg.Clickhouse = config.ClickhouseConfig{URL: "clickhouse://localhost", Table: "bad name"}
	_, err = NewClickHouseClient(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLICKHOUSE_BLOCKED_TABLE")
}

func TestNewClickHouseClient_UnreadableCAFile(t *testing.T) {
	cfg := &config.Config{
		Environment: config.EnvTest,
		Clickhouse: config.ClickhouseConfig{
			URL:    "https://ch.internal",
			Table:  "blocked_requests",
			CAFile: filepath.Join(t.TempDir(), "missing-ca.pem"),
		},
	}

	_, err := NewClickHouseClient(cfg, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ClickHouse CA file")
}
