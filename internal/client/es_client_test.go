package client

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"waitlist-service/internal/config"
	"waitlist-service/internal/model"
)

type fakeElasticsearch struct {
	mu       sync.Mutex
	bulkPath string
	bulkBody string
	errors   bool
}

func (f *fakeElasticsearch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if strings.HasSuffix(r.URL.Path, "/_bulk") {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bulkPath = r.URL.Path
		f.bulkBody = string(body)
		hasErrors := f.errors
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"took": 1, "errors": hasErrors, "items": []interface{}{}})
		return
	}

	_, _ = io.WriteString(w, `{"name":"test","cluster_name":"test","version":{"number":"8.19.0","build_flavor":"default"},"tagline":"You Know, for Search"}`)
}

func newTestESClient(t *testing.T, fake *fakeElasticsearch) *ESClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Environment: config.EnvTest,
		Elasticsearch: config.ElasticsearchConfig{
			URLs:  []string{srv.URL},
			Index: "waitlist-blocked",
		},
	}
	es, err := NewElasticsearchClient(cfg, zap.NewNop())
	require.NoError(t, err)
	return es
}

func TestESClient_ArchiveBulkIndexes(t *testing.T) {
	// Arrange
	fake := &fakeElasticsearch{}
	es := newTestESClient(t, fake)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Act
	err := es.Archive(t.Context(), []model.BlockedRequest{
		{Address: "1.2.3.4", Reason: model.ReasonHoneypot, Timestamp: ts},
		{Address: "5.6.7.8", Reason: model.ReasonInvalidOrigin, Timestamp: ts},
	})

	// Assert
	require.NoError(t, err)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/waitlist-blocked/_bulk", fake.bulkPath)

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(fake.bulkBody))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 4)
	assert.Equal(t, `{"index":{}}`, lines[0])

	var doc map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Equal(t, "1.2.3.4", doc["address"])
	assert.Equal(t, "honeypot_triggered", doc["reason"])
	assert.Equal(t, "2026-03-01T12:00:00Z", doc["@timestamp"])
}

func TestESClient_ArchiveReportsItemErrors(t *testing.T) {
	fake := &fakeElasticsearch{errors: true}
	es := newTestESClient(t, fake)

	err := es.Archive(t.Context(), []model.BlockedRequest{{Address: "a", Reason: model.ReasonHoneypot, Timestamp: time.Now()}})

	assert.Error(t, err)
}

func TestESClient_ArchiveEmptyIsNoop(t *testing.T) {
	fake := &fakeElasticsearch{}
	es := newTestESClient(t, fake)

	require.NoError(t, es.Archive(t.Context(), nil))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.bulkPath)
}

func TestNewElasticsearchClient_RequiresURLs(t *testing.T) {
	_, err := NewElasticsearchClient(&config.Config{}, zap.NewNop())

	assert.Error(t, err)
}
