package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"credguard/internal/config"
)

func TestClickhouseAddr(t *testing.T) {
	tests := []struct {
		raw    string
		addr   string
		host   string
		secure bool
	}{
		{"localhost", "localhost:9000", "localhost", false},
		{"localhost:9001", "localhost:9001", "localhost", false},
		{"http://ch.internal", "ch.internal:9000", "ch.internal", false},
		{"https://ch.example.com", "ch.example.com:9440", "ch.example.com", true},
		{"https://ch.example.com:9441/", "ch.example.com:9441", "ch.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			addr, host, secure := clickhouseAddr(tt.raw)
			assert.Equal(t, tt.addr, addr)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.secure, secure)
		})
	}
}

func TestRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{
		URL:       "redis://" + mr.Addr(),
		PoolSize:  4,
		KeyPrefix: "test:",
	}}

	rc, err := NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	assert.Equal(t, "test:", rc.Prefix())
	require.NoError(t, rc.HealthCheck(context.Background()))
	assert.False(t, mr.Exists("test:healthcheck"))

	mr.Close()
	assert.Error(t, rc.HealthCheck(context.Background()))
}

func TestRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{URL: "not a url"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestElasticsearchIndexDocument(t *testing.T) {
	var (
		mu   sync.Mutex
		docs = map[string]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			_, _ = io.WriteString(w, `{"version":{"number":"8.19.0"},"tagline":"You Know, for Search"}`)
			return
		}
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		docs[r.URL.Path] = doc
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{Elasticsearch: config.ElasticsearchConfig{URL: srv.URL}}
	es, err := NewElasticsearchClient(cfg, zap.NewNop())
	require.NoError(t, err)

	err = es.IndexDocument(context.Background(), "security-events", "evt-1", map[string]string{"event_type": "lockout"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, docs, "/security-events/_doc/evt-1")
	assert.Equal(t, "lockout", docs["/security-events/_doc/evt-1"]["event_type"])
}
