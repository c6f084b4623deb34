package client_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/nodeclient/internal/api/rest"
	"github.com/arohanajit/nodeclient/internal/client"
	"github.com/arohanajit/nodeclient/internal/config"
	"github.com/arohanajit/nodeclient/internal/metrics"
	"github.com/arohanajit/nodeclient/internal/storage"
	"github.com/arohanajit/nodeclient/internal/transport"
)

// TestHTTPCluster runs the client over real HTTP nodes sharing one store and
// drives it through the admin API
func TestHTTPCluster(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := storage.NewStore()

	var (
		servers []*httptest.Server
		addrs   []string
	)
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		identity := transport.Identity{NodeID: id, Name: id, ClusterName: "it", Version: "1.2.0"}
		srv := httptest.NewServer(transport.NewServer(identity, storage.Actions(store), logger).Router())
		t.Cleanup(srv.Close)
		servers = append(servers, srv)
		addrs = append(addrs, strings.TrimPrefix(srv.URL, "http://"))
	}

	cfg := config.DefaultConfig()
	cfg.ClusterName = "it"
	cfg.MinNodeVersion = "1.0.0"
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PingTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.Addresses = addrs

	m := metrics.NewClientMetrics(nil)
	c, err := client.New(cfg, transport.NewHTTPDialer(&http.Client{Timeout: 2 * time.Second}), nil,
		client.WithLogger(logger),
		client.WithMetrics(m),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.Eventually(t, func() bool {
		return len(c.ConnectedNodes()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	api := httptest.NewServer(rest.NewRouter(c, m, logger))
	t.Cleanup(api.Close)

	req, err := http.NewRequest(http.MethodPut, api.URL+"/kv/greeting", bytes.NewBufferString("hello"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	get := func() (int, string, string) {
		resp, err := http.Get(api.URL + "/kv/greeting")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body), resp.Header.Get("X-Node-ID")
	}

	seen := make(map[string]bool)
	for i := 0; i < 6; i++ {
		status, body, nodeID := get()
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "hello", body)
		seen[nodeID] = true
	}
	assert.Len(t, seen, 3, "reads are spread over every connected node")

	// A stopped node fails over and is dropped by the next sampling cycles
	servers[0].Close()
	for i := 0; i < 6; i++ {
		status, body, nodeID := get()
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "hello", body)
		assert.NotEqual(t, "node-a", nodeID)
	}
	require.Eventually(t, func() bool {
		return len(c.ConnectedNodes()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(api.URL + "/nodes/connected")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, api.URL+"/kv/greeting", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	status, _, _ := get()
	assert.Equal(t, http.StatusNotFound, status)
}
