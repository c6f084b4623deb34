package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/nodeclient/internal/config"
	"github.com/arohanajit/nodeclient/internal/dispatch"
	"github.com/arohanajit/nodeclient/internal/metrics"
	"github.com/arohanajit/nodeclient/internal/nodes"
	"github.com/arohanajit/nodeclient/internal/storage"
	"github.com/arohanajit/nodeclient/internal/transport"
)

const testCluster = "test"

func testConfig(addrs ...transport.Address) config.ClientConfig {
	cfg := config.DefaultConfig()
	cfg.ClusterName = testCluster
	cfg.PingInterval = 20 * time.Millisecond
	for _, a := range addrs {
		cfg.Addresses = append(cfg.Addresses, a.String())
	}
	return cfg
}

func addNodes(network *transport.FakeNetwork, n int) []transport.Address {
	addrs := make([]transport.Address, 0, n)
	for i := 0; i < n; i++ {
		addr := transport.Address{Host: fmt.Sprintf("node-%d", i), Port: 9300}
		node := network.AddNode(addr, transport.Identity{NodeID: fmt.Sprintf("node-%d", i), ClusterName: testCluster, Version: "1.0.0"})
		node.SetHandlers(storage.Actions(storage.NewStore()))
		addrs = append(addrs, addr)
	}
	return addrs
}

func setupTestClient(t *testing.T, network *transport.FakeNetwork, cfg config.ClientConfig, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(cfg, network.Dialer(), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, c *Client, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.ConnectedNodes()) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func putBody(t *testing.T, key, value string) []byte {
	t.Helper()
	body, err := json.Marshal(storage.KeyRequest{Key: key, Value: []byte(value), ContentType: "text/plain"})
	require.NoError(t, err)
	return body
}

func TestNew_InvalidConfig(t *testing.T) {
	network := transport.NewFakeNetwork()

	cfg := testConfig()
	cfg.PingInterval = 0
	_, err := New(cfg, network.Dialer(), nil)
	assert.Error(t, err)

	_, err = New(testConfig(), nil, nil)
	assert.Error(t, err)

	_, err = New(testConfig(), network.Dialer(), nil, WithActions(dispatch.Action{Name: storage.KindGet}))
	assert.Error(t, err, "duplicate kinds are rejected")
}

func TestClient_DistributesRequests(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 3)
	c := setupTestClient(t, network, testConfig(addrs...))
	waitConnected(t, c, 3)

	const requests = 12
	for i := 0; i < requests; i++ {
		_, err := c.Do(context.Background(), storage.KindPut, putBody(t, fmt.Sprintf("k%d", i), "v"))
		require.NoError(t, err)
	}

	for _, addr := range addrs {
		assert.Equal(t, requests/len(addrs), network.Node(addr).Sends(), "node %s", addr)
	}
}

func TestClient_NodeInfoKind(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 1)
	network.Node(addrs[0]).SetHandler(func(ctx context.Context, body []byte) ([]byte, error) {
		return []byte(`{"node_id":"node-0"}`), nil
	})
	c := setupTestClient(t, network, testConfig(addrs...))
	waitConnected(t, c, 1)

	assert.Contains(t, c.Kinds(), transport.KindNodeInfo)
	resp, err := c.Do(context.Background(), transport.KindNodeInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, "node-0", resp.NodeID)
}

func TestClient_UnreachableNodeRecovers(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 2)
	network.Node(addrs[1]).SetRefuse(true)

	c := setupTestClient(t, network, testConfig(addrs...))
	waitConnected(t, c, 1)
	assert.Equal(t, addrs, c.ListedNodes())

	for i := 0; i < 4; i++ {
		resp, err := c.Do(context.Background(), storage.KindPut, putBody(t, "k", "v"))
		require.NoError(t, err)
		assert.Equal(t, "node-0", resp.NodeID)
	}

	// the next sampling cycle reconnects the node
	network.Node(addrs[1]).SetRefuse(false)
	waitConnected(t, c, 2)
}

func TestClient_FilteredNodeNotDispatched(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 2)
	network.Node(addrs[1]).SetIdentity(transport.Identity{NodeID: "node-1", ClusterName: "other"})

	c := setupTestClient(t, network, testConfig(addrs...))
	require.Eventually(t, func() bool {
		return len(c.FilteredNodes()) == 1 && len(c.ConnectedNodes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, addrs[1], c.FilteredNodes()[0].Address)

	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), storage.KindPut, putBody(t, "k", "v"))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, network.Node(addrs[1]).Sends())
}

func TestClient_WithFilterOverridesConfig(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 1)
	network.Node(addrs[0]).SetIdentity(transport.Identity{NodeID: "node-0", ClusterName: "other"})

	c := setupTestClient(t, network, testConfig(addrs...), WithFilter(nodes.AcceptAll))
	waitConnected(t, c, 1)
}

func TestClient_AddAndRemoveAddress(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 2)
	c := setupTestClient(t, network, testConfig(addrs[0]))
	waitConnected(t, c, 1)

	require.NoError(t, c.AddAddress(addrs[1]))
	require.NoError(t, c.AddAddress(addrs[1]))
	waitConnected(t, c, 2)
	assert.Len(t, c.Nodes(), 2)

	assert.True(t, c.RemoveAddress(addrs[0]))
	assert.False(t, c.RemoveAddress(addrs[0]))
	assert.Equal(t, 0, network.Node(addrs[0]).OpenConns())
	assert.Equal(t, []transport.Address{addrs[1]}, c.ListedNodes())

	for i := 0; i < 3; i++ {
		resp, err := c.Do(context.Background(), storage.KindPut, putBody(t, "k", "v"))
		require.NoError(t, err)
		assert.Equal(t, "node-1", resp.NodeID)
	}
}

func TestClient_NoNodes(t *testing.T) {
	network := transport.NewFakeNetwork()
	c := setupTestClient(t, network, testConfig())

	_, err := c.Do(context.Background(), storage.KindGet, nil)
	assert.ErrorIs(t, err, dispatch.ErrNoNodesAvailable)
}

func TestClient_CloseFailsInFlightRequests(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	network.Node(addrs[0]).SetHandler(func(ctx context.Context, body []byte) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	})

	c := setupTestClient(t, network, testConfig(addrs...))
	waitConnected(t, c, 1)

	errCh := make(chan error, 1)
	c.Execute(context.Background(), storage.KindGet, nil, func(resp transport.Response, err error) {
		errCh <- err
	})
	<-started

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request was not failed by Close")
	}

	assert.Equal(t, 0, network.Node(addrs[0]).OpenConns())
	_, err := c.Do(context.Background(), storage.KindGet, nil)
	assert.ErrorIs(t, err, dispatch.ErrClosed)
	assert.ErrorIs(t, c.AddAddress(addrs[0]), ErrClosed)
}

func TestClient_KVRoundTrip(t *testing.T) {
	network := transport.NewFakeNetwork()
	addr := transport.Address{Host: "kv", Port: 9300}
	network.AddNode(addr, transport.Identity{NodeID: "kv", ClusterName: testCluster}).
		SetHandlers(storage.Actions(storage.NewStore()))

	c := setupTestClient(t, network, testConfig(addr))
	waitConnected(t, c, 1)

	_, err := c.Do(context.Background(), storage.KindPut, putBody(t, "greeting", "hello"))
	require.NoError(t, err)

	body, _ := json.Marshal(storage.KeyRequest{Key: "greeting"})
	resp, err := c.Do(context.Background(), storage.KindGet, body)
	require.NoError(t, err)

	var got storage.KeyResponse
	require.NoError(t, json.Unmarshal(resp.Body, &got))
	assert.Equal(t, "hello", string(got.Value))

	body, _ = json.Marshal(storage.KeyRequest{Key: "missing"})
	_, err = c.Do(context.Background(), storage.KindGet, body)
	var appErr *transport.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 404, appErr.Status)
}

func TestClient_Metrics(t *testing.T) {
	network := transport.NewFakeNetwork()
	addrs := addNodes(network, 2)
	m := metrics.NewClientMetrics(nil)
	c := setupTestClient(t, network, testConfig(addrs...), WithMetrics(m))
	waitConnected(t, c, 2)

	_, err := c.Do(context.Background(), storage.KindPut, putBody(t, "k", "v"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ConnectedNodes) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ListedNodes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchTotal.WithLabelValues(storage.KindPut, dispatch.OutcomeSuccess)))
}
