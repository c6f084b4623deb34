package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/arohanajit/nodeclient/internal/transport"
)

type fakeLeaseKV struct {
	mu        sync.Mutex
	nextLease clientv3.LeaseID
	puts      map[string]string
	grants    int
	revoked   []clientv3.LeaseID
	keepAlive chan *clientv3.LeaseKeepAliveResponse
}

func newFakeLeaseKV() *fakeLeaseKV {
	return &fakeLeaseKV{puts: make(map[string]string)}
}

func (f *fakeLeaseKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeLeaseKV) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	f.nextLease++
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeLeaseKV) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlive = make(chan *clientv3.LeaseKeepAliveResponse)
	return f.keepAlive, nil
}

func (f *fakeLeaseKV) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeLeaseKV) Grants() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants
}

func (f *fakeLeaseKV) dropKeepAlive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.keepAlive)
}

func TestRegistrar_RegisterAndDeregister(t *testing.T) {
	client := newFakeLeaseKV()
	addr := transport.Address{Host: "10.0.0.7", Port: 9300}
	r, err := NewRegistrar(client, testPrefix, "node-7", addr, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"node-7", r.Key())

	require.NoError(t, r.Register(context.Background()))
	assert.Error(t, r.Register(context.Background()))

	client.mu.Lock()
	value := client.puts[r.Key()]
	client.mu.Unlock()
	got, err := ParseRegistration([]byte(value))
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	require.NoError(t, r.Deregister(context.Background()))
	require.NoError(t, r.Deregister(context.Background()))
	assert.Equal(t, []clientv3.LeaseID{1}, client.revoked)
}

func TestRegistrar_ReregistersWhenLeaseLost(t *testing.T) {
	client := newFakeLeaseKV()
	r, err := NewRegistrar(client, testPrefix, "node-1", transport.Address{Host: "h", Port: 1}, 5, nil)
	require.NoError(t, err)
	require.NoError(t, r.Register(context.Background()))

	client.dropKeepAlive()
	require.Eventually(t, func() bool { return client.Grants() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Deregister(context.Background()))
	assert.Equal(t, []clientv3.LeaseID{2}, client.revoked)
}

func TestNewRegistrar_RequiresNodeID(t *testing.T) {
	_, err := NewRegistrar(newFakeLeaseKV(), testPrefix, "", transport.Address{Host: "h", Port: 1}, 0, nil)
	assert.Error(t, err)
}
