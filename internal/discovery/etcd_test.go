package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"github.com/arohanajit/nodeclient/internal/transport"
)

const testPrefix = "/services/test/nodes/"

type fakeKV struct {
	mu   sync.Mutex
	kvs  map[string]string
	rev  int64
	gets int
	err  error
}

func newFakeKV(kvs map[string]string) *fakeKV {
	return &fakeKV{kvs: kvs, rev: 10}
}

func (f *fakeKV) set(kvs map[string]string, rev int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kvs = kvs
	f.rev = rev
}

func (f *fakeKV) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	resp := &clientv3.GetResponse{Header: &etcdserverpb.ResponseHeader{Revision: f.rev}}
	for k, v := range f.kvs {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
	}
	return resp, nil
}

type fakeWatcher struct {
	streams chan chan clientv3.WatchResponse
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{streams: make(chan chan clientv3.WatchResponse, 4)}
}

func (w *fakeWatcher) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	ch := make(chan clientv3.WatchResponse)
	out := make(chan clientv3.WatchResponse)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	w.streams <- ch
	return out
}

func (w *fakeWatcher) next(t *testing.T) chan clientv3.WatchResponse {
	t.Helper()
	select {
	case ch := <-w.streams:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("watch was not started")
		return nil
	}
}

type recordingSink struct {
	mu      sync.Mutex
	listed  map[transport.Address]bool
	removed []transport.Address
}

func newRecordingSink() *recordingSink {
	return &recordingSink{listed: make(map[transport.Address]bool)}
}

func (s *recordingSink) AddAddresses(addrs ...transport.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.listed[a] = true
	}
	return nil
}

func (s *recordingSink) RemoveAddress(addr transport.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listed[addr] {
		return false
	}
	delete(s.listed, addr)
	s.removed = append(s.removed, addr)
	return true
}

func (s *recordingSink) has(addr transport.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listed[addr]
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listed)
}

func put(key, value string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}}
}

func del(key string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

var (
	addrA = transport.Address{Host: "10.0.0.1", Port: 9300}
	addrB = transport.Address{Host: "10.0.0.2", Port: 9300}
	addrC = transport.Address{Host: "10.0.0.3", Port: 9300}
)

func setupTestSource(t *testing.T, kv *fakeKV) (*EtcdSource, *fakeWatcher, *recordingSink) {
	t.Helper()
	watcher := newFakeWatcher()
	sink := newRecordingSink()
	src := NewEtcdSource(kv, watcher, testPrefix, sink, zaptest.NewLogger(t))
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(src.Close)
	return src, watcher, sink
}

func TestEtcdSource_InitialLoad(t *testing.T) {
	kv := newFakeKV(map[string]string{
		testPrefix + "a":   `{"node_id":"a","address":"10.0.0.1:9300"}`,
		testPrefix + "b":   "10.0.0.2:9300",
		testPrefix + "bad": "not-an-address",
	})
	src, _, sink := setupTestSource(t, kv)

	assert.True(t, sink.has(addrA))
	assert.True(t, sink.has(addrB))
	assert.Equal(t, 2, sink.count())
	assert.Len(t, src.Addresses(), 2)
}

func TestEtcdSource_FollowsChanges(t *testing.T) {
	kv := newFakeKV(map[string]string{testPrefix + "a": "10.0.0.1:9300"})
	_, watcher, sink := setupTestSource(t, kv)
	stream := watcher.next(t)

	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{put(testPrefix+"b", "10.0.0.2:9300")}}
	require.Eventually(t, func() bool { return sink.has(addrB) }, time.Second, 5*time.Millisecond)

	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{del(testPrefix + "a")}}
	require.Eventually(t, func() bool { return !sink.has(addrA) }, time.Second, 5*time.Millisecond)

	// a key moving to a new address unlists the old one
	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{put(testPrefix+"b", "10.0.0.3:9300")}}
	require.Eventually(t, func() bool { return sink.has(addrC) && !sink.has(addrB) }, time.Second, 5*time.Millisecond)
}

func TestEtcdSource_SharedAddressKeptUntilLastKey(t *testing.T) {
	kv := newFakeKV(map[string]string{
		testPrefix + "a":       "10.0.0.1:9300",
		testPrefix + "a-alias": "10.0.0.1:9300",
	})
	_, watcher, sink := setupTestSource(t, kv)
	stream := watcher.next(t)

	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{del(testPrefix + "a")}}
	// an unrelated event marks that the first one was processed
	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{put(testPrefix+"b", "10.0.0.2:9300")}}
	require.Eventually(t, func() bool { return sink.has(addrB) }, time.Second, 5*time.Millisecond)
	assert.True(t, sink.has(addrA))

	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{del(testPrefix + "a-alias")}}
	require.Eventually(t, func() bool { return !sink.has(addrA) }, time.Second, 5*time.Millisecond)
}

func TestEtcdSource_ReloadsAfterCompaction(t *testing.T) {
	kv := newFakeKV(map[string]string{testPrefix + "a": "10.0.0.1:9300"})
	_, watcher, sink := setupTestSource(t, kv)
	stream := watcher.next(t)

	// changes missed while the watch was compacted away
	kv.set(map[string]string{testPrefix + "b": "10.0.0.2:9300"}, 20)
	stream <- clientv3.WatchResponse{CompactRevision: 15}

	watcher.next(t)
	assert.Equal(t, 2, kv.Gets())
	assert.True(t, sink.has(addrB))
	assert.False(t, sink.has(addrA))
}

func TestEtcdSource_StartErrors(t *testing.T) {
	kv := newFakeKV(nil)
	kv.err = errors.New("etcd unavailable")
	src := NewEtcdSource(kv, newFakeWatcher(), testPrefix, newRecordingSink(), nil)

	err := src.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd unavailable")
	src.Close()

	ok := NewEtcdSource(newFakeKV(nil), newFakeWatcher(), testPrefix, newRecordingSink(), nil)
	require.NoError(t, ok.Start(context.Background()))
	assert.Error(t, ok.Start(context.Background()))
	ok.Close()
	ok.Close()
}

func TestParseRegistration(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    transport.Address
		wantErr bool
	}{
		{name: "json", value: `{"node_id":"a","address":"10.0.0.1:9300"}`, want: addrA},
		{name: "bare", value: " 10.0.0.2:9300\n", want: addrB},
		{name: "bad json", value: `{"address":`, wantErr: true},
		{name: "missing port", value: "10.0.0.1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRegistration([]byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
