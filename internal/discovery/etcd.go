// Package discovery keeps the client's listed addresses in sync with node
// registrations stored in etcd.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/transport"
)

const loadTimeout = 5 * time.Second

// Getter is the part of clientv3.KV the source reads with
type Getter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// Watcher is the part of clientv3.Watcher the source follows changes with
type Watcher interface {
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// AddressSink receives the discovered addresses
type AddressSink interface {
	AddAddresses(addrs ...transport.Address) error
	RemoveAddress(addr transport.Address) bool
}

// Registration is the value stored under a node key
type Registration struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// EtcdSource lists every address registered under a key prefix and unlists
// addresses whose keys are deleted
type EtcdSource struct {
	kv      Getter
	watcher Watcher
	prefix  string
	sink    AddressSink
	logger  *zap.Logger

	mu   sync.Mutex
	keys map[string]transport.Address

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEtcdSource creates a source reading registrations under prefix.
// A *clientv3.Client serves as both kv and watcher.
func NewEtcdSource(kv Getter, watcher Watcher, prefix string, sink AddressSink, logger *zap.Logger) *EtcdSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdSource{
		kv:      kv,
		watcher: watcher,
		prefix:  prefix,
		sink:    sink,
		logger:  logger.Named("discovery"),
		keys:    make(map[string]transport.Address),
	}
}

// Start loads the current registrations and follows later changes until
// ctx is done or Close is called
func (s *EtcdSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("discovery already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	rev, err := s.load(ctx)
	if err != nil {
		cancel()
		close(s.done)
		return err
	}

	go s.watch(ctx, rev)
	return nil
}

// Close stops following changes. Listed addresses stay listed.
func (s *EtcdSource) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Addresses returns the addresses currently registered, keyed by etcd key
func (s *EtcdSource) Addresses() map[string]transport.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]transport.Address, len(s.keys))
	for k, a := range s.keys {
		out[k] = a
	}
	return out
}

// load reads every registration under the prefix, reconciles the sink with
// it and returns the revision it reflects
func (s *EtcdSource) load(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to get nodes from etcd: %w", err)
	}

	seen := make(map[string]bool, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		seen[string(kv.Key)] = true
		s.put(kv)
	}

	s.mu.Lock()
	var stale []string
	for key := range s.keys {
		if !seen[key] {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()
	for _, key := range stale {
		s.delete(key)
	}

	s.logger.Info("Loaded node registrations",
		zap.String("prefix", s.prefix),
		zap.Int("count", len(resp.Kvs)))
	return resp.Header.GetRevision(), nil
}

func (s *EtcdSource) watch(ctx context.Context, rev int64) {
	defer close(s.done)

	for {
		watchChan := s.watcher.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				s.logger.Warn("Watch interrupted, reloading registrations", zap.Error(err))
				break
			}
			for _, event := range watchResp.Events {
				switch event.Type {
				case mvccpb.PUT:
					s.put(event.Kv)
				case mvccpb.DELETE:
					s.delete(string(event.Kv.Key))
				}
			}
			if r := watchResp.Header.Revision; r > rev {
				rev = r
			}
		}

		if ctx.Err() != nil {
			return
		}
		// The watch ended early (compaction or a lost stream); start over from a fresh read.
		next, err := s.load(ctx)
		if err != nil {
			s.logger.Warn("Failed to reload registrations", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		rev = next
	}
}

func (s *EtcdSource) put(kv *mvccpb.KeyValue) {
	key := string(kv.Key)
	addr, err := ParseRegistration(kv.Value)
	if err != nil {
		s.logger.Warn("Ignoring invalid node registration", zap.String("key", key), zap.Error(err))
		return
	}

	s.mu.Lock()
	old, had := s.keys[key]
	s.keys[key] = addr
	orphaned := had && old != addr && !s.referencedLocked(old)
	s.mu.Unlock()

	if had && old == addr {
		return
	}
	if orphaned {
		s.sink.RemoveAddress(old)
	}
	if err := s.sink.AddAddresses(addr); err != nil {
		s.logger.Warn("Failed to add discovered address", zap.Stringer("address", addr), zap.Error(err))
		return
	}
	s.logger.Debug("Node registered", zap.String("key", key), zap.Stringer("address", addr))
}

func (s *EtcdSource) delete(key string) {
	s.mu.Lock()
	addr, had := s.keys[key]
	delete(s.keys, key)
	orphaned := had && !s.referencedLocked(addr)
	s.mu.Unlock()

	if orphaned {
		s.sink.RemoveAddress(addr)
		s.logger.Debug("Node unregistered", zap.String("key", key), zap.Stringer("address", addr))
	}
}

// referencedLocked reports whether any key still maps to addr
func (s *EtcdSource) referencedLocked(addr transport.Address) bool {
	for _, a := range s.keys {
		if a == addr {
			return true
		}
	}
	return false
}

// ParseRegistration reads a node address from a registration value: either a
// Registration JSON object or a bare host:port
func ParseRegistration(value []byte) (transport.Address, error) {
	raw := strings.TrimSpace(string(value))
	if strings.HasPrefix(raw, "{") {
		var reg Registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			return transport.Address{}, fmt.Errorf("invalid registration: %w", err)
		}
		raw = reg.Address
	}
	return transport.ParseAddress(raw)
}
