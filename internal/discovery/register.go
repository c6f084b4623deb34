package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/transport"
)

const (
	defaultLeaseTTL = 30 // seconds
	maxBackoff      = 30 * time.Second
)

// LeaseKV is the part of *clientv3.Client a Registrar needs
type LeaseKV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

// Registrar keeps a node registered under a prefix for as long as it runs.
// The registration is tied to a lease, so it disappears if the node dies.
type Registrar struct {
	client   LeaseKV
	key      string
	value    string
	leaseTTL int64
	logger   *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRegistrar creates a Registrar for the node at addr. A ttl of zero uses 30 seconds.
func NewRegistrar(client LeaseKV, prefix, nodeID string, addr transport.Address, ttl int64, logger *zap.Logger) (*Registrar, error) {
	if nodeID == "" {
		return nil, errors.New("node id is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	value, err := json.Marshal(Registration{NodeID: nodeID, Address: addr.String()})
	if err != nil {
		return nil, err
	}
	return &Registrar{
		client:   client,
		key:      prefix + nodeID,
		value:    string(value),
		leaseTTL: ttl,
		logger:   logger.Named("registrar"),
	}, nil
}

// Key returns the etcd key the node is registered under
func (r *Registrar) Key() string {
	return r.key
}

// Register writes the registration and keeps its lease alive in the background,
// registering again with exponential backoff if the lease is lost
func (r *Registrar) Register(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("already registered")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	keepAliveCh, err := r.register(ctx)
	if err != nil {
		cancel()
		close(r.done)
		return err
	}

	go r.keepAlive(ctx, keepAliveCh)
	return nil
}

func (r *Registrar) register(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	lease, err := r.client.Grant(ctx, r.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	if _, err := r.client.Put(ctx, r.key, r.value, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to keep lease alive: %w", err)
	}

	r.mu.Lock()
	r.leaseID = lease.ID
	r.mu.Unlock()

	r.logger.Info("Node registered", zap.String("key", r.key), zap.Int64("lease_ttl", r.leaseTTL))
	return keepAliveCh, nil
}

func (r *Registrar) keepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ka, ok := <-ch:
			if ok && ka != nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Lease keep-alive lost, registering again", zap.String("key", r.key))
			next, err := r.registerWithRetry(ctx)
			if err != nil {
				return
			}
			ch = next
		}
	}
}

// registerWithRetry registers again with exponential backoff until it
// succeeds or ctx is done
func (r *Registrar) registerWithRetry(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			ch, err := r.register(ctx)
			if err == nil {
				return ch, nil
			}
			r.logger.Warn("Registration failed", zap.Error(err), zap.Duration("retry_in", backoff))

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Deregister stops the keep-alive and revokes the lease, deleting the key
func (r *Registrar) Deregister(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	leaseID := r.leaseID
	r.leaseID = 0
	r.mu.Unlock()

	if leaseID == 0 {
		return nil
	}
	if _, err := r.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	r.logger.Info("Node deregistered", zap.String("key", r.key))
	return nil
}
