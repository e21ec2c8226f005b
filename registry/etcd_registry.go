package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	log "ws-rpc/logger"
)

const etcdDialTimeout = 5 * time.Second

// EtcdRegistry keeps instances in etcd under TTL leases: if a server dies without deregistering,
// its lease expires and the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	lock   sync.Mutex
	leases map[string]registration // Keyed by instance key
}

type registration struct {
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc // Stops the keep alive
}

var _ Registry = (*EtcdRegistry)(nil)

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &EtcdRegistry{client: c, leases: map[string]registration{}}, nil
}

// Register puts the instance under a fresh lease and renews the lease in the background until
// Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.WithStack(err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.WithStack(err)
	}
	key := instanceKey(serviceName, instance.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.WithStack(err)
	}
	// The keep alive outlives ctx, which only bounds the registration itself
	keepAliveCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.WithStack(err)
	}
	go func() {
		for range ch {
		}
		if keepAliveCtx.Err() == nil {
			log.Warnf("lease for %s is no longer renewed", key)
		}
	}()

	r.lock.Lock()
	prev, exists := r.leases[key]
	r.leases[key] = registration{leaseID: lease.ID, cancel: cancel}
	r.lock.Unlock()
	if exists {
		prev.cancel()
	}
	return nil
}

// Deregister stops renewing the instance's lease and revokes it, which deletes the key.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, id string) error {
	key := instanceKey(serviceName, id)
	r.lock.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.lock.Unlock()
	if !ok {
		_, err := r.client.Delete(ctx, key)
		return errors.WithStack(err)
	}
	reg.cancel()
	_, err := r.client.Revoke(ctx, reg.leaseID)
	return errors.WithStack(err)
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			log.Warnf("skipping malformed registry entry %s: %v", kv.Key, err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the whole service prefix on every change instead of applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				log.Warnf("failed to refresh instances of %s: %v", serviceName, err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keep alive and closes the etcd client. Registered leases expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.lock.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.lock.Unlock()
	return errors.WithStack(r.client.Close())
}
