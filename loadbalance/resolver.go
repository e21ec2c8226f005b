package loadbalance

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	log "ws-rpc/logger"
	"ws-rpc/registry"
)

/*
Resolver picks a server address for each connect attempt of a client. It keeps the instance list
of one service current by watching the registry, so Resolve never blocks on the registry.
*/
type Resolver struct {
	lock      sync.RWMutex
	service   string
	balancer  Balancer
	instances []registry.ServiceInstance
}

// NewResolver loads the current instances of service and follows changes until ctx is done.
func NewResolver(ctx context.Context, reg registry.Registry, service string, balancer Balancer) (*Resolver, error) {
	r := &Resolver{service: service, balancer: balancer}
	updates := reg.Watch(ctx, service)
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	r.update(instances)
	go func() {
		for instances := range updates {
			r.update(instances)
		}
	}()
	return r, nil
}

func (r *Resolver) update(instances []registry.ServiceInstance) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.instances = instances
	log.Debugf("service %s has %d instances", r.service, len(instances))
}

// Resolve returns the address of the instance the balancer picks.
func (r *Resolver) Resolve() (string, error) {
	r.lock.RLock()
	instances := r.instances
	r.lock.RUnlock()
	inst, err := r.balancer.Pick(instances)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s with %s", r.service, r.balancer.Name())
	}
	return inst.Addr, nil
}
