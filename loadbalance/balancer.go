// Package loadbalance picks which discovered server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Sticky clients, the same key lands on the same server while it is up
package loadbalance

import (
	"github.com/pkg/errors"

	"ws-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance from the available list. Implementations are goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// NewBalancer returns the balancer registered under name. hashKey is only used by consistent-hash.
func NewBalancer(name string, hashKey string) (Balancer, error) {
	switch name {
	case "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(hashKey), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
