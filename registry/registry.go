// Package registry lets ws-rpc servers announce themselves and clients find them.
//
// Instances live under one key per instance:
//
//	Key:   /ws-rpc/{ServiceName}/{InstanceID}
//	Value: JSON-encoded ServiceInstance
package registry

import "context"

const keyPrefix = "/ws-rpc/"

type ServiceInstance struct {
	ID      string `json:"id"`      // Unique per server process
	Addr    string `json:"addr"`    // Address clients dial, e.g. ws://10.0.0.5:7780/ws
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"` // Informational
}

type Registry interface {
	// Register announces instance under serviceName. It stays registered for ttl seconds after
	// the registering process stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, id string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list each time it changes, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

func instanceKey(serviceName, id string) string {
	return servicePrefix(serviceName) + id
}
