package loadbalance

import (
	"math/rand"

	"ws-rpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to their weight.
// Instances without a positive weight are only picked when no instance has one.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	totalWeight := 0
	for _, inst := range instances {
		if inst.Weight > 0 {
			totalWeight += inst.Weight
		}
	}
	if totalWeight == 0 {
		return &instances[rand.Intn(len(instances))], nil
	}
	r := rand.Intn(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
