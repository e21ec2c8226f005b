package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored: entries live until deregistered.
type MemoryRegistry struct {
	lock     sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: map[string]map[string]ServiceInstance{},
		watchers: map[string][]chan []ServiceInstance{},
	}
}

func (m *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	instances, ok := m.services[serviceName]
	if !ok {
		instances = map[string]ServiceInstance{}
		m.services[serviceName] = instances
	}
	instances[instance.ID] = instance
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.services[serviceName][id]; !ok {
		return nil
	}
	delete(m.services[serviceName], id)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.list(serviceName), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.lock.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.lock.Unlock()
	go func() {
		<-ctx.Done()
		m.lock.Lock()
		defer m.lock.Unlock()
		watchers := m.watchers[serviceName]
		for i, w := range watchers {
			if w == ch {
				m.watchers[serviceName] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns instances sorted by ID. Called with the lock held.
func (m *MemoryRegistry) list(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(m.services[serviceName]))
	for _, instance := range m.services[serviceName] {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
	return instances
}

// notify hands watchers the latest list, replacing one they have not consumed yet. Called with
// the lock held.
func (m *MemoryRegistry) notify(serviceName string) {
	instances := m.list(serviceName)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
