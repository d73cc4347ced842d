package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timour/stripe-checkout/discovery"
)

var (
	ErrNotRegistered = errors.New("instance not registered")
	ErrNoInstances   = errors.New("no live instances")
)

// Registry keeps registrations in process memory. The payments service falls
// back to it when no Consul agent is configured, so heartbeats and shutdown
// deregistration run the same way in both setups.
//
// Liveness follows Consul's TTL check: an instance whose last heartbeat is
// older than discovery.CheckTTL is left out of Discover.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]instance
	ttl      time.Duration
	now      func() time.Time
}

type instance struct {
	hostPort string
	seen     time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		services: map[string]map[string]instance{},
		ttl:      discovery.CheckTTL,
		now:      time.Now,
	}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	if hostPort == "" {
		return fmt.Errorf("register %s: empty address", instanceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.services[serviceName]
	if !ok {
		instances = map[string]instance{}
		r.services[serviceName] = instances
	}
	instances[instanceID] = instance{hostPort: hostPort, seen: r.now()}
	return nil
}

// Deregister is a no-op for unknown instances, like Consul's agent endpoint.
func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.services[serviceName], instanceID)
	if len(r.services[serviceName]) == 0 {
		delete(r.services, serviceName)
	}
	return nil
}

// HealthCheck refreshes the instance's TTL.
func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.services[serviceName][instanceID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotRegistered, serviceName, instanceID)
	}
	inst.seen = r.now()
	r.services[serviceName][instanceID] = inst
	return nil
}

// Discover returns the addresses of instances heartbeated within the TTL,
// sorted.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-r.ttl)
	var addrs []string
	for _, inst := range r.services[serviceName] {
		if inst.seen.Before(cutoff) {
			continue
		}
		addrs = append(addrs, inst.hostPort)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInstances, serviceName)
	}

	sort.Strings(addrs)
	return addrs, nil
}

var _ discovery.Registry = (*Registry)(nil)
