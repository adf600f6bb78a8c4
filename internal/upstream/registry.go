// Package upstream tracks the backend services the gateway proxies to and
// rotates across their replicas.
package upstream

import (
	"fmt"
	"strings"
	"sync"
)

// ErrServiceNotFound is returned when no pool exists for a service name.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return "no upstream service registered for: " + e.Service
}

// Pool rotates across the replicas of one logical service with plain
// round-robin. Replica health is not tracked; a failing replica stays in
// rotation and surfaces as a proxy error on its turns.
type Pool struct {
	mu       sync.Mutex
	replicas []string
	next     int
}

// NewPool creates a pool over the given replica base URLs.
func NewPool(replicas []string) (*Pool, error) {
	cleaned := make([]string, 0, len(replicas))
	for _, r := range replicas {
		r = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(r), "/"))
		if r != "" {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("pool requires at least one replica")
	}
	return &Pool{replicas: cleaned}, nil
}

// Next returns the next replica in rotation.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	replica := p.replicas[p.next]
	p.next = (p.next + 1) % len(p.replicas)
	return replica
}

// Size returns the number of replicas in the pool.
func (p *Pool) Size() int {
	return len(p.replicas)
}

// Registry maps logical service names to replica pools. The mapping is
// fixed at construction; only the per-pool rotation cursor mutates.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry builds a registry from service name to comma-separated
// replica URLs.
func NewRegistry(services map[string]string) (*Registry, error) {
	pools := make(map[string]*Pool, len(services))
	for name, urls := range services {
		pool, err := NewPool(strings.Split(urls, ","))
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		pools[name] = pool
	}
	return &Registry{pools: pools}, nil
}

// Choose returns the next replica base URL for the named service.
func (r *Registry) Choose(service string) (string, error) {
	pool, ok := r.pools[service]
	if !ok {
		return "", &ErrServiceNotFound{Service: service}
	}
	return pool.Next(), nil
}

// Services returns the registered service names.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}
