package registry

import (
	"context"
	"fmt"
	"sync"
)

// StaticRegistry serves a fixed, in-memory endpoint list, typically from the
// config file. Register and Deregister edit the list; TTLs are ignored.
type StaticRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

func (r *StaticRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.endpoints[service] {
		if e.Addr == ep.Addr {
			r.endpoints[service][i] = ep
			r.notify(service)
			return nil
		}
	}
	r.endpoints[service] = append(r.endpoints[service], ep)
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.endpoints[service]
	for i, e := range eps {
		if e.Addr == addr {
			r.endpoints[service] = append(eps[:i:i], eps[i+1:]...)
			r.notify(service)
			return nil
		}
	}
	return fmt.Errorf("registry: %s has no endpoint %s", service, addr)
}

func (r *StaticRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Endpoint(nil), r.endpoints[service]...), nil
}

// Watch emits the endpoint list after every change until ctx ends.
func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with mu held. Slow watchers only see the latest list.
func (r *StaticRegistry) notify(service string) {
	eps := append([]Endpoint(nil), r.endpoints[service]...)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- eps
	}
}
