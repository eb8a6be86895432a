package discovery

import (
	"context"
	"sync"
)

// StaticRegistry is an in-memory Registry. It serves fixed broker addresses
// from configuration and stands in for etcd in tests. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]Instance
	watchers map[string][]chan []Instance
}

// NewStaticRegistry seeds service with one instance per address.
func NewStaticRegistry(service string, addrs ...string) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string][]Instance),
		watchers: make(map[string][]chan []Instance),
	}
	for _, a := range addrs {
		r.services[service] = append(r.services[service], Instance{Addr: a})
	}
	return r
}

func (r *StaticRegistry) Register(_ context.Context, service string, instance Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[service]
	for i := range list {
		if list[i].Addr == instance.Addr {
			list[i] = instance
			r.notify(service)
			return nil
		}
	}
	r.services[service] = append(list, instance)
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[service]
	for i := range list {
		if list[i].Addr == addr {
			r.services[service] = append(list[:i], list[i+1:]...)
			r.notify(service)
			break
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(service), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i := range ws {
			if ws[i] == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) Close() error { return nil }

func (r *StaticRegistry) snapshot(service string) []Instance {
	out := make([]Instance, len(r.services[service]))
	copy(out, r.services[service])
	return out
}

// notify replaces any unread update; watchers only care about the latest list.
func (r *StaticRegistry) notify(service string) {
	list := r.snapshot(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
