package manager

import (
	"context"

	"mini-broker/address"
	"mini-broker/registry"
)

// query runs fn on the manager goroutine and returns its result. It fails
// with ErrNotStarted if the manager is not running or exits before fn ran.
// fn writes only to its own buffered channel, so a caller that gave up on ctx
// shares nothing with it.
func query[T any](ctx context.Context, m *ServiceManager, fn func() T) (T, error) {
	var zero T
	result := make(chan T, 1)
	dropped := make(chan struct{})
	d := &eventData{
		cmd:    cmdQuery,
		query:  func() { result <- fn() },
		onDrop: func() { close(dropped) },
	}
	if !m.post(d) {
		return zero, ErrNotStarted
	}
	select {
	case v := <-result:
		return v, nil
	case <-dropped:
		return zero, ErrNotStarted
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type serviceLists struct {
	stubs   []address.StubAddress
	proxies []address.ProxyAddress
}

// RemoteServiceList returns the local stubs and proxies a router must know
// about: Public, living in this process, and (for stubs) connected.
func (m *ServiceManager) RemoteServiceList(ctx context.Context) ([]address.StubAddress, []address.ProxyAddress, error) {
	l, err := query(ctx, m, func() serviceLists {
		stubs, proxies := m.remoteServiceList()
		return serviceLists{stubs: stubs, proxies: proxies}
	})
	return l.stubs, l.proxies, err
}

func (m *ServiceManager) remoteServiceList() ([]address.StubAddress, []address.ProxyAddress) {
	var (
		stubs   []address.StubAddress
		proxies []address.ProxyAddress
	)
	for _, e := range m.servers.Entries() {
		if s := e.Server.Address(); e.Server.IsConnected() && s.IsLocalAddress() && s.IsPublic() {
			stubs = append(stubs, s)
		}
		for _, c := range e.Clients {
			if p := c.Address(); p.IsLocalAddress() && p.IsPublic() {
				proxies = append(proxies, p)
			}
		}
	}
	return stubs, proxies
}

// ServiceList returns the connected stubs and the proxies whose channel
// carries cookie. address.CookieAny matches every entry.
func (m *ServiceManager) ServiceList(ctx context.Context, cookie uint64) ([]address.StubAddress, []address.ProxyAddress, error) {
	match := func(c uint64) bool { return cookie == address.CookieAny || c == cookie }
	l, err := query(ctx, m, func() serviceLists {
		var l serviceLists
		for _, e := range m.servers.Entries() {
			if s := e.Server.Address(); e.Server.IsConnected() && match(s.Channel.Cookie) {
				l.stubs = append(l.stubs, s)
			}
			for _, c := range e.Clients {
				if p := c.Address(); match(p.Channel.Cookie) {
					l.proxies = append(l.proxies, p)
				}
			}
		}
		return l
	})
	return l.stubs, l.proxies, err
}

// ServerState returns the state of the server registered for svc.
func (m *ServiceManager) ServerState(ctx context.Context, svc address.ServiceAddress) (address.ConnectionStatus, error) {
	status, err := query(ctx, m, func() address.ConnectionStatus { return m.servers.ServerState(svc) })
	if err != nil {
		return address.StatusUnknown, err
	}
	return status, nil
}

// Clients returns the proxies waiting on or bound to the server for svc.
func (m *ServiceManager) Clients(ctx context.Context, svc address.ServiceAddress) ([]registry.ClientInfo, error) {
	return query(ctx, m, func() []registry.ClientInfo { return m.servers.ClientList(svc) })
}

// Snapshot copies the whole registry.
func (m *ServiceManager) Snapshot(ctx context.Context) ([]registry.Entry, error) {
	return query(ctx, m, func() []registry.Entry { return m.servers.Entries() })
}
