package routing

import "mini-broker/address"

type stubEntry struct {
	stub    ServiceStub
	proxies ListServiceProxies
}

// ServiceRegistry maps every stub known to the router to its proxies. It is
// not safe for concurrent use.
type ServiceRegistry struct {
	buckets map[uint32][]*stubEntry
	order   []*stubEntry
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{buckets: make(map[uint32][]*stubEntry)}
}

func (r *ServiceRegistry) find(svc address.ServiceAddress) *stubEntry {
	for _, e := range r.buckets[svc.Hash()] {
		if e.stub.addr.SameService(svc) {
			return e
		}
	}
	return nil
}

func (r *ServiceRegistry) findOrInsert(svc address.ServiceAddress) *stubEntry {
	if e := r.find(svc); e != nil {
		return e
	}
	e := &stubEntry{stub: newServiceStub(address.StubAddress{ServiceAddress: svc})}
	h := svc.Hash()
	r.buckets[h] = append(r.buckets[h], e)
	r.order = append(r.order, e)
	return e
}

func (r *ServiceRegistry) erase(e *stubEntry) {
	h := e.stub.addr.Hash()
	bucket := r.buckets[h]
	for i := range bucket {
		if bucket[i] == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.buckets, h)
	} else {
		r.buckets[h] = bucket
	}
	for i := range r.order {
		if r.order[i] == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// RegisterServiceStub makes stub the provider of its service and returns the
// proxies now bound to it. A different connected stub blocks the call.
func (r *ServiceRegistry) RegisterServiceStub(stub address.StubAddress) (ServiceStub, []ServiceProxy, bool) {
	e := r.findOrInsert(stub.ServiceAddress)
	if e.stub.IsConnected() {
		if !e.stub.addr.Equal(stub) {
			return e.stub, nil, false
		}
		if e.stub.addr == stub {
			return e.stub, nil, true
		}
	}
	e.stub = newServiceStub(stub)
	return e.stub, e.proxies.stubAvailable(e.stub), true
}

// UnregisterServiceStub removes stub and returns its proxies as they were
// bound before the removal.
func (r *ServiceRegistry) UnregisterServiceStub(stub address.StubAddress) (ServiceStub, []ServiceProxy, bool) {
	e := r.find(stub.ServiceAddress)
	if e == nil || !e.stub.addr.Equal(stub) {
		return ServiceStub{}, nil, false
	}
	prev := e.stub
	staged := e.proxies.stubUnavailable()
	if len(e.proxies) == 0 {
		r.erase(e)
	} else {
		e.stub = newServiceStub(address.StubAddress{ServiceAddress: stub.ServiceAddress})
	}
	return prev, staged, true
}

// RegisterServiceProxy adds proxy under its service, creating a pending stub
// placeholder if needed.
func (r *ServiceRegistry) RegisterServiceProxy(proxy address.ProxyAddress) (ServiceStub, ServiceProxy) {
	e := r.findOrInsert(proxy.ServiceAddress)
	return e.stub, e.proxies.register(proxy, e.stub)
}

// UnregisterServiceProxy removes proxy and returns it as it was.
func (r *ServiceRegistry) UnregisterServiceProxy(proxy address.ProxyAddress) (ServiceStub, ServiceProxy, bool) {
	e := r.find(proxy.ServiceAddress)
	if e == nil {
		return ServiceStub{}, ServiceProxy{}, false
	}
	prev, ok := e.proxies.unregister(proxy)
	if !ok {
		return e.stub, ServiceProxy{}, false
	}
	stub := e.stub
	if len(e.proxies) == 0 && !stub.IsConnected() {
		r.erase(e)
	}
	return stub, prev, true
}

// ServiceList returns every stub and proxy owned by the process with cookie.
// CookieAny selects all of them.
func (r *ServiceRegistry) ServiceList(cookie uint64) ([]address.StubAddress, []address.ProxyAddress) {
	var (
		stubs   []address.StubAddress
		proxies []address.ProxyAddress
	)
	for _, e := range r.order {
		if e.stub.IsConnected() && matchCookie(e.stub.addr.Channel.Cookie, cookie) {
			stubs = append(stubs, e.stub.addr)
		}
		for _, p := range e.proxies {
			if matchCookie(p.addr.Channel.Cookie, cookie) {
				proxies = append(proxies, p.addr)
			}
		}
	}
	return stubs, proxies
}

func matchCookie(have, want uint64) bool {
	return want == address.CookieAny || have == want
}

// Stub returns the record for svc.
func (r *ServiceRegistry) Stub(svc address.ServiceAddress) (ServiceStub, bool) {
	if e := r.find(svc); e != nil {
		return e.stub, true
	}
	return ServiceStub{}, false
}

// Proxies returns a copy of the proxies registered for svc.
func (r *ServiceRegistry) Proxies(svc address.ServiceAddress) []ServiceProxy {
	e := r.find(svc)
	if e == nil {
		return nil
	}
	out := make([]ServiceProxy, len(e.proxies))
	copy(out, e.proxies)
	return out
}

func (r *ServiceRegistry) Len() int { return len(r.order) }
