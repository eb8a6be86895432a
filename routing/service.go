// Package routing is the broker-side registry: the same stub/proxy state
// machine as package registry, scoped to every process connected to one
// router and keyed by the CRC32 of role and service name.
//
// Addresses stored here always carry the cookie of the process that owns
// them. Two endpoints with the same cookie live in the same process and are
// connected by that process itself; the router only forwards between cookies.
package routing

import "mini-broker/address"

// ServiceStub is the router's record of a stub, or of a missing one.
type ServiceStub struct {
	addr   address.StubAddress
	status address.ConnectionStatus
}

func newServiceStub(stub address.StubAddress) ServiceStub {
	s := ServiceStub{addr: stub, status: address.StatusPending}
	if stub.IsValid() && stub.Channel.Source != address.IDUnknown {
		s.status = address.StatusConnected
	}
	return s
}

func (s ServiceStub) Address() address.StubAddress      { return s.addr }
func (s ServiceStub) Status() address.ConnectionStatus { return s.status }
func (s ServiceStub) IsConnected() bool                { return s.status == address.StatusConnected }

// ServiceProxy is the router's record of one proxy and the stub serving it.
type ServiceProxy struct {
	addr   address.ProxyAddress
	stub   address.StubAddress
	status address.ConnectionStatus
}

func (p ServiceProxy) Address() address.ProxyAddress    { return p.addr }
func (p ServiceProxy) Stub() address.StubAddress        { return p.stub }
func (p ServiceProxy) Status() address.ConnectionStatus { return p.status }
func (p ServiceProxy) IsConnected() bool                { return p.status == address.StatusConnected }

// Crosses reports whether proxy and its stub live in different processes.
func (p ServiceProxy) Crosses() bool {
	return p.stub.IsValid() && p.stub.Channel.Cookie != p.addr.Channel.Cookie
}

func (p *ServiceProxy) bind(stub ServiceStub) {
	if !stub.IsConnected() || !stub.addr.IsProxyCompatible(p.addr) {
		p.unbind()
		return
	}
	p.stub = stub.addr
	p.addr.Channel.Target = stub.addr.Channel.Source
	p.status = address.DeriveState(p.addr.Channel, address.StatusConnected)
}

func (p *ServiceProxy) unbind() {
	p.stub = p.addr.ImpliedStub()
	p.addr.Channel.Target = address.IDUnknown
	p.status = address.DeriveState(p.addr.Channel, address.StatusPending)
}

// ListServiceProxies holds the proxies of one stub in registration order.
type ListServiceProxies []ServiceProxy

func (l ListServiceProxies) index(proxy address.ProxyAddress) int {
	for i := range l {
		if l[i].addr.Equal(proxy) {
			return i
		}
	}
	return -1
}

func (l *ListServiceProxies) register(proxy address.ProxyAddress, stub ServiceStub) ServiceProxy {
	i := l.index(proxy)
	if i < 0 {
		*l = append(*l, ServiceProxy{addr: proxy})
		i = len(*l) - 1
	} else {
		(*l)[i].addr = proxy
	}
	(*l)[i].bind(stub)
	return (*l)[i]
}

func (l *ListServiceProxies) unregister(proxy address.ProxyAddress) (ServiceProxy, bool) {
	i := l.index(proxy)
	if i < 0 {
		return ServiceProxy{}, false
	}
	prev := (*l)[i]
	*l = append((*l)[:i], (*l)[i+1:]...)
	return prev, true
}

func (l ListServiceProxies) stubAvailable(stub ServiceStub) []ServiceProxy {
	staged := make([]ServiceProxy, 0, len(l))
	for i := range l {
		l[i].bind(stub)
		staged = append(staged, l[i])
	}
	return staged
}

// stubUnavailable returns each proxy as it was while still bound, so the
// caller can tell whom to notify.
func (l ListServiceProxies) stubUnavailable() []ServiceProxy {
	staged := make([]ServiceProxy, 0, len(l))
	for i := range l {
		staged = append(staged, l[i])
		l[i].unbind()
	}
	return staged
}
