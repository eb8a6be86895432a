package registry

import "mini-broker/address"

type serverEntry struct {
	server  ServerInfo
	clients ClientList
}

// Entry is a snapshot of one server and its clients.
type Entry struct {
	Server  ServerInfo
	Clients []ClientInfo
}

// ServerList maps each logical server (role + service name) to its clients.
// Entries are bucketed by address.ServiceAddress.Hash and iterate in the order
// they were created.
//
// An entry whose client list is empty survives only while a local stub with a
// known source stands behind it; placeholder and remote entries are dropped
// as soon as their last client leaves.
type ServerList struct {
	buckets map[uint32][]*serverEntry
	order   []*serverEntry
}

func NewServerList() *ServerList {
	return &ServerList{buckets: make(map[uint32][]*serverEntry)}
}

func (l *ServerList) find(svc address.ServiceAddress) *serverEntry {
	for _, e := range l.buckets[svc.Hash()] {
		if e.server.addr.SameService(svc) {
			return e
		}
	}
	return nil
}

func (l *ServerList) insert(server ServerInfo) *serverEntry {
	e := &serverEntry{server: server}
	h := server.addr.Hash()
	l.buckets[h] = append(l.buckets[h], e)
	l.order = append(l.order, e)
	return e
}

func (l *ServerList) erase(e *serverEntry) {
	h := e.server.addr.Hash()
	bucket := l.buckets[h]
	for i := range bucket {
		if bucket[i] == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(l.buckets, h)
	} else {
		l.buckets[h] = bucket
	}
	for i := range l.order {
		if l.order[i] == e {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// RegisterClient adds proxy to the clients of its server, creating a pending
// placeholder server if the stub has not registered yet.
func (l *ServerList) RegisterClient(proxy address.ProxyAddress) (ServerInfo, ClientInfo) {
	e := l.find(proxy.ServiceAddress)
	if e == nil {
		e = l.insert(NewServerInfoFromProxy(proxy))
	}
	client := e.clients.RegisterClient(proxy, e.server)
	return e.server, client
}

// UnregisterClient removes proxy and returns its server and its entry as it
// was before removal.
func (l *ServerList) UnregisterClient(proxy address.ProxyAddress) (ServerInfo, ClientInfo, bool) {
	e := l.find(proxy.ServiceAddress)
	if e == nil {
		return ServerInfo{}, ClientInfo{}, false
	}
	client, ok := e.clients.UnregisterClient(proxy)
	if !ok {
		return e.server, ClientInfo{}, false
	}
	server := e.server
	if e.clients.Len() == 0 && (server.IsPlaceholder() || server.addr.IsRemoteAddress()) {
		l.erase(e)
	}
	return server, client, true
}

// RegisterServer makes stub the server of its entry and returns the clients
// whose binding changed.
//
// At most one stub per role and service is active: while a different stub is
// connected, the call is refused and ok is false. Re-registering the active
// stub changes nothing and stages no clients.
//
// A remote stub without clients keeps its entry; entries are collected on the
// unregister paths only.
func (l *ServerList) RegisterServer(stub address.StubAddress) (server ServerInfo, staged []ClientInfo, ok bool) {
	e := l.find(stub.ServiceAddress)
	if e == nil {
		e = l.insert(NewServerInfo(stub))
	} else if e.server.IsConnected() {
		if !e.server.addr.Equal(stub) {
			return e.server, nil, false
		}
		if e.server.addr == stub {
			return e.server, nil, true
		}
	}
	e.server = NewServerInfo(stub)
	return e.server, e.clients.SetServerAvailable(e.server), true
}

// UnregisterServer detaches stub from its entry and returns the server as it
// was together with the clients that lost it. The entry is dropped if it has
// no clients, otherwise it is demoted to a pending placeholder.
func (l *ServerList) UnregisterServer(stub address.StubAddress) (ServerInfo, []ClientInfo, bool) {
	e := l.find(stub.ServiceAddress)
	if e == nil || !e.server.addr.Equal(stub) {
		return ServerInfo{}, nil, false
	}
	prev := e.server
	staged := e.clients.SetServerUnavailable()
	if e.clients.Len() == 0 {
		l.erase(e)
	} else {
		e.server = NewServerInfo(address.StubAddress{ServiceAddress: stub.ServiceAddress})
	}
	return prev, staged, true
}

// ServerState returns the state of the server for svc, Unknown if none.
func (l *ServerList) ServerState(svc address.ServiceAddress) address.ConnectionStatus {
	if e := l.find(svc); e != nil {
		return e.server.status
	}
	return address.StatusUnknown
}

// ClientList returns a copy of the clients of the server for svc.
func (l *ServerList) ClientList(svc address.ServiceAddress) []ClientInfo {
	if e := l.find(svc); e != nil {
		return e.clients.Clients()
	}
	return nil
}

// IsServerRegistered reports whether stub is the connected server of its entry.
func (l *ServerList) IsServerRegistered(stub address.StubAddress) bool {
	e := l.find(stub.ServiceAddress)
	return e != nil && e.server.IsConnected() && e.server.addr.Equal(stub)
}

// FindClientServer returns the server entry proxy belongs or would belong to.
func (l *ServerList) FindClientServer(proxy address.ProxyAddress) (ServerInfo, bool) {
	if e := l.find(proxy.ServiceAddress); e != nil {
		return e.server, true
	}
	return ServerInfo{}, false
}

// FindClient returns the current entry of proxy.
func (l *ServerList) FindClient(proxy address.ProxyAddress) (ClientInfo, bool) {
	if e := l.find(proxy.ServiceAddress); e != nil {
		return e.clients.Find(proxy)
	}
	return ClientInfo{}, false
}

// Entries snapshots the whole list in creation order.
func (l *ServerList) Entries() []Entry {
	out := make([]Entry, 0, len(l.order))
	for _, e := range l.order {
		out = append(out, Entry{Server: e.server, Clients: e.clients.Clients()})
	}
	return out
}

func (l *ServerList) Len() int { return len(l.order) }

// ClientCount is the number of clients over all entries.
func (l *ServerList) ClientCount() int {
	n := 0
	for _, e := range l.order {
		n += e.clients.Len()
	}
	return n
}

func (l *ServerList) Clear() {
	l.buckets = make(map[uint32][]*serverEntry)
	l.order = nil
}
