// Package registry is the in-process service registry: which stub serves
// which proxies, and in which connection state each pair is.
//
// State is never set directly. ServerInfo and ClientInfo store addresses and
// recompute their state from how complete those addresses are every time one
// changes, so a state can never disagree with the topology it describes.
//
// The registry is not safe for concurrent use. It is owned by the service
// manager goroutine.
package registry

import "mini-broker/address"

// ServerInfo is the registry's view of one stub, or of the stub a set of
// proxies is waiting for.
type ServerInfo struct {
	addr   address.StubAddress
	status address.ConnectionStatus
}

// NewServerInfo wraps a registering stub: Connected once its source is known.
func NewServerInfo(stub address.StubAddress) ServerInfo {
	s := ServerInfo{addr: stub}
	s.SetConnectionStatus(address.StatusConnected)
	return s
}

// NewServerInfoFromProxy builds the placeholder a proxy waits on: the implied
// stub identity with an invalid channel, always Pending.
func NewServerInfoFromProxy(proxy address.ProxyAddress) ServerInfo {
	s := ServerInfo{addr: proxy.ImpliedStub()}
	s.SetConnectionStatus(address.StatusConnected)
	return s
}

func (s ServerInfo) Address() address.StubAddress      { return s.addr }
func (s ServerInfo) Status() address.ConnectionStatus { return s.status }
func (s ServerInfo) IsConnected() bool                { return s.status == address.StatusConnected }

// IsPlaceholder reports whether no stub currently stands behind this entry.
func (s ServerInfo) IsPlaceholder() bool {
	return !s.addr.IsValid() || s.addr.Channel.Source == address.IDUnknown
}

// SetConnectionStatus re-derives the state: a server without a resolved
// source is Pending whatever was requested.
func (s *ServerInfo) SetConnectionStatus(requested address.ConnectionStatus) {
	if s.IsPlaceholder() {
		s.status = address.StatusPending
		return
	}
	s.status = requested
}

// ClientInfo is the registry's view of one proxy and the stub it is bound to.
type ClientInfo struct {
	addr   address.ProxyAddress
	server address.StubAddress
	status address.ConnectionStatus
}

func NewClientInfo(proxy address.ProxyAddress) ClientInfo {
	c := ClientInfo{addr: proxy}
	c.clearTarget()
	return c
}

func (c ClientInfo) Address() address.ProxyAddress    { return c.addr }
func (c ClientInfo) Server() address.StubAddress      { return c.server }
func (c ClientInfo) Status() address.ConnectionStatus { return c.status }
func (c ClientInfo) IsConnected() bool                { return c.status == address.StatusConnected }

// SetConnectionStatus re-derives the state from the proxy channel.
func (c *ClientInfo) SetConnectionStatus(requested address.ConnectionStatus) {
	c.status = address.DeriveState(c.addr.Channel, requested)
}

// setTarget binds the proxy to server if server is live and serves it.
func (c *ClientInfo) setTarget(server ServerInfo) {
	stub := server.Address()
	if !server.IsConnected() || !stub.IsProxyCompatible(c.addr) {
		c.clearTarget()
		return
	}
	c.server = stub
	c.addr.Channel.Target = stub.Channel.Source
	c.SetConnectionStatus(server.Status())
}

func (c *ClientInfo) clearTarget() {
	c.server = c.addr.ImpliedStub()
	c.addr.Channel.Target = address.IDUnknown
	c.SetConnectionStatus(address.StatusPending)
}
