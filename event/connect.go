// Package event defines the connection notifications the service manager
// sends to stubs and proxies, and how they reach their dispatcher thread.
//
// Delivery is a single best-effort attempt: if the owning thread cannot be
// found the event is destroyed and the call reports false. Nothing here
// retries.
package event

import (
	"mini-broker/address"
	"mini-broker/dispatch"
)

// StubConnectEvent tells a stub that one of its clients changed state.
type StubConnectEvent struct {
	Client address.ProxyAddress
	Stub   address.StubAddress
	Status address.ConnectionStatus

	// OnDestroy, if set, runs when the event is discarded undelivered.
	OnDestroy func()
}

func (e *StubConnectEvent) Destroy() {
	if e.OnDestroy != nil {
		e.OnDestroy()
	}
}

// ProxyConnectEvent tells a proxy which stub now serves it, or that it lost it.
type ProxyConnectEvent struct {
	Proxy  address.ProxyAddress
	Server address.StubAddress
	Status address.ConnectionStatus

	OnDestroy func()
}

func (e *ProxyConnectEvent) Destroy() {
	if e.OnDestroy != nil {
		e.OnDestroy()
	}
}

// ThreadFinder resolves channel ids to live dispatcher threads.
type ThreadFinder interface {
	FindByID(id uint64) *dispatch.Thread
}

// DeliverToStub posts ev to the thread owning stub.
func DeliverToStub(threads ThreadFinder, stub address.StubAddress, ev any) bool {
	return deliver(threads, stub.Channel.Source, ev)
}

// DeliverToProxy posts ev to the thread owning proxy.
func DeliverToProxy(threads ThreadFinder, proxy address.ProxyAddress, ev any) bool {
	return deliver(threads, proxy.Channel.Source, ev)
}

// DeliverAlongProxy posts ev to the peer of proxy, the dispatcher of the stub
// it is connected to. Used for requests flowing from a proxy to its stub.
func DeliverAlongProxy(threads ThreadFinder, proxy address.ProxyAddress, ev any) bool {
	return deliver(threads, proxy.Channel.Target, ev)
}

func deliver(threads ThreadFinder, id uint64, ev any) bool {
	if threads == nil || id == address.IDUnknown {
		dispatch.Discard(ev)
		return false
	}
	th := threads.FindByID(id)
	if th == nil {
		dispatch.Discard(ev)
		return false
	}
	return th.Post(ev)
}
