package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-broker/address"
)

var calc = address.NewServiceAddress("Calc", address.Version{Major: 1}, address.ServicePublic, "Consumer")

func localStub(thread string, source uint64) address.StubAddress {
	return address.NewStubAddress(calc, thread, address.NewChannel(source, address.IDUnknown, address.CookieLocal))
}

func localProxy(thread string, source uint64) address.ProxyAddress {
	return address.NewProxyAddress(calc, thread, address.NewChannel(source, address.IDUnknown, address.CookieLocal))
}

func TestRegisterServerIdempotent(t *testing.T) {
	l := NewServerList()
	stub := localStub("worker", 3)
	l.RegisterClient(localProxy("ui", 4))

	_, staged, ok := l.RegisterServer(stub)
	require.True(t, ok)
	assert.Len(t, staged, 1)
	assert.True(t, l.IsServerRegistered(stub))

	before := l.ClientList(calc)
	_, staged, ok = l.RegisterServer(stub)
	require.True(t, ok)
	assert.Empty(t, staged, "second registration stages nothing")
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, before, l.ClientList(calc))
	assert.True(t, l.IsServerRegistered(stub))
}

func TestRegisterServerRefusesSecondStub(t *testing.T) {
	l := NewServerList()
	first := localStub("worker", 3)
	second := localStub("other", 5)

	_, _, ok := l.RegisterServer(first)
	require.True(t, ok)

	server, staged, ok := l.RegisterServer(second)
	assert.False(t, ok)
	assert.Nil(t, staged)
	assert.True(t, server.Address().Equal(first))
	assert.True(t, l.IsServerRegistered(first))
	assert.False(t, l.IsServerRegistered(second))

	_, _, found := l.UnregisterServer(second)
	assert.False(t, found, "a refused stub cannot unregister the active one")
}

func TestPlaceholderCollectedWithLastClient(t *testing.T) {
	l := NewServerList()
	proxy := localProxy("ui", 4)

	server, client := l.RegisterClient(proxy)
	assert.Equal(t, address.StatusPending, server.Status())
	assert.True(t, server.IsPlaceholder())
	assert.Equal(t, address.StatusPending, client.Status())
	assert.Equal(t, 1, l.Len())

	_, prev, ok := l.UnregisterClient(proxy)
	require.True(t, ok)
	assert.True(t, prev.Address().Equal(proxy))
	assert.Equal(t, 0, l.Len())
}

func TestLocalServerSurvivesWithoutClients(t *testing.T) {
	l := NewServerList()
	stub := localStub("worker", 3)
	proxy := localProxy("ui", 4)

	l.RegisterServer(stub)
	l.RegisterClient(proxy)
	_, _, ok := l.UnregisterClient(proxy)
	require.True(t, ok)

	assert.Equal(t, 1, l.Len())
	assert.Empty(t, l.ClientList(calc))
	assert.Equal(t, address.StatusConnected, l.ServerState(calc))

	_, staged, ok := l.UnregisterServer(stub)
	require.True(t, ok)
	assert.Empty(t, staged)
	assert.Equal(t, 0, l.Len())
}

func TestRemoteServerCollectedWithLastClient(t *testing.T) {
	l := NewServerList()
	remote := address.NewStubAddress(calc, "worker", address.NewChannel(3, 0, 300))
	proxy := localProxy("ui", 4)

	l.RegisterServer(remote)
	_, client := l.RegisterClient(proxy)
	assert.Equal(t, address.StatusConnected, client.Status())

	l.UnregisterClient(proxy)
	assert.Equal(t, 0, l.Len())
}

// A remote stub nobody asked for yet stays until it is unregistered.
func TestRemoteServerWithoutClientsKept(t *testing.T) {
	l := NewServerList()
	remote := address.NewStubAddress(calc, "worker", address.NewChannel(3, 0, 300))

	l.RegisterServer(remote)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, address.StatusConnected, l.ServerState(calc))

	_, staged, ok := l.UnregisterServer(remote)
	require.True(t, ok)
	assert.Empty(t, staged)
	assert.Equal(t, 0, l.Len())
}

func TestNotificationOnServerAvailable(t *testing.T) {
	l := NewServerList()
	const n = 5
	for i := 0; i < n; i++ {
		l.RegisterClient(localProxy("ui"+string(rune('a'+i)), uint64(10+i)))
	}
	assert.Equal(t, address.StatusPending, l.ServerState(calc))

	stub := localStub("worker", 3)
	server, staged, ok := l.RegisterServer(stub)
	require.True(t, ok)
	assert.Equal(t, address.StatusConnected, server.Status())
	require.Len(t, staged, n)
	for _, c := range staged {
		assert.True(t, c.Server().Equal(stub))
		assert.Equal(t, uint64(3), c.Address().Channel.Target)
		assert.Equal(t, address.StatusConnected, c.Status())
	}
}

func TestNotificationOnServerUnavailable(t *testing.T) {
	l := NewServerList()
	stub := localStub("worker", 3)
	l.RegisterServer(stub)
	const m = 3
	for i := 0; i < m; i++ {
		_, c := l.RegisterClient(localProxy("ui"+string(rune('a'+i)), uint64(10+i)))
		require.Equal(t, address.StatusConnected, c.Status())
	}

	prev, staged, ok := l.UnregisterServer(stub)
	require.True(t, ok)
	assert.True(t, prev.Address().Equal(stub))
	require.Len(t, staged, m)
	for _, c := range staged {
		assert.Equal(t, address.IDUnknown, c.Address().Channel.Target)
		assert.False(t, c.Server().IsValid())
		assert.Equal(t, address.StatusPending, c.Status())
	}

	// the entry is demoted, not dropped: its proxies still wait for a stub
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, address.StatusPending, l.ServerState(calc))
	server, ok := l.FindClientServer(localProxy("uia", 10))
	require.True(t, ok)
	assert.True(t, server.IsPlaceholder())
}

func TestGarbageCollectionInvariant(t *testing.T) {
	remoteCookie := uint64(300)
	stubs := map[string]address.StubAddress{
		"local":  localStub("worker", 3),
		"remote": address.NewStubAddress(calc, "worker", address.NewChannel(3, 0, remoteCookie)),
	}
	for name, stub := range stubs {
		t.Run(name, func(t *testing.T) {
			l := NewServerList()
			proxy := localProxy("ui", 4)
			l.RegisterServer(stub)
			l.RegisterClient(proxy)
			l.UnregisterClient(proxy)

			for _, e := range l.Entries() {
				if len(e.Clients) == 0 {
					addr := e.Server.Address()
					assert.False(t, e.Server.IsPlaceholder())
					assert.False(t, addr.IsRemoteAddress())
				}
			}
			if stub.IsRemoteAddress() {
				assert.Equal(t, 0, l.Len())
			} else {
				assert.Equal(t, 1, l.Len())
			}
		})
	}
}

func TestIncompatibleProxyStaysPending(t *testing.T) {
	l := NewServerList()
	l.RegisterServer(localStub("worker", 3))

	newer := address.NewProxyAddress(
		address.NewServiceAddress("Calc", address.Version{Major: 2}, address.ServicePublic, "Consumer"),
		"ui", address.NewChannel(4, 0, address.CookieLocal))
	_, client := l.RegisterClient(newer)
	assert.Equal(t, address.StatusPending, client.Status())
}

func TestUnregisterUnknown(t *testing.T) {
	l := NewServerList()
	server, client, ok := l.UnregisterClient(localProxy("ui", 4))
	assert.False(t, ok)
	assert.Equal(t, address.StatusUnknown, server.Status())
	assert.Equal(t, address.StatusUnknown, client.Status())

	_, staged, ok := l.UnregisterServer(localStub("worker", 3))
	assert.False(t, ok)
	assert.Nil(t, staged)
	assert.Equal(t, address.StatusUnknown, l.ServerState(calc))
}

func TestEntriesKeepCreationOrder(t *testing.T) {
	l := NewServerList()
	names := []string{"A", "B", "C", "D"}
	for _, n := range names {
		svc := address.NewServiceAddress(n, address.Version{Major: 1}, address.ServiceLocal, "r")
		l.RegisterServer(address.NewStubAddress(svc, "t", address.NewChannel(1, 0, address.CookieLocal)))
	}
	entries := l.Entries()
	require.Len(t, entries, len(names))
	for i, e := range entries {
		assert.Equal(t, names[i], e.Server.Address().Name)
	}

	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.ClientCount())
}
