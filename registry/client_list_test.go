package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-broker/address"
)

func TestClientStateDerivation(t *testing.T) {
	server := NewServerInfo(localStub("worker", 3))

	var l ClientList
	c := l.RegisterClient(localProxy("ui", 4), server)
	assert.Equal(t, address.StatusConnected, c.Status())

	sourceless := address.NewProxyAddress(calc, "ghost", address.NewChannel(address.IDUnknown, 0, address.CookieLocal))
	c = l.RegisterClient(sourceless, server)
	assert.Equal(t, address.StatusUnknown, c.Status(), "no source, no state")

	c = l.RegisterClient(localProxy("late", 5), NewServerInfoFromProxy(localProxy("late", 5)))
	assert.Equal(t, address.StatusPending, c.Status())
}

func TestRegisterClientFindsExisting(t *testing.T) {
	var l ClientList
	proxy := localProxy("ui", 4)
	placeholder := NewServerInfoFromProxy(proxy)

	l.RegisterClient(proxy, placeholder)
	l.RegisterClient(proxy, placeholder)
	assert.Equal(t, 1, l.Len())

	// same thread name in another process is another client
	remote := address.NewProxyAddress(calc, "ui", address.NewChannel(4, 0, 300))
	l.RegisterClient(remote, placeholder)
	assert.Equal(t, 2, l.Len())
}

func TestUnregisterClientReturnsPrevious(t *testing.T) {
	var l ClientList
	proxy := localProxy("ui", 4)
	l.RegisterClient(proxy, NewServerInfo(localStub("worker", 3)))

	prev, ok := l.UnregisterClient(proxy)
	require.True(t, ok)
	assert.Equal(t, address.StatusConnected, prev.Status())
	assert.Equal(t, uint64(3), prev.Server().Channel.Source)
	assert.Equal(t, 0, l.Len())

	_, ok = l.UnregisterClient(proxy)
	assert.False(t, ok)
}

func TestSetServerAvailableStagesCopies(t *testing.T) {
	var l ClientList
	placeholder := NewServerInfoFromProxy(localProxy("a", 4))
	l.RegisterClient(localProxy("a", 4), placeholder)
	l.RegisterClient(localProxy("b", 5), placeholder)

	staged := l.SetServerAvailable(NewServerInfo(localStub("worker", 3)))
	require.Len(t, staged, 2)

	// mutating the live list afterwards leaves the snapshot untouched
	l.SetServerUnavailable()
	for _, c := range staged {
		assert.Equal(t, address.StatusConnected, c.Status())
	}
}

// SetServerUnavailable never removes members, remote ones included. Remote
// clients stay registered until their own unregistration arrives.
func TestSetServerUnavailableKeepsRemoteClients(t *testing.T) {
	var l ClientList
	server := NewServerInfo(localStub("worker", 3))
	l.RegisterClient(localProxy("ui", 4), server)
	l.RegisterClient(address.NewProxyAddress(calc, "ui", address.NewChannel(4, 0, 300)), server)

	staged := l.SetServerUnavailable()
	assert.Len(t, staged, 2)
	assert.Equal(t, 2, l.Len())
	for _, c := range l.Clients() {
		assert.Equal(t, address.StatusPending, c.Status())
	}
}

func TestSetServerUnavailableSkipsPendingClients(t *testing.T) {
	var l ClientList
	server := NewServerInfo(localStub("worker", 3))
	newer := address.NewServiceAddress("Calc", address.Version{Major: 1, Minor: 5}, address.ServicePublic, "Consumer")
	l.RegisterClient(localProxy("ui", 4), server)
	l.RegisterClient(address.NewProxyAddress(newer, "other", address.NewChannel(5, 0, address.CookieLocal)), server)

	staged := l.SetServerUnavailable()
	require.Len(t, staged, 1, "only the bound client lost its server")
	assert.Equal(t, "ui", staged[0].Address().Thread)
	assert.Equal(t, 2, l.Len())
}
