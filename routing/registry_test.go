package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-broker/address"
)

var calc = address.NewServiceAddress("Calc", address.Version{Major: 1}, address.ServicePublic, "Consumer")

const (
	cookieA = address.CookieFirstRemote
	cookieB = address.CookieFirstRemote + 1
)

func stubIn(cookie uint64) address.StubAddress {
	return address.NewStubAddress(calc, "worker", address.NewChannel(3, 0, cookie))
}

func proxyIn(cookie uint64, thread string) address.ProxyAddress {
	return address.NewProxyAddress(calc, thread, address.NewChannel(7, 0, cookie))
}

func TestProxyBeforeStub(t *testing.T) {
	r := NewServiceRegistry()
	stub, proxy := r.RegisterServiceProxy(proxyIn(cookieB, "ui"))
	assert.Equal(t, address.StatusPending, stub.Status())
	assert.Equal(t, address.StatusPending, proxy.Status())

	s, staged, ok := r.RegisterServiceStub(stubIn(cookieA))
	require.True(t, ok)
	assert.True(t, s.IsConnected())
	require.Len(t, staged, 1)
	assert.True(t, staged[0].IsConnected())
	assert.True(t, staged[0].Crosses())
	assert.Equal(t, uint64(3), staged[0].Address().Channel.Target)
}

func TestStubBeforeProxy(t *testing.T) {
	r := NewServiceRegistry()
	_, _, ok := r.RegisterServiceStub(stubIn(cookieA))
	require.True(t, ok)

	stub, proxy := r.RegisterServiceProxy(proxyIn(cookieA, "local-ui"))
	assert.True(t, stub.IsConnected())
	assert.True(t, proxy.IsConnected())
	assert.False(t, proxy.Crosses(), "same process")
}

func TestUnregisterStubStagesBoundProxies(t *testing.T) {
	r := NewServiceRegistry()
	r.RegisterServiceStub(stubIn(cookieA))
	r.RegisterServiceProxy(proxyIn(cookieB, "ui"))

	prev, staged, ok := r.UnregisterServiceStub(stubIn(cookieA))
	require.True(t, ok)
	assert.True(t, prev.IsConnected())
	require.Len(t, staged, 1)
	assert.True(t, staged[0].IsConnected(), "staged as bound before removal")
	assert.Equal(t, cookieA, staged[0].Stub().Channel.Cookie)

	// proxy is still known and now pending
	proxies := r.Proxies(calc)
	require.Len(t, proxies, 1)
	assert.Equal(t, address.StatusPending, proxies[0].Status())
	stub, ok := r.Stub(calc)
	require.True(t, ok)
	assert.False(t, stub.IsConnected())
}

func TestPlaceholderErasedWithLastProxy(t *testing.T) {
	r := NewServiceRegistry()
	p := proxyIn(cookieB, "ui")
	r.RegisterServiceProxy(p)
	require.Equal(t, 1, r.Len())

	_, prev, ok := r.UnregisterServiceProxy(p)
	require.True(t, ok)
	assert.True(t, prev.Address().Equal(p))
	assert.Equal(t, 0, r.Len())
}

func TestConnectedStubKeptWithoutProxies(t *testing.T) {
	r := NewServiceRegistry()
	r.RegisterServiceStub(stubIn(cookieA))
	p := proxyIn(cookieB, "ui")
	r.RegisterServiceProxy(p)
	r.UnregisterServiceProxy(p)
	assert.Equal(t, 1, r.Len())
}

func TestSecondStubRefused(t *testing.T) {
	r := NewServiceRegistry()
	r.RegisterServiceStub(stubIn(cookieA))
	stub, staged, ok := r.RegisterServiceStub(stubIn(cookieB))
	assert.False(t, ok)
	assert.Nil(t, staged)
	assert.Equal(t, cookieA, stub.Address().Channel.Cookie)
}

func TestServiceListByCookie(t *testing.T) {
	r := NewServiceRegistry()
	other := address.NewServiceAddress("Echo", address.Version{Major: 1}, address.ServicePublic, "Consumer")

	r.RegisterServiceStub(stubIn(cookieA))
	r.RegisterServiceProxy(proxyIn(cookieB, "ui"))
	r.RegisterServiceProxy(proxyIn(cookieA, "self"))
	r.RegisterServiceStub(address.NewStubAddress(other, "echo", address.NewChannel(5, 0, cookieB)))

	stubs, proxies := r.ServiceList(cookieA)
	require.Len(t, stubs, 1)
	assert.Equal(t, "Calc", stubs[0].Name)
	require.Len(t, proxies, 1)
	assert.Equal(t, "self", proxies[0].Thread)

	stubs, proxies = r.ServiceList(cookieB)
	require.Len(t, stubs, 1)
	assert.Equal(t, "Echo", stubs[0].Name)
	require.Len(t, proxies, 1)

	stubs, proxies = r.ServiceList(address.CookieAny)
	assert.Len(t, stubs, 2)
	assert.Len(t, proxies, 2)
}
