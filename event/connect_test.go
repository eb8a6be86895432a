package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-broker/address"
	"mini-broker/dispatch"
)

var calc = address.NewServiceAddress("Calc", address.Version{Major: 1}, address.ServicePublic, "Consumer")

func startThread(t *testing.T, threads *dispatch.Threads, name string) (*dispatch.Thread, chan any) {
	t.Helper()
	got := make(chan any, 8)
	th, err := threads.New(name, func(ev any) { got <- ev })
	require.NoError(t, err)
	require.NoError(t, th.Start(context.Background()))
	t.Cleanup(func() { _ = th.Stop(context.Background()) })
	return th, got
}

func TestDeliverToStub(t *testing.T) {
	threads := dispatch.NewThreads()
	th, got := startThread(t, threads, "stub-thread")

	stub := address.NewStubAddress(calc, th.Name(), address.NewChannel(th.ID(), 0, address.CookieLocal))
	ev := &StubConnectEvent{Stub: stub, Status: address.StatusConnected}
	require.True(t, DeliverToStub(threads, stub, ev))

	select {
	case v := <-got:
		assert.Same(t, ev, v)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDeliverAlongProxy(t *testing.T) {
	threads := dispatch.NewThreads()
	stubThread, got := startThread(t, threads, "stub-thread")

	proxy := address.NewProxyAddress(calc, "ui", address.NewChannel(99, stubThread.ID(), address.CookieLocal))
	require.True(t, DeliverAlongProxy(threads, proxy, "request"))

	select {
	case v := <-got:
		assert.Equal(t, "request", v)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDeliverUnknownThreadDestroys(t *testing.T) {
	threads := dispatch.NewThreads()
	destroyed := false
	ev := &ProxyConnectEvent{OnDestroy: func() { destroyed = true }}

	proxy := address.NewProxyAddress(calc, "ui", address.NewChannel(12345, 0, address.CookieLocal))
	assert.False(t, DeliverToProxy(threads, proxy, ev))
	assert.True(t, destroyed)

	destroyed = false
	proxy.Channel.Source = address.IDUnknown
	assert.False(t, DeliverToProxy(threads, proxy, ev))
	assert.True(t, destroyed)
}
