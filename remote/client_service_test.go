package remote

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"mini-broker/address"
	"mini-broker/codec"
	"mini-broker/config"
	"mini-broker/discovery"
	"mini-broker/message"
	"mini-broker/protocol"
	"mini-broker/router"
)

var calc = address.NewServiceAddress("Calc", address.Version{Major: 1}, address.ServicePublic, "Consumer")

type call struct {
	kind string
	path string
	ch   address.Channel
}

// fakeManager records what the routing link reports.
type fakeManager struct {
	calls chan call
}

func newFakeManager() *fakeManager {
	return &fakeManager{calls: make(chan call, 64)}
}

func (m *fakeManager) RequestRegisterServer(stub address.StubAddress) bool {
	m.calls <- call{kind: "RegisterServer", path: stub.Path(), ch: stub.Channel}
	return true
}

func (m *fakeManager) RequestUnregisterServer(stub address.StubAddress) bool {
	m.calls <- call{kind: "UnregisterServer", path: stub.Path(), ch: stub.Channel}
	return true
}

func (m *fakeManager) RequestRegisterClient(proxy address.ProxyAddress) bool {
	m.calls <- call{kind: "RegisterClient", path: proxy.Path(), ch: proxy.Channel}
	return true
}

func (m *fakeManager) RequestUnregisterClient(proxy address.ProxyAddress) bool {
	m.calls <- call{kind: "UnregisterClient", path: proxy.Path(), ch: proxy.Channel}
	return true
}

func (m *fakeManager) RemoteServiceStarted(ch address.Channel) {
	m.calls <- call{kind: "Started", ch: ch}
}

func (m *fakeManager) RemoteServiceStopped(ch address.Channel) {
	m.calls <- call{kind: "Stopped", ch: ch}
}

func (m *fakeManager) RemoteServiceLostConnection(ch address.Channel) {
	m.calls <- call{kind: "Lost", ch: ch}
}

// waitFor skips other calls until one of kind arrives.
func (m *fakeManager) waitFor(t *testing.T, kind string) call {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-m.calls:
			if c.kind == kind {
				return c
			}
		case <-timeout:
			t.Fatalf("no %s reported", kind)
			return call{}
		}
	}
}

func startRouter(t *testing.T, addr string) *router.Server {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	s := router.NewServer(router.WithLogger(zaptest.NewLogger(t)))
	go func() { _ = s.Serve(ln) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Client.Enabled = true
	cfg.Client.ReconnectInterval = 1
	cfg.Client.MaxReconnect = 0
	cfg.Discovery.Endpoints = nil
	return cfg
}

func newService(t *testing.T, m ServiceManager, opts ...Option) *ClientService {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithConfig(testConfig())}, opts...)
	s := NewClientService(m, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartRequiresConfiguration(t *testing.T) {
	s := NewClientService(newFakeManager(), WithLogger(zaptest.NewLogger(t)))
	assert.False(t, s.IsServiceConfigured())
	assert.ErrorIs(t, s.StartRemotingService(), ErrNotConfigured)
	assert.False(t, s.IsServiceStarted())
}

func TestServiceConfigure(t *testing.T) {
	s := NewClientService(newFakeManager(), WithLogger(zaptest.NewLogger(t)))

	err := s.ServiceConfigure(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
	assert.False(t, s.IsServiceConfigured())

	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  enabled: false\n  router_address: 127.0.0.1:1\n"), 0o600))
	require.NoError(t, s.ServiceConfigure(path))
	assert.True(t, s.IsServiceConfigured())
	assert.False(t, s.IsServiceEnabled())
	assert.ErrorIs(t, s.StartRemotingService(), ErrDisabled)
}

func TestStartNetConnects(t *testing.T) {
	r := startRouter(t, "127.0.0.1:0")
	m := newFakeManager()
	s := newService(t, m)

	require.NoError(t, s.StartNetRemotingService(r.Addr().String()))
	assert.True(t, s.IsServiceStarted())

	c := m.waitFor(t, "Started")
	assert.Equal(t, address.CookieFirstRemote, c.ch.Cookie)
	assert.Equal(t, address.CookieRouter, c.ch.Target)
	assert.Equal(t, address.IDUnknown, c.ch.Source)
	assert.True(t, s.IsConnected())
	assert.Equal(t, c.ch, s.Channel())

	// starting twice is harmless
	require.NoError(t, s.StartNetRemotingService(r.Addr().String()))
	assert.Len(t, r.Peers(), 1)
}

func TestDiscoveryResolvesRouter(t *testing.T) {
	r := startRouter(t, "127.0.0.1:0")
	reg := discovery.NewStaticRegistry(discovery.DefaultService, r.Addr().String())
	m := newFakeManager()
	s := newService(t, m, WithDiscovery(reg))

	require.NoError(t, s.StartRemotingService())
	m.waitFor(t, "Started")
	assert.Len(t, r.Peers(), 1)
}

func TestRegistrationsCrossProcesses(t *testing.T) {
	r := startRouter(t, "127.0.0.1:0")
	consumerMgr, providerMgr := newFakeManager(), newFakeManager()
	consumer, provider := newService(t, consumerMgr), newService(t, providerMgr)

	require.NoError(t, consumer.StartNetRemotingService(r.Addr().String()))
	require.NoError(t, provider.StartNetRemotingService(r.Addr().String()))
	consumerCh := consumerMgr.waitFor(t, "Started").ch
	providerCh := providerMgr.waitFor(t, "Started").ch

	proxy := address.NewProxyAddress(calc, "ui", address.NewChannel(4, address.IDUnknown, address.CookieLocal))
	stub := address.NewStubAddress(calc, "worker", address.NewChannel(3, address.IDUnknown, address.CookieLocal))
	consumer.RegisterServiceClient(proxy)
	provider.RegisterService(stub)

	got := consumerMgr.waitFor(t, "RegisterServer")
	assert.Equal(t, providerCh.Cookie, got.ch.Cookie, "remote stub keeps its process cookie")
	assert.Equal(t, uint64(3), got.ch.Source)

	got = providerMgr.waitFor(t, "RegisterClient")
	assert.Equal(t, consumerCh.Cookie, got.ch.Cookie)
	assert.Equal(t, uint64(3), got.ch.Target, "proxy bound to the stub's thread")

	provider.UnregisterService(stub)
	consumerMgr.waitFor(t, "UnregisterServer")
	providerMgr.waitFor(t, "UnregisterClient")
}

func TestRegisterWhileDisconnectedIsDeferred(t *testing.T) {
	m := newFakeManager()
	s := newService(t, m)
	s.RegisterService(address.NewStubAddress(calc, "worker", address.NewChannel(3, address.IDUnknown, address.CookieLocal)))
	assert.False(t, s.IsConnected())
	assert.Empty(t, m.calls)
}

// deafRouter accepts one process, completes its handshake and never reads
// from it again.
func deafRouter(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	held := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		held <- nc
		h, _, err := protocol.Decode(nc)
		if err != nil {
			return
		}
		body, _ := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.Envelope{Cookie: address.CookieFirstRemote})
		reply := protocol.Header{CodecType: byte(codec.CodecTypeJSON), MsgType: protocol.MsgTypeConnectAck, Seq: h.Seq, BodyLen: uint32(len(body))}
		_ = protocol.Encode(nc, &reply, body)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case nc := <-held:
			_ = nc.Close()
		default:
		}
	})
	return ln.Addr().String()
}

func TestRegisterNeverBlocksOnStalledRouter(t *testing.T) {
	cfg := testConfig()
	cfg.Client.DialTimeout = 1
	cfg.Limits.WriteTimeout = 1
	cfg.Limits.Backlog = 16
	m := newFakeManager()
	// one warning per dropped registration would flood the test log
	s := newService(t, m, WithConfig(cfg), WithLogger(zap.NewNop()))
	require.NoError(t, s.StartNetRemotingService(deafRouter(t)))
	m.waitFor(t, "Started")

	stub := address.NewStubAddress(calc, strings.Repeat("w", 1024), address.NewChannel(3, address.IDUnknown, address.CookieLocal))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20000; i++ {
			s.RegisterService(stub)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registration blocked on the network")
	}

	// the unread link is given up and reported
	m.waitFor(t, "Lost")
}

func TestStopReportsStopped(t *testing.T) {
	r := startRouter(t, "127.0.0.1:0")
	m := newFakeManager()
	s := newService(t, m)
	require.NoError(t, s.StartNetRemotingService(r.Addr().String()))
	started := m.waitFor(t, "Started")

	s.StopRemotingService()
	stopped := m.waitFor(t, "Stopped")
	assert.Equal(t, started.ch, stopped.ch)
	assert.False(t, s.IsServiceStarted())
	assert.False(t, s.IsConnected())
	require.Eventually(t, func() bool { return len(r.Peers()) == 0 }, time.Second, 10*time.Millisecond)

	select {
	case c := <-m.calls:
		t.Fatalf("unexpected %s after stop", c.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnableServiceFalseStops(t *testing.T) {
	r := startRouter(t, "127.0.0.1:0")
	m := newFakeManager()
	s := newService(t, m)
	require.NoError(t, s.StartNetRemotingService(r.Addr().String()))
	m.waitFor(t, "Started")

	s.EnableService(false)
	m.waitFor(t, "Stopped")
	assert.False(t, s.IsServiceEnabled())
	assert.ErrorIs(t, s.StartNetRemotingService(r.Addr().String()), ErrDisabled)
}

func TestReconnectAfterRouterRestart(t *testing.T) {
	r := startRouter(t, "127.0.0.1:0")
	addr := r.Addr().String()
	m := newFakeManager()
	s := newService(t, m)
	require.NoError(t, s.StartNetRemotingService(addr))
	first := m.waitFor(t, "Started")

	require.NoError(t, r.Shutdown(time.Second))
	lost := m.waitFor(t, "Lost")
	assert.Equal(t, first.ch, lost.ch)

	startRouter(t, addr)
	second := m.waitFor(t, "Started")
	assert.True(t, second.ch.IsValid())
	assert.True(t, s.IsServiceStarted())
}

func TestGiveUpAfterMaxReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Client.MaxReconnect = 2
	cfg.Client.DialTimeout = 1
	m := newFakeManager()
	s := newService(t, m, WithConfig(cfg))

	require.NoError(t, s.StartNetRemotingService(addr))
	require.Eventually(t, func() bool { return !s.IsServiceStarted() }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, m.calls, "never connected, nothing to report")
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(time.Second, 1))
	assert.Equal(t, 8*time.Second, backoff(time.Second, 3))
	assert.Equal(t, 32*time.Second, backoff(time.Second, 9))
}
