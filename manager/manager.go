// Package manager implements the service manager: the single goroutine that
// owns the in-process service registry and turns register/unregister requests
// into connection notifications for stubs and proxies.
//
// Every public entry point only posts an event and returns:
//
//	RequestRegisterServer ─┐
//	RequestRegisterClient ─┼──► manager queue ──► handle ──► registry.ServerList
//	RemoteServiceStarted  ─┘                          └──► StubConnectEvent / ProxyConnectEvent
//
// Because all registry mutations run on that one goroutine, in posting order,
// the registry needs no lock and an unregistration can never overtake the
// registration that preceded it. The manager's mutex only guards its own
// lifecycle fields.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-broker/address"
	"mini-broker/dispatch"
	"mini-broker/event"
	"mini-broker/metrics"
	"mini-broker/registry"
)

var (
	ErrNotStarted     = errors.New("service manager not started")
	ErrAlreadyStarted = errors.New("service manager already started")
	ErrStartTimeout   = errors.New("timeout waiting for service manager to start")
	ErrStopTimeout    = errors.New("timeout waiting for service manager to stop")
)

// DefaultThreadName names the manager's dispatcher thread.
const DefaultThreadName = "mb.service-manager"

// Config bounds the startup and shutdown barriers. Zero waits indefinitely.
type Config struct {
	ThreadName   string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThreadName:   DefaultThreadName,
		StartTimeout: 10 * time.Second,
		StopTimeout:  10 * time.Second,
	}
}

type Option func(*ServiceManager)

func WithLogger(l *zap.Logger) Option {
	return func(m *ServiceManager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mm *metrics.ManagerMetrics) Option {
	return func(m *ServiceManager) { m.metrics = mm }
}

func WithConfig(cfg Config) Option {
	return func(m *ServiceManager) {
		if cfg.ThreadName == "" {
			cfg.ThreadName = DefaultThreadName
		}
		m.cfg = cfg
	}
}

func WithRemote(r RemoteServiceConsumer) Option {
	return func(m *ServiceManager) { m.remote = r }
}

// ServiceManager is the process-wide registry owner. Construct one during
// application bootstrap and hand it to whatever creates stubs and proxies.
type ServiceManager struct {
	threads *dispatch.Threads
	logger  *zap.Logger
	metrics *metrics.ManagerMetrics
	cfg     Config

	mu     sync.Mutex
	thread *dispatch.Thread
	remote RemoteServiceConsumer

	// owned by the manager goroutine
	servers *registry.ServerList
}

// New creates a stopped manager delivering notifications through threads.
func New(threads *dispatch.Threads, opts ...Option) *ServiceManager {
	m := &ServiceManager{
		threads: threads,
		logger:  zap.NewNop(),
		cfg:     DefaultConfig(),
		servers: registry.NewServerList(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("manager")
	return m
}

// SetRemote installs the routing transport. Call it before Start; the remote
// layer usually needs the manager to be constructed first.
func (m *ServiceManager) SetRemote(r RemoteServiceConsumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = r
}

func (m *ServiceManager) remoteConsumer() RemoteServiceConsumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Start launches the manager goroutine and blocks until it runs, ctx ends,
// or the configured start timeout expires.
func (m *ServiceManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.thread != nil && m.thread.IsRunning() {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	th, err := m.threads.New(m.cfg.ThreadName, m.handle)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("service manager: %w", err)
	}
	m.thread = th
	m.servers = registry.NewServerList()
	m.mu.Unlock()

	ctx, cancel := withTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	if err := th.Start(ctx); err != nil {
		th.Exit()
		m.mu.Lock()
		if m.thread == th {
			m.thread = nil
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStartTimeout, err)
	}
	m.logger.Info("service manager started", zap.String("thread", th.Name()), zap.Uint64("id", th.ID()))
	return nil
}

// Stop runs the StopRoutingClient shutdown and blocks until the manager
// goroutine has exited.
func (m *ServiceManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	th := m.thread
	m.mu.Unlock()
	if th == nil {
		return ErrNotStarted
	}

	th.Post(&eventData{cmd: cmdStopRoutingClient})
	ctx, cancel := withTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := th.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStopTimeout, err)
	}

	m.mu.Lock()
	if m.thread == th {
		m.thread = nil
	}
	m.mu.Unlock()
	m.logger.Info("service manager stopped")
	return nil
}

// IsStarted never blocks.
func (m *ServiceManager) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thread != nil && m.thread.IsRunning()
}

func (m *ServiceManager) post(d *eventData) bool {
	m.mu.Lock()
	th := m.thread
	m.mu.Unlock()
	if th == nil {
		dispatch.Discard(d)
		return false
	}
	return th.Post(d)
}

// RequestRegisterServer queues the registration of a stub. It returns false
// if the manager is not running.
func (m *ServiceManager) RequestRegisterServer(stub address.StubAddress) bool {
	return m.post(&eventData{cmd: cmdRegisterStub, stub: stub, channel: stub.Channel})
}

func (m *ServiceManager) RequestUnregisterServer(stub address.StubAddress) bool {
	return m.post(&eventData{cmd: cmdUnregisterStub, stub: stub, channel: stub.Channel})
}

func (m *ServiceManager) RequestRegisterClient(proxy address.ProxyAddress) bool {
	return m.post(&eventData{cmd: cmdRegisterProxy, proxy: proxy, channel: proxy.Channel})
}

func (m *ServiceManager) RequestUnregisterClient(proxy address.ProxyAddress) bool {
	return m.post(&eventData{cmd: cmdUnregisterProxy, proxy: proxy, channel: proxy.Channel})
}

// RequestConfigureConnection loads the routing configuration from path.
func (m *ServiceManager) RequestConfigureConnection(path string) bool {
	return m.post(&eventData{cmd: cmdConfigureConnection, arg: path})
}

func (m *ServiceManager) RequestStartConnection() bool {
	return m.post(&eventData{cmd: cmdStartConnection})
}

// RequestStartNetConnection connects to the router at addr ("host:port").
func (m *ServiceManager) RequestStartNetConnection(addr string) bool {
	return m.post(&eventData{cmd: cmdStartNetConnection, arg: addr})
}

func (m *ServiceManager) RequestStopConnection() bool {
	return m.post(&eventData{cmd: cmdStopConnection})
}

func (m *ServiceManager) RequestEnableService(enable bool) bool {
	return m.post(&eventData{cmd: cmdSetEnableService, enable: enable})
}

// RequestStopRoutingClient disconnects everything and ends the manager
// goroutine without waiting for it.
func (m *ServiceManager) RequestStopRoutingClient() bool {
	return m.post(&eventData{cmd: cmdStopRoutingClient})
}

// RemoteServiceStarted is called by the transport once the router accepted
// this process on ch.
func (m *ServiceManager) RemoteServiceStarted(ch address.Channel) {
	m.post(&eventData{cmd: cmdRegisterConnection, channel: ch})
}

// RemoteServiceStopped is called by the transport after a deliberate stop.
func (m *ServiceManager) RemoteServiceStopped(ch address.Channel) {
	m.post(&eventData{cmd: cmdUnregisterConnection, channel: ch})
}

// RemoteServiceLostConnection is called by the transport when the router
// became unreachable.
func (m *ServiceManager) RemoteServiceLostConnection(ch address.Channel) {
	m.post(&eventData{cmd: cmdLostConnection, channel: ch})
}

func (m *ServiceManager) handle(ev any) {
	d, ok := ev.(*eventData)
	if !ok {
		m.logger.Warn("unexpected event", zap.Any("event", ev))
		return
	}
	if d.cmd != cmdQuery {
		m.logger.Debug("processing", zap.Stringer("cmd", d.cmd), zap.Stringer("channel", d.channel))
	}

	switch d.cmd {
	case cmdRegisterStub:
		stub := d.stub
		stub.Channel = d.channel
		m.registerServer(stub)
	case cmdUnregisterStub:
		stub := d.stub
		stub.Channel = d.channel
		m.unregisterServer(stub)
	case cmdRegisterProxy:
		proxy := d.proxy
		proxy.Channel = d.channel
		m.registerClient(proxy)
	case cmdUnregisterProxy:
		proxy := d.proxy
		proxy.Channel = d.channel
		m.unregisterClient(proxy)
	case cmdConfigureConnection, cmdStartConnection, cmdStartNetConnection,
		cmdStopConnection, cmdSetEnableService:
		m.controlConnection(d)
	case cmdRegisterConnection:
		m.registerConnection(d.channel)
	case cmdUnregisterConnection:
		m.revokeRemote(d.channel, "routing service stopped")
	case cmdLostConnection:
		m.revokeRemote(d.channel, "routing connection lost")
	case cmdStopRoutingClient:
		m.stopRoutingClient()
	case cmdQuery:
		d.query()
	}
}

func (m *ServiceManager) registerServer(stub address.StubAddress) {
	server, staged, ok := m.servers.RegisterServer(stub)
	if !ok {
		m.metrics.StubRefused()
		m.logger.Warn("stub refused, service already provided",
			zap.Stringer("stub", stub), zap.Stringer("active", server.Address()))
		return
	}
	if stub.IsLocalAddress() && stub.IsPublic() {
		if r := m.remoteConsumer(); r != nil {
			r.RegisterService(stub)
		}
	}
	for _, c := range staged {
		if !c.IsConnected() {
			continue
		}
		m.notifyStub(c.Address(), server.Address(), address.StatusConnected)
		m.notifyProxy(c.Address(), server.Address(), address.StatusConnected)
	}
	m.updateSize()
}

func (m *ServiceManager) unregisterServer(stub address.StubAddress) {
	prev, staged, ok := m.servers.UnregisterServer(stub)
	if !ok {
		m.logger.Debug("unregister of unknown stub", zap.Stringer("stub", stub))
		return
	}
	if stub.IsLocalAddress() && stub.IsPublic() {
		if r := m.remoteConsumer(); r != nil {
			r.UnregisterService(prev.Address())
		}
	}
	for _, c := range staged {
		m.notifyProxy(c.Address(), c.Server(), address.StatusDisconnected)
	}
	m.updateSize()
}

func (m *ServiceManager) registerClient(proxy address.ProxyAddress) {
	before, known := m.servers.FindClient(proxy)
	if proxy.IsLocalAddress() && proxy.IsPublic() {
		if r := m.remoteConsumer(); r != nil {
			r.RegisterServiceClient(proxy)
		}
	}
	server, client := m.servers.RegisterClient(proxy)
	if known && before.IsConnected() && before.Server() == client.Server() {
		m.updateSize()
		return
	}
	if client.IsConnected() {
		m.notifyStub(client.Address(), server.Address(), address.StatusConnected)
		m.notifyProxy(client.Address(), server.Address(), address.StatusConnected)
	}
	m.updateSize()
}

func (m *ServiceManager) unregisterClient(proxy address.ProxyAddress) {
	_, prev, ok := m.servers.UnregisterClient(proxy)
	if !ok {
		m.logger.Debug("unregister of unknown proxy", zap.Stringer("proxy", proxy))
		return
	}
	if proxy.IsLocalAddress() && proxy.IsPublic() {
		if r := m.remoteConsumer(); r != nil {
			r.UnregisterServiceClient(proxy)
		}
	}
	if prev.IsConnected() {
		m.notifyStub(prev.Address(), prev.Server(), address.StatusDisconnected)
		m.notifyProxy(prev.Address(), prev.Server(), address.StatusDisconnected)
	}
	m.updateSize()
}

func (m *ServiceManager) controlConnection(d *eventData) {
	r := m.remoteConsumer()
	if r == nil {
		m.logger.Warn("no routing service installed", zap.Stringer("cmd", d.cmd))
		return
	}
	var err error
	switch d.cmd {
	case cmdConfigureConnection:
		err = r.ServiceConfigure(d.arg)
	case cmdStartConnection:
		err = r.StartRemotingService()
	case cmdStartNetConnection:
		err = r.StartNetRemotingService(d.arg)
	case cmdStopConnection:
		r.StopRemotingService()
	case cmdSetEnableService:
		r.EnableService(d.enable)
	}
	if err != nil {
		m.logger.Error("routing service request failed", zap.Stringer("cmd", d.cmd), zap.Error(err))
	}
}

// registerConnection replays every local remote-capable stub and proxy to a
// freshly (re)connected transport; the local registry is authoritative.
func (m *ServiceManager) registerConnection(ch address.Channel) {
	r := m.remoteConsumer()
	if r == nil {
		return
	}
	stubs, proxies := m.remoteServiceList()
	for _, s := range stubs {
		r.RegisterService(s)
	}
	for _, p := range proxies {
		r.RegisterServiceClient(p)
	}
	m.logger.Info("routing connection registered",
		zap.Stringer("channel", ch), zap.Int("stubs", len(stubs)), zap.Int("proxies", len(proxies)))
}

// revokeRemote unregisters every remote stub and proxy through the regular
// paths so local peers still get their disconnect notifications.
func (m *ServiceManager) revokeRemote(ch address.Channel, reason string) {
	var (
		stubs   []address.StubAddress
		proxies []address.ProxyAddress
	)
	for _, e := range m.servers.Entries() {
		if s := e.Server.Address(); e.Server.IsConnected() && s.IsRemoteAddress() {
			stubs = append(stubs, s)
		}
		for _, c := range e.Clients {
			if p := c.Address(); p.IsRemoteAddress() {
				proxies = append(proxies, p)
			}
		}
	}
	m.logger.Info(reason,
		zap.Stringer("channel", ch), zap.Int("stubs", len(stubs)), zap.Int("proxies", len(proxies)))
	for _, s := range stubs {
		m.unregisterServer(s)
	}
	for _, p := range proxies {
		m.unregisterClient(p)
	}
}

func (m *ServiceManager) stopRoutingClient() {
	for _, e := range m.servers.Entries() {
		for _, c := range e.Clients {
			if c.IsConnected() {
				m.notifyStub(c.Address(), e.Server.Address(), address.StatusDisconnected)
			}
			m.notifyProxy(c.Address(), c.Server(), address.StatusDisconnected)
		}
	}
	m.servers.Clear()
	m.updateSize()
	if r := m.remoteConsumer(); r != nil && r.IsServiceStarted() {
		r.StopRemotingService()
	}

	m.mu.Lock()
	th := m.thread
	m.mu.Unlock()
	if th != nil {
		th.Exit()
	}
}

// notifyStub delivers only to stubs living in this process with a known
// source; remote ones hear about it from their own process.
func (m *ServiceManager) notifyStub(client address.ProxyAddress, stub address.StubAddress, status address.ConnectionStatus) {
	if !stub.IsLocalAddress() || stub.Channel.Source == address.IDUnknown {
		return
	}
	ev := &event.StubConnectEvent{Client: client, Stub: stub, Status: status}
	ok := event.DeliverToStub(m.threads, stub, ev)
	m.metrics.Notification(metrics.KindStub, ok)
	if !ok {
		m.logger.Debug("stub notification dropped", zap.Stringer("stub", stub), zap.Stringer("status", status))
	}
}

func (m *ServiceManager) notifyProxy(proxy address.ProxyAddress, server address.StubAddress, status address.ConnectionStatus) {
	if !proxy.IsLocalAddress() || proxy.Channel.Source == address.IDUnknown {
		return
	}
	ev := &event.ProxyConnectEvent{Proxy: proxy, Server: server, Status: status}
	ok := event.DeliverToProxy(m.threads, proxy, ev)
	m.metrics.Notification(metrics.KindProxy, ok)
	if !ok {
		m.logger.Debug("proxy notification dropped", zap.Stringer("proxy", proxy), zap.Stringer("status", status))
	}
}

func (m *ServiceManager) updateSize() {
	m.metrics.SetRegistrySize(m.servers.Len(), m.servers.ClientCount())
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
