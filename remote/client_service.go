// Package remote connects a process's service manager to the routing broker.
//
// ClientService is the manager's RemoteServiceConsumer. Calls coming from the
// manager never wait on the network: registrations are posted to the
// connection's writer and the connection itself is established on a
// background goroutine.
//
//	manager goroutine ──RegisterService──► Post(RegisterStub) ──► writer ──► broker
//	broker ──RegisterProxy──► recvLoop ──► manager.RequestRegisterClient
//
// The link is owned by run, which dials, performs the Connect handshake,
// reports the assigned cookie through RemoteServiceStarted and waits for the
// connection to drop. A drop that was not asked for is reported with
// RemoteServiceLostConnection and followed by a paced reconnect.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-broker/address"
	"mini-broker/codec"
	"mini-broker/config"
	"mini-broker/discovery"
	"mini-broker/loadbalance"
	"mini-broker/message"
	"mini-broker/protocol"
	"mini-broker/transport"
)

var (
	ErrNotConfigured = errors.New("remote: routing service not configured")
	ErrNotConnected  = errors.New("remote: not connected to router")
	ErrDisabled      = errors.New("remote: routing service disabled")
)

// ServiceManager is the part of the service manager the routing link reports to.
type ServiceManager interface {
	RequestRegisterServer(stub address.StubAddress) bool
	RequestUnregisterServer(stub address.StubAddress) bool
	RequestRegisterClient(proxy address.ProxyAddress) bool
	RequestUnregisterClient(proxy address.ProxyAddress) bool

	RemoteServiceStarted(ch address.Channel)
	RemoteServiceStopped(ch address.Channel)
	RemoteServiceLostConnection(ch address.Channel)
}

type Option func(*ClientService)

func WithLogger(l *zap.Logger) Option {
	return func(s *ClientService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfig configures the service up front; ServiceConfigure is then optional.
func WithConfig(cfg *config.Config) Option {
	return func(s *ClientService) {
		if cfg != nil {
			s.cfg = cfg
			s.configured = true
			s.enabled = cfg.Client.Enabled
		}
	}
}

// WithDiscovery resolves the broker through reg instead of the configured
// static address.
func WithDiscovery(reg discovery.Registry) Option {
	return func(s *ClientService) { s.discovery = reg }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(s *ClientService) {
		if b != nil {
			s.balancer = b
		}
	}
}

// ClientService is the process end of the broker link.
type ClientService struct {
	manager  ServiceManager
	logger   *zap.Logger
	balancer loadbalance.Balancer

	mu         sync.Mutex
	cfg        *config.Config
	configured bool
	enabled    bool
	discovery  discovery.Registry
	ownsDisc   bool // discovery was created from the configuration

	started bool
	cancel  context.CancelFunc
	done    chan struct{} // closed when run returns
	conn    *transport.Conn
	channel address.Channel
}

func NewClientService(manager ServiceManager, opts ...Option) *ClientService {
	s := &ClientService{
		manager:  manager,
		logger:   zap.NewNop(),
		balancer: &loadbalance.RoundRobinBalancer{},
		enabled:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("remote")
	return s
}

// ServiceConfigure loads the configuration at path; an empty path selects
// the defaults. A discovery registry is created when the configuration lists
// etcd endpoints and none was given as an option.
func (s *ClientService) ServiceConfigure(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("configure routing service: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("configure routing service: already started")
	}
	if s.ownsDisc && s.discovery != nil {
		_ = s.discovery.Close()
		s.discovery, s.ownsDisc = nil, false
	}
	if s.discovery == nil && len(cfg.Discovery.Endpoints) > 0 {
		reg, err := discovery.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.GetDialTimeout(), s.logger)
		if err != nil {
			return fmt.Errorf("configure routing service: %w", err)
		}
		s.discovery, s.ownsDisc = reg, true
	}
	s.cfg = cfg
	s.configured = true
	s.enabled = cfg.Client.Enabled
	s.logger.Info("routing service configured",
		zap.String("path", path),
		zap.String("router", cfg.Client.RouterAddress),
		zap.Strings("discovery", cfg.Discovery.Endpoints))
	return nil
}

// StartRemotingService connects to the broker found through discovery or,
// without discovery, at the configured router address.
func (s *ClientService) StartRemotingService() error {
	return s.start("")
}

// StartNetRemotingService connects to the broker at addr. An unconfigured
// service falls back to the default configuration.
func (s *ClientService) StartNetRemotingService(addr string) error {
	if addr == "" {
		return errors.New("remote: empty router address")
	}
	s.mu.Lock()
	if !s.configured {
		s.cfg = config.Default()
		s.configured = true
	}
	s.mu.Unlock()
	return s.start(addr)
}

func (s *ClientService) start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.configured:
		return ErrNotConfigured
	case !s.enabled:
		return ErrDisabled
	case s.started:
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, addr, s.cfg, s.done)
	return nil
}

// StopRemotingService says goodbye to the broker, closes the link and waits
// for the connection goroutine before reporting RemoteServiceStopped. The
// goodbye is bounded by the write timeout.
func (s *ClientService) StopRemotingService() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	// cancelled under mu so connect cannot publish a link after this point
	s.cancel()
	done, conn := s.done, s.conn
	ch := s.channel
	s.mu.Unlock()

	if conn != nil {
		_, _ = conn.Send(protocol.MsgTypeDisconnect, nil)
		_ = conn.Close()
	}
	<-done

	s.logger.Info("routing service stopped", zap.Stringer("channel", ch))
	s.manager.RemoteServiceStopped(ch)
}

// EnableService switches the routing link on or off. Disabling a running
// service stops it.
func (s *ClientService) EnableService(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	started := s.started
	s.mu.Unlock()
	if !enable && started {
		s.StopRemotingService()
	}
}

func (s *ClientService) IsServiceStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *ClientService) IsServiceConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured
}

func (s *ClientService) IsServiceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// IsConnected reports whether the broker accepted this process.
func (s *ClientService) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Channel is the link's channel: the assigned cookie towards the router.
// It is invalid while disconnected.
func (s *ClientService) Channel() address.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *ClientService) RegisterService(stub address.StubAddress) {
	s.sendStub(protocol.MsgTypeRegisterStub, stub)
}

func (s *ClientService) UnregisterService(stub address.StubAddress) {
	s.sendStub(protocol.MsgTypeUnregisterStub, stub)
}

func (s *ClientService) RegisterServiceClient(proxy address.ProxyAddress) {
	s.sendProxy(protocol.MsgTypeRegisterProxy, proxy)
}

func (s *ClientService) UnregisterServiceClient(proxy address.ProxyAddress) {
	s.sendProxy(protocol.MsgTypeUnregisterProxy, proxy)
}

// Close stops the service and releases a discovery registry it created.
func (s *ClientService) Close() error {
	s.StopRemotingService()

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.ownsDisc && s.discovery != nil {
		err = multierr.Append(err, s.discovery.Close())
		s.discovery, s.ownsDisc = nil, false
	}
	return err
}

func (s *ClientService) sendStub(mt protocol.MsgType, stub address.StubAddress) {
	s.mu.Lock()
	conn, cookie := s.conn, s.channel.Cookie
	s.mu.Unlock()
	if conn == nil {
		// replayed by the manager once connected
		s.logger.Debug("deferring", zap.Stringer("type", mt), zap.Stringer("stub", stub), zap.Error(ErrNotConnected))
		return
	}
	if stub.IsLocalAddress() {
		stub.Channel.Cookie = cookie
	}
	s.send(conn, mt, stub.Path())
}

func (s *ClientService) sendProxy(mt protocol.MsgType, proxy address.ProxyAddress) {
	s.mu.Lock()
	conn, cookie := s.conn, s.channel.Cookie
	s.mu.Unlock()
	if conn == nil {
		s.logger.Debug("deferring", zap.Stringer("type", mt), zap.Stringer("proxy", proxy), zap.Error(ErrNotConnected))
		return
	}
	if proxy.IsLocalAddress() {
		proxy.Channel.Cookie = cookie
	}
	s.send(conn, mt, proxy.Path())
}

// send posts the frame; a router that stopped reading costs the link, never
// the caller.
func (s *ClientService) send(conn *transport.Conn, mt protocol.MsgType, path string) {
	if err := conn.Post(mt, &message.Envelope{Path: path}); err != nil {
		s.logger.Warn("send to router failed", zap.Stringer("type", mt), zap.String("path", path), zap.Error(err))
	}
}

// run owns the broker link until ctx is cancelled or reconnecting gives up.
func (s *ClientService) run(ctx context.Context, addr string, cfg *config.Config, done chan struct{}) {
	defer close(done)

	base := cfg.GetReconnectInterval()
	limiter := rate.NewLimiter(rate.Every(base), 1)
	failures := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		conn, err := s.connect(ctx, addr, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Warn("connect to router failed", zap.Int("attempt", failures), zap.Error(err))
			if cfg.Client.MaxReconnect > 0 && failures >= cfg.Client.MaxReconnect {
				s.giveUp(failures)
				return
			}
			limiter.SetLimit(rate.Every(backoff(base, failures)))
			continue
		}
		failures = 0
		limiter.SetLimit(rate.Every(base))

		<-conn.Done()
		ch := s.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("lost connection to router", zap.Stringer("channel", ch), zap.Error(conn.Err()))
		s.manager.RemoteServiceLostConnection(ch)
		if !s.IsServiceEnabled() {
			return
		}
	}
}

// connect dials the broker and performs the Connect handshake. On success
// the connection is published and the manager told about it.
func (s *ClientService) connect(ctx context.Context, addr string, cfg *config.Config) (*transport.Conn, error) {
	if addr == "" {
		var err error
		if addr, err = s.resolve(ctx, cfg); err != nil {
			return nil, err
		}
	}
	codecType, err := codec.ParseCodecType(cfg.Router.Codec)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.GetDialTimeout()}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	var conn *transport.Conn
	ready := make(chan struct{})
	handler := func(h *protocol.Header, env *message.Envelope) {
		<-ready
		s.handleFrame(conn, h, env)
	}
	opts := []transport.Option{
		transport.WithCodec(codecType),
		transport.WithHandler(handler),
		transport.WithLogger(s.logger),
		transport.WithWriteTimeout(cfg.GetWriteTimeout()),
		transport.WithBacklog(cfg.Limits.Backlog),
	}
	if hb := cfg.GetHeartbeatInterval(); hb > 0 {
		opts = append(opts, transport.WithHeartbeat(hb))
	}
	conn = transport.NewConn(nc, opts...)
	close(ready)

	hctx, cancel := context.WithTimeout(ctx, cfg.GetDialTimeout())
	defer cancel()
	reply, err := conn.Request(hctx, protocol.MsgTypeConnect, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	ch := address.NewChannel(address.IDUnknown, address.CookieRouter, reply.Cookie)
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ctx.Err()
	}
	s.conn = conn
	s.channel = ch
	s.mu.Unlock()

	s.logger.Info("connected to router", zap.String("addr", addr), zap.Uint64("cookie", reply.Cookie))
	s.manager.RemoteServiceStarted(ch)
	return conn, nil
}

// resolve picks the broker to dial. Each call follows a failed dial or a
// lost link, so the balancer moves on to the next instance.
func (s *ClientService) resolve(ctx context.Context, cfg *config.Config) (string, error) {
	s.mu.Lock()
	reg := s.discovery
	s.mu.Unlock()
	if reg == nil {
		return cfg.Client.RouterAddress, nil
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.GetDialTimeout())
	defer cancel()
	instances, err := reg.Discover(dctx, cfg.Discovery.Service)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", cfg.Discovery.Service, err)
	}
	inst, err := s.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", cfg.Discovery.Service, err)
	}
	return inst.Addr, nil
}

// dropConn unpublishes conn and returns the channel it was serving.
func (s *ClientService) dropConn(conn *transport.Conn) address.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel
	if s.conn == conn {
		s.conn = nil
		s.channel = address.Channel{}
	}
	return ch
}

func (s *ClientService) giveUp(failures int) {
	s.mu.Lock()
	s.started = false
	s.cancel()
	s.mu.Unlock()
	s.logger.Error("routing service gave up reconnecting", zap.Int("attempts", failures))
}

// handleFrame runs on the connection's receive loop. Registrations the broker
// forwards belong to other processes and keep their own cookie.
func (s *ClientService) handleFrame(conn *transport.Conn, h *protocol.Header, env *message.Envelope) {
	switch h.MsgType {
	case protocol.MsgTypeRegisterStub, protocol.MsgTypeUnregisterStub:
		stub := address.ParseStubPath(env.Path)
		if !stub.IsValid() || !stub.IsRemoteAddress() {
			s.logger.Warn("ignoring stub from router", zap.Stringer("type", h.MsgType), zap.String("path", env.Path))
			return
		}
		if h.MsgType == protocol.MsgTypeRegisterStub {
			s.manager.RequestRegisterServer(stub)
		} else {
			s.manager.RequestUnregisterServer(stub)
		}
	case protocol.MsgTypeRegisterProxy, protocol.MsgTypeUnregisterProxy:
		proxy := address.ParseProxyPath(env.Path)
		if !proxy.IsValid() || !proxy.IsRemoteAddress() {
			s.logger.Warn("ignoring proxy from router", zap.Stringer("type", h.MsgType), zap.String("path", env.Path))
			return
		}
		if h.MsgType == protocol.MsgTypeRegisterProxy {
			s.manager.RequestRegisterClient(proxy)
		} else {
			s.manager.RequestUnregisterClient(proxy)
		}
	case protocol.MsgTypeAck:
		if env.Error != "" {
			s.logger.Warn("router refused registration", zap.String("path", env.Path), zap.String("error", env.Error))
		}
	case protocol.MsgTypeDisconnect:
		s.logger.Info("router is shutting down")
		_ = conn.Close()
	default:
		s.logger.Debug("unexpected frame", zap.Stringer("type", h.MsgType))
	}
}

// backoff doubles the base interval per failure, up to 32 times the base.
func backoff(base time.Duration, failures int) time.Duration {
	return base << min(failures, 5)
}
