// Package router implements the routing broker: the process every other
// process connects to so their stubs and proxies can find each other.
//
// Message pipeline:
//
//	Accept conn → transport.Conn recvLoop (one goroutine per peer)
//	  → Connect: assign cookie, reply ConnectAck
//	  → Register*/Unregister*: middleware chain → registry update under mu
//	      → forward to the peers on the other side of each changed pair
//	      → reply Ack
//
// The router never connects a pair inside one process; both ends then
// carry the same cookie and their own service manager already did it.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-broker/address"
	"mini-broker/codec"
	"mini-broker/discovery"
	"mini-broker/message"
	"mini-broker/metrics"
	"mini-broker/middleware"
	"mini-broker/protocol"
	"mini-broker/routing"
	"mini-broker/transport"
)

var ErrNotConnected = errors.New("router: peer not connected")

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.RouterMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codec = t }
}

// WithIdleTimeout drops peers that sent nothing, heartbeats included, for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idle = d }
}

// WithWriteTimeout bounds every write to a peer.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithBacklog sets how many forwarded messages may queue for one peer before
// it is dropped.
func WithBacklog(n int) Option {
	return func(s *Server) { s.backlog = n }
}

func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithDiscovery advertises advertiseAddr under service while serving.
func WithDiscovery(reg discovery.Registry, service, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.discovery = reg
		s.service = service
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

type peer struct {
	cookie uint64
	conn   *transport.Conn
}

// Server is the routing broker.
type Server struct {
	name    string
	logger  *zap.Logger
	metrics *metrics.RouterMetrics
	codec   codec.CodecType
	idle    time.Duration

	writeTimeout time.Duration
	backlog      int

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	discovery     discovery.Registry
	service       string
	advertiseAddr string
	ttl           int64

	mu         sync.Mutex // guards registry, peers, nextCookie and listener
	registry   *routing.ServiceRegistry
	peers      map[uint64]*peer
	nextCookie uint64

	listener net.Listener
	wg       sync.WaitGroup // one per live connection
	shutdown atomic.Bool
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       zap.NewNop(),
		codec:        codec.CodecTypeJSON,
		registry:     routing.NewServiceRegistry(),
		peers:        make(map[uint64]*peer),
		nextCookie:   address.CookieFirstRemote,
		writeTimeout: transport.DefaultWriteTimeout,
		backlog:      transport.DefaultBacklog,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("router")
	return s
}

// Use registers a middleware. Middlewares run in the order they were added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", address, err)
	}
	return s.Serve(ln)
}

// Serve advertises the broker if discovery is configured, then accepts
// connections until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)

	if s.discovery != nil {
		if s.advertiseAddr == "" {
			s.advertiseAddr = ln.Addr().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.discovery.Register(ctx, s.service, discovery.Instance{Addr: s.advertiseAddr, Name: s.name}, s.ttl)
		cancel()
		if err != nil {
			return fmt.Errorf("advertise %s: %w", s.advertiseAddr, err)
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.shutdown.Load() {
		_ = ln.Close()
		return nil
	}
	s.logger.Info("serving", zap.String("name", s.name), zap.Stringer("addr", ln.Addr()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener on purpose
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr is the listening address, nil until Serve is accepting.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn owns one peer connection until it closes, then revokes every
// stub and proxy the peer had registered.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	var cookie atomic.Uint64
	var conn *transport.Conn
	connected := make(chan struct{})
	handler := func(h *protocol.Header, env *message.Envelope) {
		<-connected
		s.handleFrame(conn, &cookie, h, env)
	}
	opts := []transport.Option{
		transport.WithCodec(s.codec),
		transport.WithHandler(handler),
		transport.WithLogger(s.logger),
		transport.WithWriteTimeout(s.writeTimeout),
		transport.WithBacklog(s.backlog),
	}
	if s.idle > 0 {
		opts = append(opts, transport.WithIdleTimeout(s.idle))
	}
	conn = transport.NewConn(nc, opts...)
	close(connected)

	<-conn.Done()
	if c := cookie.Load(); c != address.CookieUnknown {
		s.disconnectPeer(c, conn.Err())
	}
}

func (s *Server) handleFrame(conn *transport.Conn, cookie *atomic.Uint64, h *protocol.Header, env *message.Envelope) {
	switch h.MsgType {
	case protocol.MsgTypeConnect:
		if cookie.Load() != address.CookieUnknown {
			_ = conn.Reply(h.Seq, protocol.MsgTypeConnectAck, &message.Envelope{Cookie: cookie.Load()})
			return
		}
		c := s.connectPeer(conn)
		cookie.Store(c)
		if err := conn.Reply(h.Seq, protocol.MsgTypeConnectAck, &message.Envelope{Cookie: c}); err != nil {
			s.logger.Warn("connect ack failed", zap.Uint64("cookie", c), zap.Error(err))
		}
		return
	case protocol.MsgTypeDisconnect:
		_ = conn.Close()
		return
	case protocol.MsgTypeAck, protocol.MsgTypeConnectAck:
		return
	}

	c := cookie.Load()
	if c == address.CookieUnknown {
		_ = conn.Reply(h.Seq, protocol.MsgTypeAck, &message.Envelope{Path: env.Path, Error: ErrNotConnected.Error()})
		return
	}
	reply := s.handler(context.Background(), &middleware.Request{Type: h.MsgType, Cookie: c, Body: env})
	if reply == nil {
		reply = &message.Envelope{Path: env.Path}
	}
	reply.Cookie = c
	if err := conn.Reply(h.Seq, protocol.MsgTypeAck, reply); err != nil {
		s.logger.Debug("ack failed", zap.Uint64("cookie", c), zap.Error(err))
	}
}

func (s *Server) connectPeer(conn *transport.Conn) uint64 {
	s.mu.Lock()
	c := s.nextCookie
	s.nextCookie++
	s.peers[c] = &peer{cookie: c, conn: conn}
	s.mu.Unlock()

	s.metrics.PeerConnected()
	s.logger.Info("peer connected", zap.Uint64("cookie", c), zap.Stringer("remote", conn.RemoteAddr()))
	return c
}

// disconnectPeer revokes every entry of cookie through the regular
// unregister paths so the remaining peers hear about it.
func (s *Server) disconnectPeer(cookie uint64, reason error) {
	s.mu.Lock()
	delete(s.peers, cookie)
	stubs, proxies := s.registry.ServiceList(cookie)
	for _, stub := range stubs {
		s.unregisterStub(stub)
	}
	for _, proxy := range proxies {
		s.unregisterProxy(proxy)
	}
	s.metrics.SetServices(s.registry.Len())
	s.mu.Unlock()

	s.metrics.PeerDisconnected()
	s.logger.Info("peer disconnected",
		zap.Uint64("cookie", cookie),
		zap.Int("stubs", len(stubs)),
		zap.Int("proxies", len(proxies)),
		zap.NamedError("reason", reason))
}

// Shutdown performs graceful shutdown:
//  1. withdraw the discovery advertisement so no new process dials in
//  2. close the listener
//  3. tell every peer and close its connection
//  4. wait for the connection goroutines, bounded by timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	if s.discovery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, s.discovery.Deregister(ctx, s.service, s.advertiseAddr))
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.peers))
	for _, p := range s.peers {
		conns = append(conns, p.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_, _ = c.Send(protocol.MsgTypeDisconnect, nil)
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("timeout waiting for peer connections to close"))
	}
	return err
}

// Peers returns the cookies of the connected processes.
func (s *Server) Peers() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.peers))
	for c := range s.peers {
		out = append(out, c)
	}
	return out
}

// ServiceList returns the stubs and proxies owned by cookie, or by every
// peer for address.CookieAny.
func (s *Server) ServiceList(cookie uint64) ([]address.StubAddress, []address.ProxyAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ServiceList(cookie)
}
