package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-broker/address"
	"mini-broker/message"
	"mini-broker/middleware"
	"mini-broker/protocol"
	"mini-broker/routing"
)

// businessHandler applies one registration message to the registry. It is
// the innermost handler of the middleware chain.
func (s *Server) businessHandler(ctx context.Context, req *middleware.Request) *message.Envelope {
	reply := &message.Envelope{Path: req.Body.Path}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch req.Type {
	case protocol.MsgTypeRegisterStub, protocol.MsgTypeUnregisterStub:
		stub := address.ParseStubPath(req.Body.Path)
		if !stub.IsValid() {
			err = fmt.Errorf("malformed stub path %q", req.Body.Path)
			break
		}
		// the sender's cookie is authoritative
		stub.Channel.Cookie = req.Cookie
		if req.Type == protocol.MsgTypeRegisterStub {
			err = s.registerStub(stub)
		} else {
			s.unregisterStub(stub)
		}
	case protocol.MsgTypeRegisterProxy, protocol.MsgTypeUnregisterProxy:
		proxy := address.ParseProxyPath(req.Body.Path)
		if !proxy.IsValid() {
			err = fmt.Errorf("malformed proxy path %q", req.Body.Path)
			break
		}
		proxy.Channel.Cookie = req.Cookie
		if req.Type == protocol.MsgTypeRegisterProxy {
			s.registerProxy(proxy)
		} else {
			s.unregisterProxy(proxy)
		}
	default:
		err = fmt.Errorf("unexpected message %s", req.Type)
	}
	s.metrics.SetServices(s.registry.Len())

	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// registerStub binds stub and connects it with the proxies of other
// processes that were waiting for it. Callers hold mu.
func (s *Server) registerStub(stub address.StubAddress) error {
	active, staged, ok := s.registry.RegisterServiceStub(stub)
	if !ok {
		return fmt.Errorf("service already provided by %s", active.Address())
	}
	for _, p := range staged {
		s.connectPair(active.Address(), p)
	}
	return nil
}

// unregisterStub disconnects the stub from every remote proxy. Callers hold mu.
func (s *Server) unregisterStub(stub address.StubAddress) {
	prev, staged, ok := s.registry.UnregisterServiceStub(stub)
	if !ok {
		return
	}
	for _, p := range staged {
		if p.IsConnected() && p.Crosses() {
			s.forward(p.Address().Channel.Cookie, protocol.MsgTypeUnregisterStub, prev.Address().Path())
			s.forward(prev.Address().Channel.Cookie, protocol.MsgTypeUnregisterProxy, p.Address().Path())
		}
	}
}

// registerProxy connects proxy with a live stub of another process. Callers hold mu.
func (s *Server) registerProxy(proxy address.ProxyAddress) {
	stub, p := s.registry.RegisterServiceProxy(proxy)
	s.connectPair(stub.Address(), p)
}

// unregisterProxy tells the stub's process its remote client left. Callers hold mu.
func (s *Server) unregisterProxy(proxy address.ProxyAddress) {
	_, prev, ok := s.registry.UnregisterServiceProxy(proxy)
	if !ok {
		return
	}
	if prev.IsConnected() && prev.Crosses() {
		s.forward(prev.Stub().Channel.Cookie, protocol.MsgTypeUnregisterProxy, prev.Address().Path())
	}
}

// connectPair introduces a connected cross-process pair to both processes:
// the proxy's process learns the stub, the stub's process learns the proxy.
func (s *Server) connectPair(stub address.StubAddress, p routing.ServiceProxy) {
	if !p.IsConnected() || !p.Crosses() {
		return
	}
	s.forward(p.Address().Channel.Cookie, protocol.MsgTypeRegisterStub, stub.Path())
	s.forward(stub.Channel.Cookie, protocol.MsgTypeRegisterProxy, p.Address().Path())
}

// forward queues one registration message for the peer with cookie. A peer
// that is already gone is skipped. Callers hold mu, so forward only posts:
// a peer that stops reading is dropped instead of stalling the registry.
func (s *Server) forward(cookie uint64, mt protocol.MsgType, path string) {
	p, ok := s.peers[cookie]
	if !ok {
		s.logger.Debug("forward skipped", zap.Uint64("cookie", cookie), zap.Stringer("type", mt), zap.Error(ErrNotConnected))
		return
	}
	if err := p.conn.Post(mt, &message.Envelope{Cookie: cookie, Path: path}); err != nil {
		s.logger.Warn("forward failed", zap.Uint64("cookie", cookie), zap.Stringer("type", mt), zap.Error(err))
		return
	}
	s.metrics.Forwarded()
}
