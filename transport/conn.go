// Package transport implements the framed broker connection used on both
// ends: by the router for each accepted peer and by a process for its link
// to the router.
//
// A Conn multiplexes requests over one TCP connection. Every outgoing frame
// gets a sequence number; a single background goroutine (recvLoop) reads
// frames and either routes a reply to the caller waiting on that sequence
// number, or hands the frame to the connection's Handler.
//
//	goroutine-1 ──Request(seq=1)──┐
//	goroutine-2 ──Send(seq=2)─────┼──→ single TCP conn ──→ peer
//	goroutine-3 ──Reply(seq=9)────┘
//
//	recvLoop:  ←── Ack(seq=1) → pending[1] → goroutine-1 wakes up
//	           ←── RegisterStub(seq=4) → Handler
//
// The Handler runs on recvLoop, so frames are handled in arrival order. It
// may write to any connection but must not wait for a reply on its own.
//
// Post hands a frame to a per-connection writer goroutine and never blocks;
// a peer that stops reading fills the backlog and is dropped. Every write is
// bounded by the write timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-broker/codec"
	"mini-broker/message"
	"mini-broker/protocol"
)

var (
	ErrClosed  = errors.New("transport: connection closed")
	ErrBacklog = errors.New("transport: outbound backlog full")
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultBacklog      = 1024
)

// Handler receives every frame that is not a reply to a pending request.
type Handler func(h *protocol.Header, env *message.Envelope)

type Option func(*Conn)

func WithCodec(t codec.CodecType) Option {
	return func(c *Conn) { c.codec = t }
}

func WithHandler(h Handler) Option {
	return func(c *Conn) { c.handler = h }
}

// WithHeartbeat sends a heartbeat frame every interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Conn) { c.heartbeat = interval }
}

// WithIdleTimeout closes the connection when nothing, heartbeats included,
// was received for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Conn) { c.idle = d }
}

// WithWriteTimeout bounds every frame write; zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithBacklog sets how many posted frames may wait for the writer.
func WithBacklog(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.backlog = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// Conn is one multiplexed broker connection.
type Conn struct {
	conn      net.Conn
	codec     codec.CodecType
	handler   Handler
	heartbeat time.Duration
	idle      time.Duration
	logger    *zap.Logger

	writeTimeout time.Duration
	backlog      int
	outbox       chan posted

	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.Envelope
	sending sync.Mutex // whole frames only, never interleaved

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewConn wraps conn and starts its receive loop, plus the heartbeat loop if
// configured.
func NewConn(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:         conn,
		codec:        codec.CodecTypeJSON,
		logger:       zap.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		backlog:      DefaultBacklog,
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.outbox = make(chan posted, c.backlog)
	go c.recvLoop()
	go c.writeLoop()
	if c.heartbeat > 0 {
		go c.heartbeatLoop(c.heartbeat)
	}
	return c
}

// Send writes a frame without waiting for a reply and returns its sequence
// number.
func (c *Conn) Send(mt protocol.MsgType, env *message.Envelope) (uint32, error) {
	c.sending.Lock()
	defer c.sending.Unlock()
	c.seq++
	seq := c.seq
	if err := c.write(mt, seq, env); err != nil {
		return 0, err
	}
	return seq, nil
}

type posted struct {
	mt  protocol.MsgType
	env *message.Envelope
}

// Post queues a frame for the writer goroutine without waiting on the
// network. Posted frames are written in the order they were posted. A full
// backlog closes the connection with ErrBacklog.
func (c *Conn) Post(mt protocol.MsgType, env *message.Envelope) error {
	select {
	case <-c.closed:
		return c.closeErr()
	default:
	}
	select {
	case c.outbox <- posted{mt: mt, env: env}:
		return nil
	default:
		c.logger.Warn("peer is not reading, closing", zap.Stringer("remote", c.conn.RemoteAddr()), zap.Int("backlog", c.backlog))
		c.closeWith(ErrBacklog)
		return c.closeErr()
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case p := <-c.outbox:
			if _, err := c.Send(p.mt, p.env); err != nil {
				return
			}
		}
	}
}

// Request writes a frame and waits for the reply carrying the same sequence
// number. The reply's Error field is returned as an error.
func (c *Conn) Request(ctx context.Context, mt protocol.MsgType, env *message.Envelope) (*message.Envelope, error) {
	c.sending.Lock()
	c.seq++
	seq := c.seq
	// register before writing so recvLoop cannot miss the reply
	replyCh := make(chan *message.Envelope, 1)
	c.pending.Store(seq, replyCh)
	err := c.write(mt, seq, env)
	c.sending.Unlock()
	if err != nil {
		c.pending.Delete(seq)
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-c.closed:
		c.pending.Delete(seq)
		return nil, c.closeErr()
	case <-ctx.Done():
		c.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// Reply answers the request with sequence number seq.
func (c *Conn) Reply(seq uint32, mt protocol.MsgType, env *message.Envelope) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.write(mt, seq, env)
}

// write encodes and sends one frame; the caller holds sending.
func (c *Conn) write(mt protocol.MsgType, seq uint32, env *message.Envelope) error {
	select {
	case <-c.closed:
		return c.closeErr()
	default:
	}
	var body []byte
	if env != nil {
		var err error
		if body, err = codec.GetCodec(c.codec).Encode(env); err != nil {
			return fmt.Errorf("encode %s: %w", mt, err)
		}
	}
	header := protocol.Header{
		CodecType: byte(c.codec),
		MsgType:   mt,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := protocol.Encode(c.conn, &header, body); err != nil {
		c.closeWith(err)
		return fmt.Errorf("write %s: %w", mt, err)
	}
	return nil
}

// recvLoop is the only reader of the connection; TCP is a byte stream and
// frame boundaries are only known to a sequential reader.
func (c *Conn) recvLoop() {
	for {
		if c.idle > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
		}
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.closeWith(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		env := &message.Envelope{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, env); err != nil {
			c.logger.Warn("dropping undecodable frame",
				zap.Stringer("type", header.MsgType), zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}

		if header.MsgType.IsReply() {
			if ch, ok := c.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan *message.Envelope) <- env
				continue
			}
		}
		if c.handler != nil {
			c.handler(header, env)
		}
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		c.sending.Lock()
		err := c.write(protocol.MsgTypeHeartbeat, 0, nil)
		c.sending.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Conn) closeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil || c.err == ErrClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.err)
}

// Close shuts the connection; pending requests fail with ErrClosed.
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

// Done is closed once the connection is gone, whichever side closed it.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err is nil while the connection is open, then the reason it closed.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr()
	default:
		return nil
	}
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
