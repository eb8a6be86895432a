// Package middleware wraps the router's message handler. Each middleware
// sees one inbound broker message and the reply the handler produced.
package middleware

import (
	"context"

	"mini-broker/message"
	"mini-broker/protocol"
)

// Request is one inbound message as the router sees it.
type Request struct {
	Type   protocol.MsgType
	Cookie uint64 // cookie of the sending process
	Body   *message.Envelope
}

// HandlerFunc handles a request and returns the Ack to send back.
type HandlerFunc func(ctx context.Context, req *Request) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
