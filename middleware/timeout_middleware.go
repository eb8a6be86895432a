package middleware

import (
	"context"
	"time"

	"mini-broker/message"
)

const ErrTimedOut = "request timed out"

// TimeOutMiddleware flags handlers that overrun timeout. The handler sees the
// deadline on ctx but always runs to completion before the middleware
// returns, so the next message of the same peer cannot overtake it. An
// overrun replaces the reply's error with ErrTimedOut.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
			}
			reply := <-done
			if reply == nil {
				reply = &message.Envelope{Path: req.Body.Path}
			}
			reply.Error = ErrTimedOut
			return reply
		}
	}
}
