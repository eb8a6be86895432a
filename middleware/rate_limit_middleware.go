package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-broker/message"
)

const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware is a token bucket shared by every peer of the router.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			if !limiter.Allow() {
				return &message.Envelope{Path: req.Body.Path, Error: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
