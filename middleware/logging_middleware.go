package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-broker/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("type", req.Type),
				zap.Uint64("cookie", req.Cookie),
				zap.String("path", req.Body.Path),
				zap.Duration("duration", time.Since(start)),
			}
			if reply != nil && reply.Error != "" {
				logger.Warn("message rejected", append(fields, zap.String("error", reply.Error))...)
				return reply
			}
			logger.Debug("message handled", fields...)
			return reply
		}
	}
}
